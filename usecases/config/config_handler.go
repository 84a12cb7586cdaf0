//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when no config file is given. A missing file is
// not an error.
const DefaultConfigFile string = "./ted-context.yaml"

const (
	DefaultDataPath = "./.ted/context"

	DefaultWALMaxSegmentBytes  = 4 * 1024 * 1024
	DefaultWALPressureSegments = 16

	DefaultHotMaxEntries      = 512
	DefaultHotMaxBytes        = 8 * 1024 * 1024
	DefaultHotMaxIdle         = 30 * time.Minute
	DefaultHotRecencyWeight   = 0.7
	DefaultHotFrequencyWeight = 0.3
	DefaultHotPriorityWeight  = 0.5
	DefaultHotRecencyHalfLife = 10 * time.Minute

	DefaultWarmMaxAge = 24 * time.Hour

	DefaultColdArchiveBatchSize       = 256
	DefaultColdBloomFalsePositiveRate = 0.01

	DefaultCompactionInterval     = 30 * time.Second
	DefaultMigrationMaxRetries    = 5
	DefaultRetryInitialInterval   = 100 * time.Millisecond
	DefaultRetryMaxInterval       = 5 * time.Second
	DefaultStuckInFlightThreshold = 2 * time.Minute

	DefaultMaxEntryBytes = 256 * 1024
	DefaultTokenEncoding = "cl100k_base"

	DefaultMetricsListen = "127.0.0.1:2112"
)

const (
	RecallPolicyRecency  = "recency"
	RecallPolicyPriority = "priority"
)

// Flags are input options
type Flags struct {
	ConfigFile string `long:"config-file" description:"path to config file (default: ./ted-context.yaml)"`
	DataPath   string `long:"data-path" description:"directory holding wal, warm and cold data"`
}

// Config outline of the config file
type Config struct {
	DataPath   string     `json:"data_path" yaml:"data_path"`
	WAL        WAL        `json:"wal" yaml:"wal"`
	Hot        Hot        `json:"hot" yaml:"hot"`
	Warm       Warm       `json:"warm" yaml:"warm"`
	Cold       Cold       `json:"cold" yaml:"cold"`
	Compaction Compaction `json:"compaction" yaml:"compaction"`
	Entries    Entries    `json:"entries" yaml:"entries"`
	Recall     Recall     `json:"recall" yaml:"recall"`
	Monitoring Monitoring `json:"monitoring" yaml:"monitoring"`
}

type WAL struct {
	MaxSegmentBytes int64 `json:"max_segment_bytes" yaml:"max_segment_bytes"`
	// PressureSegments is the segment count above which hot entries pinning
	// old segments are rewritten forward so the segments can be reclaimed.
	PressureSegments int `json:"pressure_segments" yaml:"pressure_segments"`
}

type Hot struct {
	MaxEntries      int           `json:"max_entries" yaml:"max_entries"`
	MaxBytes        int           `json:"max_bytes" yaml:"max_bytes"`
	MaxIdle         time.Duration `json:"max_idle" yaml:"max_idle"`
	RecencyWeight   float64       `json:"recency_weight" yaml:"recency_weight"`
	FrequencyWeight float64       `json:"frequency_weight" yaml:"frequency_weight"`
	PriorityWeight  float64       `json:"priority_weight" yaml:"priority_weight"`
	RecencyHalfLife time.Duration `json:"recency_half_life" yaml:"recency_half_life"`
}

type Warm struct {
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
}

type Cold struct {
	ArchiveBatchSize       int     `json:"archive_batch_size" yaml:"archive_batch_size"`
	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate" yaml:"bloom_false_positive_rate"`
}

type Compaction struct {
	Interval               time.Duration `json:"interval" yaml:"interval"`
	MaxRetries             int           `json:"max_retries" yaml:"max_retries"`
	RetryInitialInterval   time.Duration `json:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMaxInterval       time.Duration `json:"retry_max_interval" yaml:"retry_max_interval"`
	StuckInFlightThreshold time.Duration `json:"stuck_in_flight_threshold" yaml:"stuck_in_flight_threshold"`
}

type Entries struct {
	MaxBytes      int    `json:"max_bytes" yaml:"max_bytes"`
	TokenEncoding string `json:"token_encoding" yaml:"token_encoding"`
}

type Recall struct {
	Policy string `json:"policy" yaml:"policy"`
}

type Monitoring struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// Default returns a config with every value set to its default.
func Default() Config {
	return Config{
		DataPath: DefaultDataPath,
		WAL: WAL{
			MaxSegmentBytes:  DefaultWALMaxSegmentBytes,
			PressureSegments: DefaultWALPressureSegments,
		},
		Hot: Hot{
			MaxEntries:      DefaultHotMaxEntries,
			MaxBytes:        DefaultHotMaxBytes,
			MaxIdle:         DefaultHotMaxIdle,
			RecencyWeight:   DefaultHotRecencyWeight,
			FrequencyWeight: DefaultHotFrequencyWeight,
			PriorityWeight:  DefaultHotPriorityWeight,
			RecencyHalfLife: DefaultHotRecencyHalfLife,
		},
		Warm: Warm{
			MaxAge: DefaultWarmMaxAge,
		},
		Cold: Cold{
			ArchiveBatchSize:       DefaultColdArchiveBatchSize,
			BloomFalsePositiveRate: DefaultColdBloomFalsePositiveRate,
		},
		Compaction: Compaction{
			Interval:               DefaultCompactionInterval,
			MaxRetries:             DefaultMigrationMaxRetries,
			RetryInitialInterval:   DefaultRetryInitialInterval,
			RetryMaxInterval:       DefaultRetryMaxInterval,
			StuckInFlightThreshold: DefaultStuckInFlightThreshold,
		},
		Entries: Entries{
			MaxBytes:      DefaultMaxEntryBytes,
			TokenEncoding: DefaultTokenEncoding,
		},
		Recall: Recall{
			Policy: RecallPolicyRecency,
		},
		Monitoring: Monitoring{
			Listen: DefaultMetricsListen,
		},
	}
}

// Validate the configuration
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return configErr(fmt.Errorf("data_path must be set"))
	}
	if c.WAL.MaxSegmentBytes <= 0 {
		return configErr(fmt.Errorf("wal.max_segment_bytes must be greater than 0"))
	}
	if c.WAL.PressureSegments < 2 {
		return configErr(fmt.Errorf("wal.pressure_segments must be at least 2"))
	}
	if c.Hot.MaxEntries <= 0 {
		return configErr(fmt.Errorf("hot.max_entries must be greater than 0"))
	}
	if c.Hot.MaxBytes <= 0 {
		return configErr(fmt.Errorf("hot.max_bytes must be greater than 0"))
	}
	if c.Hot.MaxIdle < 0 {
		return configErr(fmt.Errorf("hot.max_idle must not be negative"))
	}
	if c.Hot.RecencyWeight < 0 || c.Hot.FrequencyWeight < 0 || c.Hot.PriorityWeight < 0 {
		return configErr(fmt.Errorf("hot score weights must not be negative"))
	}
	if c.Hot.RecencyWeight+c.Hot.FrequencyWeight+c.Hot.PriorityWeight == 0 {
		return configErr(fmt.Errorf("at least one hot score weight must be positive"))
	}
	if c.Hot.RecencyHalfLife <= 0 {
		return configErr(fmt.Errorf("hot.recency_half_life must be greater than 0"))
	}
	if c.Warm.MaxAge <= 0 {
		return configErr(fmt.Errorf("warm.max_age must be greater than 0"))
	}
	if c.Cold.ArchiveBatchSize <= 0 {
		return configErr(fmt.Errorf("cold.archive_batch_size must be greater than 0"))
	}
	if c.Cold.BloomFalsePositiveRate <= 0 || c.Cold.BloomFalsePositiveRate >= 1 {
		return configErr(fmt.Errorf("cold.bloom_false_positive_rate must be between 0 and 1"))
	}
	if c.Compaction.Interval <= 0 {
		return configErr(fmt.Errorf("compaction.interval must be greater than 0"))
	}
	if c.Compaction.MaxRetries < 0 {
		return configErr(fmt.Errorf("compaction.max_retries must not be negative"))
	}
	if c.Compaction.RetryInitialInterval <= 0 || c.Compaction.RetryMaxInterval < c.Compaction.RetryInitialInterval {
		return configErr(fmt.Errorf("compaction retry intervals must be positive and max >= initial"))
	}
	if c.Entries.MaxBytes <= 0 {
		return configErr(fmt.Errorf("entries.max_bytes must be greater than 0"))
	}
	if c.Entries.TokenEncoding == "" {
		return configErr(fmt.Errorf("entries.token_encoding must be set"))
	}
	switch c.Recall.Policy {
	case RecallPolicyRecency, RecallPolicyPriority:
	default:
		return configErr(fmt.Errorf("recall.policy must be one of [%q, %q], got %q",
			RecallPolicyRecency, RecallPolicyPriority, c.Recall.Policy))
	}
	if c.Monitoring.Enabled && c.Monitoring.Listen == "" {
		return configErr(fmt.Errorf("monitoring.listen must be set when monitoring is enabled"))
	}

	return nil
}

// LoadConfig from config locations. The load order for configuration values is the following
// 1. Defaults
// 2. Config file
// 3. Environment variables
// 4. Command line flags
// A value set in a later location overrides earlier ones.
func LoadConfig(flags *Flags, logger logrus.FieldLogger) (Config, error) {
	config := Default()
	if flags == nil {
		flags = &Flags{}
	}

	configFileName := flags.ConfigFile
	if configFileName == "" {
		configFileName = DefaultConfigFile
	}

	file, err := os.ReadFile(configFileName)
	if err != nil && (flags.ConfigFile != "" || !os.IsNotExist(err)) {
		return config, configErr(fmt.Errorf("read config file %q: %w", configFileName, err))
	}

	if len(file) > 0 {
		logger.WithField("action", "config_load").
			WithField("config_file_path", configFileName).
			Debug("loading config file")
		if err := parseConfigFile(file, configFileName, &config); err != nil {
			return config, configErr(err)
		}
	}

	if err := FromEnv(&config); err != nil {
		return config, configErr(err)
	}

	fromFlags(&config, flags)

	return config, config.Validate()
}

// parseConfigFile decodes file on top of config, so that keys absent from
// the file keep their defaults.
func parseConfigFile(file []byte, name string, config *Config) error {
	switch ext := strings.TrimPrefix(filepath.Ext(name), "."); ext {
	case "yaml", "yml":
		if err := yaml.Unmarshal(file, config); err != nil {
			return fmt.Errorf("error unmarshalling the yaml config file: %w", err)
		}
	case "":
		return fmt.Errorf("config file does not have a file ending, got '%s'", name)
	default:
		return fmt.Errorf("unsupported config file extension '%s', use .yaml", ext)
	}

	return nil
}

// fromFlags parses values from flags given as parameter and overrides values in the config
func fromFlags(config *Config, flags *Flags) {
	if flags.DataPath != "" {
		config.DataPath = flags.DataPath
	}
}

func configErr(err error) error {
	return fmt.Errorf("invalid config: %w", err)
}
