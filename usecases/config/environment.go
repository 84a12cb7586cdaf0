//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const envPrefix = "TED_CONTEXT_"

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. a config file) and will only extend those that
// are set
func FromEnv(config *Config) error {
	if v := os.Getenv(envPrefix + "DATA_PATH"); v != "" {
		config.DataPath = v
	}

	if err := parseInt64("WAL_MAX_SEGMENT_BYTES", func(v int64) { config.WAL.MaxSegmentBytes = v }); err != nil {
		return err
	}
	if err := parseInt("WAL_PRESSURE_SEGMENTS", func(v int) { config.WAL.PressureSegments = v }); err != nil {
		return err
	}

	if err := parseInt("HOT_MAX_ENTRIES", func(v int) { config.Hot.MaxEntries = v }); err != nil {
		return err
	}
	if err := parseInt("HOT_MAX_BYTES", func(v int) { config.Hot.MaxBytes = v }); err != nil {
		return err
	}
	if err := parseDuration("HOT_MAX_IDLE", func(v time.Duration) { config.Hot.MaxIdle = v }); err != nil {
		return err
	}
	if err := parseFloat("HOT_RECENCY_WEIGHT", func(v float64) { config.Hot.RecencyWeight = v }); err != nil {
		return err
	}
	if err := parseFloat("HOT_FREQUENCY_WEIGHT", func(v float64) { config.Hot.FrequencyWeight = v }); err != nil {
		return err
	}
	if err := parseFloat("HOT_PRIORITY_WEIGHT", func(v float64) { config.Hot.PriorityWeight = v }); err != nil {
		return err
	}
	if err := parseDuration("HOT_RECENCY_HALF_LIFE", func(v time.Duration) { config.Hot.RecencyHalfLife = v }); err != nil {
		return err
	}

	if err := parseDuration("WARM_MAX_AGE", func(v time.Duration) { config.Warm.MaxAge = v }); err != nil {
		return err
	}

	if err := parseInt("COLD_ARCHIVE_BATCH_SIZE", func(v int) { config.Cold.ArchiveBatchSize = v }); err != nil {
		return err
	}

	if err := parseDuration("COMPACTION_INTERVAL", func(v time.Duration) { config.Compaction.Interval = v }); err != nil {
		return err
	}
	if err := parseInt("MIGRATION_MAX_RETRIES", func(v int) { config.Compaction.MaxRetries = v }); err != nil {
		return err
	}

	if err := parseInt("MAX_ENTRY_BYTES", func(v int) { config.Entries.MaxBytes = v }); err != nil {
		return err
	}
	if v := os.Getenv(envPrefix + "TOKEN_ENCODING"); v != "" {
		config.Entries.TokenEncoding = v
	}

	if v := os.Getenv(envPrefix + "RECALL_POLICY"); v != "" {
		config.Recall.Policy = strings.ToLower(v)
	}

	if enabled(os.Getenv(envPrefix + "METRICS_ENABLED")) {
		config.Monitoring.Enabled = true
	}
	if v := os.Getenv(envPrefix + "METRICS_LISTEN"); v != "" {
		config.Monitoring.Listen = v
	}

	return nil
}

func parseInt(name string, cb func(int)) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	asInt, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "parse %s%s as int", envPrefix, name)
	}
	cb(asInt)
	return nil
}

func parseInt64(name string, cb func(int64)) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	asInt, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parse %s%s as int", envPrefix, name)
	}
	cb(asInt)
	return nil
}

func parseFloat(name string, cb func(float64)) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	asFloat, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return errors.Wrapf(err, "parse %s%s as float", envPrefix, name)
	}
	cb(asFloat)
	return nil
}

func parseDuration(name string, cb func(time.Duration)) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "parse %s%s as duration", envPrefix, name)
	}
	cb(d)
	return nil
}

func enabled(value string) bool {
	switch strings.ToLower(value) {
	case "on", "enabled", "1", "true":
		return true
	default:
		return false
	}
}
