//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Command ted-context inspects and maintains the tiered context store of
// the Ted assistant. Every command prints JSON objects, one per line, for
// the desktop shell.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/tedcli/ted-context/usecases/config"
	"github.com/tedcli/ted-context/usecases/contextstore"
	"github.com/tedcli/ted-context/usecases/monitoring"
)

// Options represents the command line options shared by all commands
type Options struct {
	ConfigFile string `long:"config-file" description:"path to config file (default: ./ted-context.yaml)"`
	DataPath   string `long:"data-path" description:"directory holding wal, warm and cold data"`
	LogLevel   string `long:"log-level" description:"logrus level" default:"warning"`
	LogFormat  string `long:"log-format" description:"log output format" choice:"text" choice:"json" default:"text"`
}

var (
	opts   Options
	stdout io.Writer = os.Stdout
)

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.AddCommand("record", "Record one turn",
		"Appends content (argument or stdin) to a session and prints the stored entry.", &recordCommand{})
	parser.AddCommand("recall", "Recall session context under a token budget", "", &recallCommand{})
	parser.AddCommand("stats", "Print tier statistics", "Without --session all sessions are aggregated.", &statsCommand{})
	parser.AddCommand("sessions", "List sessions", "", &sessionsCommand{})
	parser.AddCommand("prune", "Permanently delete session entries", "Critical entries are never pruned.", &pruneCommand{})
	parser.AddCommand("compact", "Run one compaction sweep", "", &compactCommand{})
	parser.AddCommand("replay", "Print the raw write-ahead log records", "", &replayCommand{})
	parser.AddCommand("metrics", "Serve prometheus metrics with background compaction",
		"Keeps the store open and compacting until interrupted.", &metricsCommand{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if opts.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(opts.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("action", "startup").WithField("log_level", opts.LogLevel).
			Warn("unknown log level, using warning")
		logger.SetLevel(logrus.WarnLevel)
	}
	return logger
}

// app is one opened context store plus what the commands need around it.
type app struct {
	logger   *logrus.Logger
	cfg      config.Config
	manager  *contextstore.Manager
	registry *prometheus.Registry
	metrics  *monitoring.PrometheusMetrics
}

// open loads the configuration and opens the store. One-shot commands leave
// compaction to an explicit sweep.
func open(ctx context.Context, background bool) (*app, error) {
	logger := newLogger()
	cfg, err := config.LoadConfig(&config.Flags{
		ConfigFile: opts.ConfigFile,
		DataPath:   opts.DataPath,
	}, logger)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, cfg: cfg}
	var storeOpts []contextstore.Option
	if cfg.Monitoring.Enabled || background {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = monitoring.NewPrometheusMetrics(a.registry)
		storeOpts = append(storeOpts, contextstore.WithMetrics(a.metrics))
	}
	if !background {
		storeOpts = append(storeOpts, contextstore.WithoutAutoCompaction())
	}

	a.manager, err = contextstore.New(ctx, cfg, logger, storeOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close warns about degraded health before shutting the store down.
func (a *app) close() error {
	if h := a.manager.Health(); h.Degraded {
		a.logger.WithField("action", "health_degraded").
			WithField("reasons", h.Reasons).
			Warn("context store health is degraded, history may be incomplete")
	}
	return a.manager.Shutdown(context.Background())
}

func run(background bool, fn func(ctx context.Context, a *app) error) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := open(ctx, background)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func emit(v any) error {
	return json.NewEncoder(stdout).Encode(v)
}
