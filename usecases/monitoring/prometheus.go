//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ted_context"

// PrometheusMetrics is shared by all components of one context store. A nil
// *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	RecordDurations    prometheus.Histogram
	WALFsyncDurations  prometheus.Histogram
	WALBytesWritten    prometheus.Counter
	WALSegments        prometheus.Gauge
	WALTruncations     prometheus.Counter
	WALRelocations     prometheus.Counter
	EntriesByTier      *prometheus.GaugeVec
	TokensByTier       *prometheus.GaugeVec
	Migrations         *prometheus.CounterVec
	MigrationRetries   prometheus.Counter
	RecallDurations    prometheus.Histogram
	RecallPartial      prometheus.Counter
	Inconsistencies    prometheus.Counter
	ColdArchives       prometheus.Gauge
	SubscriberDrops    prometheus.Counter
	CompactionSweeps   *prometheus.CounterVec
	PrunedEntries      prometheus.Counter
	OpenHTTPConnection prometheus.Gauge
}

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		return nil
	}

	f := promauto.With(reg)
	return &PrometheusMetrics{
		Registerer: reg,
		RecordDurations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_duration_seconds",
			Help:      "Duration of record calls including the WAL fsync",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		WALFsyncDurations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wal_fsync_duration_seconds",
			Help:      "Duration of WAL fsync calls",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		WALBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_bytes_written_total",
			Help:      "Bytes appended to the write-ahead log",
		}),
		WALSegments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wal_segments",
			Help:      "Number of WAL segment files on disk",
		}),
		WALTruncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_segments_truncated_total",
			Help:      "WAL segments deleted after their entries were migrated",
		}),
		WALRelocations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_relocations_total",
			Help:      "Hot entries re-appended to release old WAL segments",
		}),
		EntriesByTier: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Number of entries resident per tier",
		}, []string{"tier"}),
		TokensByTier: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tokens",
			Help:      "Sum of token counts resident per tier",
		}, []string{"tier"}),
		Migrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Entry migrations between tiers",
		}, []string{"from", "to", "status"}),
		MigrationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_retries_total",
			Help:      "Retried migration attempts after transient I/O errors",
		}),
		RecallDurations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_duration_seconds",
			Help:      "Duration of recall calls",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		RecallPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_partial_total",
			Help:      "Recalls that hit their deadline and returned a partial result",
		}),
		Inconsistencies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_inconsistencies_total",
			Help:      "Entries whose catalogued tier did not hold them",
		}),
		ColdArchives: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cold_archives",
			Help:      "Number of live cold archives",
		}),
		SubscriberDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_dropped_total",
			Help:      "Entry notifications dropped because a subscriber was slow",
		}),
		CompactionSweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_sweeps_total",
			Help:      "Compactor sweeps by trigger",
		}, []string{"trigger"}),
		PrunedEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_entries_total",
			Help:      "Entries permanently destroyed by prune",
		}),
		OpenHTTPConnection: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metrics_http_connections",
			Help:      "Open connections to the metrics endpoint",
		}),
	}
}
