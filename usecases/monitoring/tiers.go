//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package monitoring

import "time"

// AddEntry registers a freshly recorded entry with its tier.
func (pm *PrometheusMetrics) AddEntry(tier string, tokens int) {
	if pm == nil {
		return
	}

	pm.EntriesByTier.WithLabelValues(tier).Inc()
	pm.TokensByTier.WithLabelValues(tier).Add(float64(tokens))
}

// MoveEntry moves an entry from one tier gauge to another after a
// confirmed migration.
func (pm *PrometheusMetrics) MoveEntry(from, to string, tokens int) {
	if pm == nil {
		return
	}

	pm.EntriesByTier.WithLabelValues(from).Dec()
	pm.TokensByTier.WithLabelValues(from).Sub(float64(tokens))
	pm.EntriesByTier.WithLabelValues(to).Inc()
	pm.TokensByTier.WithLabelValues(to).Add(float64(tokens))
	pm.Migrations.WithLabelValues(from, to, "ok").Inc()
}

func (pm *PrometheusMetrics) RemoveEntry(tier string, tokens int) {
	if pm == nil {
		return
	}

	pm.EntriesByTier.WithLabelValues(tier).Dec()
	pm.TokensByTier.WithLabelValues(tier).Sub(float64(tokens))
	pm.PrunedEntries.Inc()
}

func (pm *PrometheusMetrics) MigrationFailed(from, to string) {
	if pm == nil {
		return
	}

	pm.Migrations.WithLabelValues(from, to, "failed").Inc()
}

func (pm *PrometheusMetrics) MigrationRetried() {
	if pm == nil {
		return
	}

	pm.MigrationRetries.Inc()
}

func (pm *PrometheusMetrics) TrackRecord(start time.Time) {
	if pm == nil {
		return
	}

	pm.RecordDurations.Observe(time.Since(start).Seconds())
}

func (pm *PrometheusMetrics) TrackRecall(start time.Time, partial bool) {
	if pm == nil {
		return
	}

	pm.RecallDurations.Observe(time.Since(start).Seconds())
	if partial {
		pm.RecallPartial.Inc()
	}
}

func (pm *PrometheusMetrics) TrackFsync(start time.Time) {
	if pm == nil {
		return
	}

	pm.WALFsyncDurations.Observe(time.Since(start).Seconds())
}

func (pm *PrometheusMetrics) WALWritten(n int) {
	if pm == nil {
		return
	}

	pm.WALBytesWritten.Add(float64(n))
}

func (pm *PrometheusMetrics) SetWALSegments(n int) {
	if pm == nil {
		return
	}

	pm.WALSegments.Set(float64(n))
}

func (pm *PrometheusMetrics) WALTruncated(segments int) {
	if pm == nil {
		return
	}

	pm.WALTruncations.Add(float64(segments))
}

func (pm *PrometheusMetrics) WALRelocated(n int) {
	if pm == nil {
		return
	}

	pm.WALRelocations.Add(float64(n))
}

func (pm *PrometheusMetrics) Inconsistency() {
	if pm == nil {
		return
	}

	pm.Inconsistencies.Inc()
}

func (pm *PrometheusMetrics) SetColdArchives(n int) {
	if pm == nil {
		return
	}

	pm.ColdArchives.Set(float64(n))
}

func (pm *PrometheusMetrics) FeedDropped() {
	if pm == nil {
		return
	}

	pm.SubscriberDrops.Inc()
}

func (pm *PrometheusMetrics) Sweep(trigger string) {
	if pm == nil {
		return
	}

	pm.CompactionSweeps.WithLabelValues(trigger).Inc()
}
