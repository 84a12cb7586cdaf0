//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package contextstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tedcli/ted-context/entities/entry"
)

// MigrationState is the lifecycle position of one entry on its way down the
// tiers.
type MigrationState uint8

const (
	MigrationPending MigrationState = iota
	MigrationInFlightHotToWarm
	MigrationConfirmedWarm
	MigrationInFlightWarmToCold
	MigrationConfirmedCold
	MigrationReclaimed
)

func (s MigrationState) String() string {
	switch s {
	case MigrationPending:
		return "pending"
	case MigrationInFlightHotToWarm:
		return "in-flight-hot-to-warm"
	case MigrationConfirmedWarm:
		return "confirmed-warm"
	case MigrationInFlightWarmToCold:
		return "in-flight-warm-to-cold"
	case MigrationConfirmedCold:
		return "confirmed-cold"
	case MigrationReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("migration-state(%d)", uint8(s))
	}
}

func (s MigrationState) InFlight() bool {
	return s == MigrationInFlightHotToWarm || s == MigrationInFlightWarmToCold
}

// restState is the state of an entry resting in tier.
func restState(t entry.Tier) MigrationState {
	switch t {
	case entry.TierWarm:
		return MigrationConfirmedWarm
	case entry.TierCold:
		return MigrationConfirmedCold
	default:
		return MigrationPending
	}
}

// MigrationError reports a migration that kept failing after all retries.
// The entry stays in its source tier.
type MigrationError struct {
	EntryID  uint64
	From, To entry.Tier
	Attempts int
	Err      error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate entry %d from %s to %s after %d attempts: %v",
		e.EntryID, e.From, e.To, e.Attempts, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// HealthReport is emitted by the compactor after every sweep.
type HealthReport struct {
	Trigger           string           `json:"trigger"`
	StartedAt         time.Time        `json:"started_at"`
	Duration          time.Duration    `json:"duration"`
	MovedToWarm       int              `json:"moved_to_warm"`
	MovedToCold       int              `json:"moved_to_cold"`
	Relocated         int              `json:"relocated"`
	TruncatedSegments int              `json:"truncated_segments"`
	HotOverCap        bool             `json:"hot_over_cap"`
	Failures          []MigrationError `json:"-"`
	// Succeeded lists entries whose earlier failures are now resolved.
	Succeeded []uint64 `json:"-"`
	Err       error    `json:"-"`
}

// Health is the status surfaced to stats consumers. Degraded means the
// stored history may be incomplete or stuck.
type Health struct {
	Degraded         bool      `json:"degraded"`
	Reasons          []string  `json:"reasons,omitempty"`
	Inconsistencies  int       `json:"inconsistencies"`
	FailedMigrations int       `json:"failed_migrations"`
	StuckInFlight    int       `json:"stuck_in_flight"`
	LastSweep        time.Time `json:"last_sweep"`
}

const maxReportedFailures = 8

type healthState struct {
	sync.Mutex
	inconsistencies map[uint64]string
	failures        map[uint64]*MigrationError
	lastSweep       time.Time
	lastErr         error
}

func newHealthState() *healthState {
	return &healthState{
		inconsistencies: map[uint64]string{},
		failures:        map[uint64]*MigrationError{},
	}
}

func (h *healthState) inconsistency(id uint64, reason string) {
	h.Lock()
	defer h.Unlock()
	h.inconsistencies[id] = reason
}

// forget drops everything known about id, e.g. once it was pruned.
func (h *healthState) forget(id uint64) {
	h.Lock()
	defer h.Unlock()
	delete(h.inconsistencies, id)
	delete(h.failures, id)
}

func (h *healthState) apply(r HealthReport) {
	h.Lock()
	defer h.Unlock()

	h.lastSweep = r.StartedAt
	h.lastErr = r.Err
	for i := range r.Failures {
		f := r.Failures[i]
		h.failures[f.EntryID] = &f
	}
	for _, id := range r.Succeeded {
		delete(h.failures, id)
	}
}

func (h *healthState) snapshot(stuck int) Health {
	h.Lock()
	defer h.Unlock()

	out := Health{
		Inconsistencies:  len(h.inconsistencies),
		FailedMigrations: len(h.failures),
		StuckInFlight:    stuck,
		LastSweep:        h.lastSweep,
	}

	if len(h.inconsistencies) > 0 {
		out.Reasons = append(out.Reasons,
			fmt.Sprintf("%d entries missing from the tier that should hold them", len(h.inconsistencies)))
	}
	if len(h.failures) > 0 {
		ids := make([]uint64, 0, len(h.failures))
		for id := range h.failures {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) > maxReportedFailures {
			ids = ids[:maxReportedFailures]
		}
		for _, id := range ids {
			out.Reasons = append(out.Reasons, h.failures[id].Error())
		}
	}
	if stuck > 0 {
		out.Reasons = append(out.Reasons, fmt.Sprintf("%d migrations in flight for too long", stuck))
	}
	if h.lastErr != nil {
		out.Reasons = append(out.Reasons, "last compaction sweep failed: "+h.lastErr.Error())
	}

	out.Degraded = len(out.Reasons) > 0
	return out
}
