//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package contextstore

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/tedcli/ted-context/adapters/repos/tiers/cold"
	"github.com/tedcli/ted-context/adapters/repos/tiers/warm"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/usecases/config"
)

var errEntryMissing = errors.New("entry missing from every tier")

// RecallResult is the answer set of a Recall. TotalTokens is the sum over
// exactly Entries.
type RecallResult struct {
	SessionID   string         `json:"session_id"`
	Entries     []*entry.Entry `json:"entries"`
	TotalTokens int            `json:"total_tokens"`
	Budget      int            `json:"budget"`
	// Partial is set when the deadline hit before every selected entry was
	// loaded.
	Partial bool `json:"partial,omitempty"`
	// Missing lists selected entries that none of the tiers could return.
	Missing []uint64 `json:"missing,omitempty"`
	// Overflow is set when a single Critical entry larger than the budget
	// was returned on its own.
	Overflow bool `json:"overflow,omitempty"`
}

// Recall assembles the session's context under a token budget. Critical
// entries are taken first, newest first, then the remaining budget is
// filled according to the configured policy. Entries that do not fit are
// skipped, smaller ones after them may still be taken. The result is in
// insertion order.
func (m *Manager) Recall(ctx context.Context, sessionID string, budget int) (*RecallResult, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if budget < 0 {
		return nil, errors.Errorf("recall: negative budget %d", budget)
	}

	metas, ok := m.catalog.sessionEntries(sessionID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSession, "recall %q", sessionID)
	}

	start := time.Now()
	plan, overflow := m.planRecall(metas, budget)

	res := &RecallResult{
		SessionID: sessionID,
		Budget:    budget,
		Overflow:  overflow,
		Entries:   make([]*entry.Entry, 0, len(plan)),
	}
	for _, ce := range plan {
		if ctx.Err() != nil {
			res.Partial = true
			break
		}

		e, err := m.load(ce.ID)
		if err != nil {
			if _, still := m.catalog.get(ce.ID); !still {
				// pruned since the plan was made
				continue
			}
			m.inconsistent(ce.ID, ce.Tier, err)
			res.Missing = append(res.Missing, ce.ID)
			continue
		}
		res.Entries = append(res.Entries, e)
		res.TotalTokens += e.TokenCount
	}

	sort.Slice(res.Entries, func(i, j int) bool { return res.Entries[i].ID < res.Entries[j].ID })
	m.catalog.touchSession(sessionID, m.now())
	m.metrics.TrackRecall(start, res.Partial)

	m.logger.WithField("action", "recall").
		WithField("session_id", sessionID).
		WithField("budget", budget).
		WithField("entries", len(res.Entries)).
		WithField("tokens", res.TotalTokens).
		WithField("partial", res.Partial).
		WithField("took", time.Since(start)).
		Debug("recalled session context")

	return res, nil
}

// planRecall picks entries by metadata only, in the order they should be
// loaded.
func (m *Manager) planRecall(metas []catalogEntry, budget int) ([]catalogEntry, bool) {
	var critical, rest []catalogEntry
	for _, ce := range metas {
		if ce.Priority == entry.PriorityCritical {
			critical = append(critical, ce)
		} else {
			rest = append(rest, ce)
		}
	}

	newestFirst := func(s []catalogEntry) {
		sort.Slice(s, func(i, j int) bool { return s[i].ID > s[j].ID })
	}
	newestFirst(critical)
	if m.cfg.Recall.Policy == config.RecallPolicyPriority {
		sort.Slice(rest, func(i, j int) bool {
			if rest[i].Priority != rest[j].Priority {
				return rest[i].Priority > rest[j].Priority
			}
			return rest[i].ID > rest[j].ID
		})
	} else {
		newestFirst(rest)
	}

	var (
		plan     []catalogEntry
		used     int
		overflow bool
	)
	for _, ce := range critical {
		if used+ce.TokenCount <= budget {
			plan = append(plan, ce)
			used += ce.TokenCount
			continue
		}
		if len(plan) == 0 {
			plan = append(plan, ce)
			used += ce.TokenCount
			overflow = true
		}
	}
	for _, ce := range rest {
		if used+ce.TokenCount <= budget {
			plan = append(plan, ce)
			used += ce.TokenCount
		}
	}
	return plan, overflow
}

// load probes Hot, then Warm, then Cold. Migrations copy before they remove,
// so an entry on its way down is always found in one of them.
func (m *Manager) load(id uint64) (*entry.Entry, error) {
	if e, ok := m.hot.Get(id); ok {
		return e, nil
	}

	e, err := m.warm.Load(warm.HandleFor(id))
	switch {
	case err == nil:
		m.touchLoaded(e)
		return e, nil
	case !errors.Is(err, warm.ErrNotFound):
		return nil, err
	}

	e, err = m.cold.Retrieve(id)
	switch {
	case err == nil:
		m.touchLoaded(e)
		return e, nil
	case errors.Is(err, cold.ErrNotFound):
		return nil, errors.Wrapf(errEntryMissing, "entry %d", id)
	default:
		return nil, err
	}
}

func (m *Manager) touchLoaded(e *entry.Entry) {
	if last, count, ok := m.catalog.touch(e.ID, m.now()); ok {
		e.LastAccessedAt = last
		e.AccessCount = count
	}
}

// inconsistent records an entry the catalog places in a tier that cannot
// return it.
func (m *Manager) inconsistent(id uint64, tier entry.Tier, err error) {
	m.health.inconsistency(id, err.Error())
	m.metrics.Inconsistency()
	m.logger.WithField("action", "contextstore_inconsistency").
		WithField("entry_id", id).
		WithField("tier", tier.String()).
		WithError(err).
		Error("entry is missing from the tier that should hold it, excluding it")
}
