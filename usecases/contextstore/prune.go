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

	"github.com/tedcli/ted-context/adapters/repos/tiers/warm"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/entities/errorcompounder"
)

// PrunePolicy selects entries of one session for permanent deletion. An
// entry is pruned only if it matches every set criterion. Critical entries
// are never pruned.
type PrunePolicy struct {
	// OlderThan limits pruning to entries created before now-OlderThan.
	// Zero matches any age.
	OlderThan time.Duration
	// MaxPriority is the highest priority that may be pruned. Zero means
	// High.
	MaxPriority entry.Priority
	// KeepLast always keeps the newest KeepLast entries of the session.
	KeepLast int
}

type PruneResult struct {
	Pruned          int            `json:"pruned"`
	FreedTokens     int            `json:"freed_tokens"`
	Kept            int            `json:"kept"`
	SkippedCritical int            `json:"skipped_critical"`
	ByTier          map[string]int `json:"by_tier"`
}

// Prune deletes the entries of sessionID selected by policy. The deletion
// intent is made durable in the WAL before any tier is touched, so a crash
// halfway through never brings a pruned entry back.
func (m *Manager) Prune(ctx context.Context, sessionID string, policy PrunePolicy) (PruneResult, error) {
	res := PruneResult{ByTier: map[string]int{}}
	if m.closed.Load() {
		return res, ErrClosed
	}
	if policy.KeepLast < 0 || policy.OlderThan < 0 {
		return res, errors.New("prune: negative policy value")
	}
	maxPrio := policy.MaxPriority
	if maxPrio == 0 || maxPrio >= entry.PriorityCritical {
		maxPrio = entry.PriorityHigh
	}
	if !maxPrio.Valid() {
		return res, errors.Errorf("prune: invalid priority %d", policy.MaxPriority)
	}

	// tombstones are WAL appends
	m.admission.RLock()
	defer m.admission.RUnlock()

	metas, ok := m.catalog.sessionEntries(sessionID)
	if !ok {
		return res, errors.Wrapf(ErrUnknownSession, "prune %q", sessionID)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	now := m.now()
	keepFrom := len(metas) - policy.KeepLast
	var candidates []uint64
	for i, ce := range metas {
		switch {
		case ce.Priority == entry.PriorityCritical:
			res.SkippedCritical++
			res.Kept++
		case i >= keepFrom:
			res.Kept++
		case ce.Priority > maxPrio:
			res.Kept++
		case policy.OlderThan > 0 && now.Sub(ce.CreatedAt) < policy.OlderThan:
			res.Kept++
		default:
			candidates = append(candidates, ce.ID)
		}
	}
	if len(candidates) == 0 {
		return res, nil
	}

	unlock := m.transitions.LockMany(candidates)
	defer unlock()

	// drop what a concurrent prune already removed
	live := candidates[:0]
	for _, id := range candidates {
		if _, ok := m.catalog.get(id); ok {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return res, nil
	}

	tombstone, err := m.wal.AppendTombstones(live)
	if err != nil {
		return res, errors.Wrap(err, "prune: write tombstones")
	}

	ec := errorcompounder.New()
	var coldIDs []uint64
	for _, id := range live {
		ce, ok := m.catalog.remove(id)
		if !ok {
			continue
		}

		switch ce.Tier {
		case entry.TierHot:
			m.hot.Remove(id)
		case entry.TierWarm:
			if err := m.warm.Remove(warm.HandleFor(id)); err != nil {
				ec.AddWrapf(err, "remove warm entry %d", id)
				m.removals.add(id, entry.TierWarm, tombstone)
			}
		case entry.TierCold:
			coldIDs = append(coldIDs, id)
		}

		m.metrics.RemoveEntry(ce.Tier.String(), ce.TokenCount)
		m.health.forget(id)
		res.Pruned++
		res.FreedTokens += ce.TokenCount
		res.ByTier[ce.Tier.String()]++
	}

	if len(coldIDs) > 0 {
		sort.Slice(coldIDs, func(i, j int) bool { return coldIDs[i] < coldIDs[j] })
		if _, err := m.cold.Forget(coldIDs); err != nil {
			ec.AddWrapf(err, "forget cold entries")
			for _, id := range coldIDs {
				m.removals.add(id, entry.TierCold, tombstone)
			}
		}
	}

	logger := m.logger.WithField("action", "prune").
		WithField("session_id", sessionID).
		WithField("pruned", res.Pruned).
		WithField("freed_tokens", res.FreedTokens).
		WithField("skipped_critical", res.SkippedCritical)
	err = ec.ToError()
	if err != nil {
		// retried by the compactor, which keeps the tombstone until then
		logger.WithError(err).Warn("pruned entries left files behind")
	} else {
		logger.Info("pruned session entries")
	}
	return res, err
}
