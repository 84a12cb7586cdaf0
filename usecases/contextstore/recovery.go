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
	"github.com/tedcli/ted-context/adapters/repos/tiers/wal"
	"github.com/tedcli/ted-context/entities/entry"
)

type replayedEntry struct {
	entry    *entry.Entry
	position wal.Position
}

// recover rebuilds the catalog and the hot tier from the physical stores.
// The lower tiers are authoritative for residency: content never changes,
// so a completed copy further down always wins over the WAL record. The
// WAL contributes what is still hot and the tombstones of pruned entries.
func (m *Manager) recover(ctx context.Context) error {
	start := time.Now()
	now := m.now()
	marker := m.wal.MigratedPosition()

	coldMetas, err := m.cold.Metas()
	if err != nil {
		return err
	}
	inCold := make(map[uint64]struct{}, len(coldMetas))
	for _, cm := range coldMetas {
		inCold[cm.ID] = struct{}{}
		m.catalog.add(&catalogEntry{
			ID:             cm.ID,
			SessionID:      cm.SessionID,
			Role:           cm.Role,
			Priority:       cm.Priority,
			TokenCount:     cm.TokenCount,
			CreatedAt:      cm.CreatedAt,
			Tier:           entry.TierCold,
			State:          restState(entry.TierCold),
			StateSince:     now,
			LastAccessedAt: cm.CreatedAt,
		})
	}

	for meta, err := range m.warm.Walk() {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.WithField("action", "recovery_skip_warm").
				WithError(err).
				Warn("skipping unreadable warm entry")
			continue
		}

		if _, ok := inCold[meta.ID]; ok {
			// crashed between the archive commit and the warm removal
			m.logger.WithField("action", "recovery_remove_duplicate_warm").
				WithField("entry_id", meta.ID).
				Info("removing warm copy of archived entry")
			if err := m.warm.Remove(warm.HandleFor(meta.ID)); err != nil {
				return err
			}
			continue
		}

		m.catalog.add(&catalogEntry{
			ID:             meta.ID,
			SessionID:      meta.SessionID,
			Role:           meta.Role,
			Priority:       meta.Priority,
			TokenCount:     meta.TokenCount,
			CreatedAt:      meta.CreatedAt,
			Tier:           entry.TierWarm,
			State:          restState(entry.TierWarm),
			StateSince:     now,
			LastAccessedAt: meta.LastAccessedAt,
			AccessCount:    meta.AccessCount,
		})
	}

	var (
		hotSet     = map[uint64]replayedEntry{}
		tombstoned = map[uint64]struct{}{}
		maxID      uint64
		records    int
	)
	for rec, err := range m.wal.Replay() {
		if err != nil {
			return errors.Wrap(err, "replay wal")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		records++

		switch rec.Type {
		case wal.RecordTypePut:
			id := rec.Entry.ID
			maxID = max(maxID, id)
			if _, ok := m.catalog.get(id); ok {
				continue
			}
			hotSet[id] = replayedEntry{entry: rec.Entry, position: rec.Position}
		case wal.RecordTypeTombstone:
			for _, id := range rec.IDs {
				maxID = max(maxID, id)
				delete(hotSet, id)
				tombstoned[id] = struct{}{}
			}
		}
	}

	if err := m.applyTombstones(tombstoned); err != nil {
		return err
	}

	ids := make([]uint64, 0, len(hotSet))
	for id := range hotSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	below := 0
	for _, id := range ids {
		r := hotSet[id]
		if r.position < marker {
			// everything before the marker left the hot tier, yet no lower
			// tier holds this entry
			below++
		}
		m.hot.Insert(r.entry, r.position)
		m.catalog.add(&catalogEntry{
			ID:             id,
			SessionID:      r.entry.SessionID,
			Role:           r.entry.Role,
			Priority:       r.entry.Priority,
			TokenCount:     r.entry.TokenCount,
			CreatedAt:      r.entry.CreatedAt,
			Tier:           entry.TierHot,
			State:          restState(entry.TierHot),
			StateSince:     now,
			Position:       r.position,
			LastAccessedAt: r.entry.LastAccessedAt,
			AccessCount:    r.entry.AccessCount,
		})
	}
	if below > 0 {
		m.logger.WithField("action", "recovery_restore_below_marker").
			WithField("entries", below).
			WithField("marker", marker).
			Warn("restored entries to the hot tier from records older than the migrated marker")
	}

	persisted, err := m.loadNextID()
	if err != nil {
		return err
	}
	next := max(persisted, maxID+1, m.catalog.maxID()+1, 1)
	m.nextID.Store(next)
	m.idMark = persisted

	m.catalog.forEach(func(ce *catalogEntry) {
		m.metrics.AddEntry(ce.Tier.String(), ce.TokenCount)
	})
	m.metrics.SetWALSegments(m.wal.SegmentCount())

	m.logger.WithField("action", "contextstore_recovered").
		WithField("wal_records", records).
		WithField("hot", len(hotSet)).
		WithField("entries", m.catalogCount()).
		WithField("tombstones", len(tombstoned)).
		WithField("next_id", next).
		WithField("took", time.Since(start)).
		Info("context store recovered")
	return nil
}

// applyTombstones finishes prunes that crashed before every copy was gone.
func (m *Manager) applyTombstones(ids map[uint64]struct{}) error {
	var coldIDs []uint64
	for id := range ids {
		ce, ok := m.catalog.remove(id)
		if !ok {
			continue
		}
		switch ce.Tier {
		case entry.TierWarm:
			if err := m.warm.Remove(warm.HandleFor(id)); err != nil {
				return err
			}
		case entry.TierCold:
			coldIDs = append(coldIDs, id)
		}
		m.logger.WithField("action", "recovery_apply_tombstone").
			WithField("entry_id", id).
			WithField("tier", ce.Tier.String()).
			Debug("removing pruned entry left behind")
	}

	if len(coldIDs) == 0 {
		return nil
	}
	sort.Slice(coldIDs, func(i, j int) bool { return coldIDs[i] < coldIDs[j] })
	_, err := m.cold.Forget(coldIDs)
	return err
}

func (m *Manager) catalogCount() int {
	n := 0
	m.catalog.forEach(func(*catalogEntry) { n++ })
	return n
}
