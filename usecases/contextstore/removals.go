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
	"sync"

	"github.com/tedcli/ted-context/adapters/repos/tiers/warm"
	"github.com/tedcli/ted-context/adapters/repos/tiers/wal"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/entities/errorcompounder"
)

// pendingRemoval is a pruned entry whose warm file or cold claim could not be
// deleted. Its tombstone must stay in the WAL until the copy is gone.
type pendingRemoval struct {
	tier      entry.Tier
	tombstone wal.Position
}

type removals struct {
	sync.Mutex
	byID map[uint64]pendingRemoval
}

func newRemovals() *removals {
	return &removals{byID: map[uint64]pendingRemoval{}}
}

func (r *removals) add(id uint64, tier entry.Tier, tombstone wal.Position) {
	r.Lock()
	defer r.Unlock()
	r.byID[id] = pendingRemoval{tier: tier, tombstone: tombstone}
}

func (r *removals) done(id uint64) {
	r.Lock()
	defer r.Unlock()
	delete(r.byID, id)
}

func (r *removals) len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.byID)
}

func (r *removals) snapshot() map[uint64]pendingRemoval {
	r.Lock()
	defer r.Unlock()

	out := make(map[uint64]pendingRemoval, len(r.byID))
	for id, p := range r.byID {
		out[id] = p
	}
	return out
}

// minTombstone is the oldest WAL position a pending removal depends on.
func (r *removals) minTombstone() (pos wal.Position, ok bool) {
	r.Lock()
	defer r.Unlock()

	for _, p := range r.byID {
		if !ok || p.tombstone < pos {
			pos, ok = p.tombstone, true
		}
	}
	return pos, ok
}

// finishRemovals deletes what an earlier prune left behind in the lower
// tiers.
func (c *compactor) finishRemovals(ctx context.Context) error {
	pending := c.m.removals.snapshot()
	if len(pending) == 0 {
		return nil
	}

	ec := errorcompounder.New()
	var coldIDs []uint64
	for id, p := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch p.tier {
		case entry.TierWarm:
			h := warm.HandleFor(id)
			exists, err := c.m.warm.Exists(h)
			if err == nil && exists {
				err = c.m.warm.Remove(h)
			}
			if err != nil {
				ec.AddWrapf(err, "remove pruned warm entry %d", id)
				continue
			}
			c.m.removals.done(id)
		case entry.TierCold:
			claimed, err := c.m.cold.Contains(id)
			if err != nil {
				ec.AddWrapf(err, "look up pruned cold entry %d", id)
				continue
			}
			if !claimed {
				c.m.removals.done(id)
				continue
			}
			coldIDs = append(coldIDs, id)
		default:
			c.m.removals.done(id)
		}
	}

	if len(coldIDs) > 0 {
		sort.Slice(coldIDs, func(i, j int) bool { return coldIDs[i] < coldIDs[j] })
		if _, err := c.m.cold.Forget(coldIDs); err != nil {
			ec.AddWrapf(err, "forget pruned cold entries")
		} else {
			for _, id := range coldIDs {
				c.m.removals.done(id)
			}
		}
	}

	left := c.m.removals.len()
	logger := c.logger.WithField("action", "compactor_finish_removals").
		WithField("retried", len(pending)).
		WithField("pending", left)
	err := ec.ToError()
	if err != nil {
		logger.WithError(err).Warn("pruned entries still have copies on disk")
	} else {
		logger.Info("removed copies of pruned entries")
	}
	return err
}
