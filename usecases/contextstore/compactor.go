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

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tedcli/ted-context/adapters/repos/tiers/warm"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/entities/errorcompounder"
	enterrors "github.com/tedcli/ted-context/entities/errors"
)

const (
	requestQueueSize    = 16
	warmLoadConcurrency = 8
)

type requestKind uint8

const (
	// the hot tier went over one of its caps
	requestEvict requestKind = iota + 1
	requestTick
	// the WAL holds more segments than configured
	requestPressure
	// explicit synchronous sweep, answered on the request's reply channel
	requestSweep
)

func (k requestKind) String() string {
	switch k {
	case requestEvict:
		return "evict"
	case requestTick:
		return "tick"
	case requestPressure:
		return "pressure"
	case requestSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

type request struct {
	kind  requestKind
	reply chan HealthReport
}

// compactor is the single background worker moving entries down the tiers
// and reclaiming WAL segments. It receives requests and answers with health
// reports; it never blocks the record path.
type compactor struct {
	m        *Manager
	logger   logrus.FieldLogger
	requests chan request
	reports  chan HealthReport
	// closed once run returned
	done chan struct{}
}

func newCompactor(m *Manager) *compactor {
	return &compactor{
		m:        m,
		logger:   m.logger.WithField("component", "compactor"),
		requests: make(chan request, requestQueueSize),
		reports:  make(chan HealthReport, requestQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *compactor) run(ctx context.Context) {
	defer close(c.done)

	var tick <-chan time.Time
	if !c.m.manualCompaction {
		ticker := time.NewTicker(c.m.cfg.Compaction.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.publish(ctx, c.sweep(ctx, requestTick), nil)
		case req := <-c.requests:
			c.publish(ctx, c.sweep(ctx, req.kind), req.reply)
		}
	}
}

// notify queues a sweep unless one is already waiting.
func (c *compactor) notify(kind requestKind) {
	select {
	case c.requests <- request{kind: kind}:
	default:
	}
}

func (c *compactor) sweepNow(ctx context.Context) (HealthReport, error) {
	reply := make(chan HealthReport, 1)
	select {
	case c.requests <- request{kind: requestSweep, reply: reply}:
	case <-c.done:
		return HealthReport{}, ErrClosed
	case <-ctx.Done():
		return HealthReport{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r, r.Err
	case <-c.done:
		// run may have answered right before returning
		select {
		case r := <-reply:
			return r, r.Err
		default:
			return HealthReport{}, ErrClosed
		}
	case <-ctx.Done():
		return HealthReport{}, ctx.Err()
	}
}

func (c *compactor) publish(ctx context.Context, r HealthReport, reply chan HealthReport) {
	if reply != nil {
		reply <- r
	}
	select {
	case c.reports <- r:
	case <-ctx.Done():
	}
}

func (c *compactor) sweep(ctx context.Context, kind requestKind) HealthReport {
	began := time.Now()
	r := HealthReport{Trigger: kind.String(), StartedAt: c.m.now()}
	c.m.metrics.Sweep(kind.String())

	ec := errorcompounder.New()
	c.evictOverCap(ctx, &r)
	c.evictIdle(ctx, &r)
	if err := c.ageWarm(ctx, &r); err != nil {
		ec.AddWrapf(err, "age warm entries")
	}
	if err := c.finishRemovals(ctx); err != nil {
		ec.AddWrapf(err, "finish prune removals")
	}
	if err := c.reclaim(ctx, &r, kind == requestPressure); err != nil {
		ec.AddWrapf(err, "reclaim wal")
	}
	r.Err = ec.ToError()
	r.Duration = time.Since(began)

	logger := c.logger.WithField("action", "compactor_sweep").
		WithField("trigger", r.Trigger).
		WithField("to_warm", r.MovedToWarm).
		WithField("to_cold", r.MovedToCold).
		WithField("relocated", r.Relocated).
		WithField("truncated_segments", r.TruncatedSegments).
		WithField("took", r.Duration)
	if r.Err != nil {
		logger.WithError(r.Err).Error("compaction sweep failed")
	} else {
		logger.Debug("compaction sweep done")
	}
	return r
}

func (c *compactor) evictOverCap(ctx context.Context, r *HealthReport) {
	tried := map[uint64]struct{}{}
	for c.m.hot.OverCap() {
		if ctx.Err() != nil {
			return
		}

		cand, ok := c.m.hot.EvictCandidate()
		if !ok {
			r.HotOverCap = true
			c.logger.WithField("action", "compactor_hot_over_cap").
				WithField("entries", c.m.hot.Len()).
				Warn("hot tier over cap with only critical entries resident")
			return
		}
		if _, seen := tried[cand.ID]; seen {
			// the best candidate could not be moved, try again next sweep
			r.HotOverCap = true
			return
		}
		tried[cand.ID] = struct{}{}

		c.migrateHotToWarm(ctx, cand.ID, r)
	}
}

func (c *compactor) evictIdle(ctx context.Context, r *HealthReport) {
	maxIdle := c.m.cfg.Hot.MaxIdle
	if maxIdle <= 0 {
		return
	}

	for _, e := range c.m.hot.IdleSince(c.m.now().Add(-maxIdle)) {
		if ctx.Err() != nil {
			return
		}
		c.migrateHotToWarm(ctx, e.ID, r)
	}
}

// migrateHotToWarm copies the entry to the warm tier and only then removes it
// from memory. Running it again for an entry that already left the hot tier
// does nothing.
func (c *compactor) migrateHotToWarm(ctx context.Context, id uint64, r *HealthReport) error {
	c.m.transitions.Lock(id)
	defer c.m.transitions.Unlock(id)

	e, ok := c.m.hot.Peek(id)
	if !ok || e.IsCritical() {
		return nil
	}
	ce, ok := c.m.catalog.get(id)
	if !ok || ce.Tier != entry.TierHot {
		// not admitted yet, or pruned while we waited for the lock
		return nil
	}

	c.m.catalog.setState(id, MigrationInFlightHotToWarm, c.m.now())
	attempts, err := c.retry(ctx, func() error {
		_, err := c.m.warm.Store(e)
		return err
	})
	if err != nil {
		c.m.catalog.setState(id, MigrationPending, c.m.now())
		return c.fail(r, id, entry.TierHot, entry.TierWarm, attempts, err)
	}

	c.m.catalog.moved(e, entry.TierWarm, MigrationConfirmedWarm, c.m.now())
	c.m.hot.Remove(id)
	c.m.metrics.MoveEntry(entry.TierHot.String(), entry.TierWarm.String(), e.TokenCount)

	r.MovedToWarm++
	r.Succeeded = append(r.Succeeded, id)
	c.logger.WithField("action", "compactor_migrate_hot_warm").
		WithField("entry_id", id).
		WithField("session_id", e.SessionID).
		Debug("entry moved to warm tier")
	return nil
}

func (c *compactor) ageWarm(ctx context.Context, r *HealthReport) error {
	maxAge := c.m.cfg.Warm.MaxAge
	cutoff := c.m.now().Add(-maxAge)

	bySession := map[string][]uint64{}
	for meta, err := range c.m.warm.ListOlderThan(maxAge) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithField("action", "compactor_list_warm").
				WithError(err).
				Warn("skipping unreadable warm entry")
			continue
		}

		ce, ok := c.m.catalog.get(meta.ID)
		if !ok || ce.Tier != entry.TierWarm {
			continue
		}
		if ce.LastAccessedAt.After(cutoff) {
			continue
		}
		bySession[ce.SessionID] = append(bySession[ce.SessionID], meta.ID)
	}

	sessions := make([]string, 0, len(bySession))
	for s := range bySession {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)

	size := c.m.cfg.Cold.ArchiveBatchSize
	for _, s := range sessions {
		ids := bySession[s]
		for len(ids) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := min(size, len(ids))
			c.migrateWarmToCold(ctx, ids[:n], r)
			ids = ids[n:]
		}
	}
	return nil
}

// migrateWarmToCold archives a batch of one session's warm entries. The warm
// files are removed only after the archive index committed the batch.
func (c *compactor) migrateWarmToCold(ctx context.Context, ids []uint64, r *HealthReport) {
	unlock := c.m.transitions.LockMany(ids)
	defer unlock()

	live := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if ce, ok := c.m.catalog.get(id); ok && ce.Tier == entry.TierWarm {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return
	}

	loaded := make([]*entry.Entry, len(live))
	loadErrs := make([]error, len(live))
	eg, _ := enterrors.NewErrorGroupWithContextWrapper(ctx, c.logger)
	eg.SetLimit(warmLoadConcurrency)
	for i, id := range live {
		eg.Go(func() error {
			loaded[i], loadErrs[i] = c.m.warm.Load(warm.HandleFor(id))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		c.fail(r, live[0], entry.TierWarm, entry.TierCold, 1, err)
		return
	}

	batch := make([]*entry.Entry, 0, len(live))
	for i, id := range live {
		if err := loadErrs[i]; err != nil {
			if errors.Is(err, warm.ErrNotFound) {
				c.m.inconsistent(id, entry.TierWarm, err)
			} else {
				c.fail(r, id, entry.TierWarm, entry.TierCold, 1, err)
			}
			continue
		}

		e := loaded[i]
		if ce, ok := c.m.catalog.get(id); ok {
			if ce.LastAccessedAt.After(e.LastAccessedAt) {
				e.LastAccessedAt = ce.LastAccessedAt
			}
			if ce.AccessCount > e.AccessCount {
				e.AccessCount = ce.AccessCount
			}
		}
		batch = append(batch, e)
	}
	if len(batch) == 0 {
		return
	}

	now := c.m.now()
	for _, e := range batch {
		c.m.catalog.setState(e.ID, MigrationInFlightWarmToCold, now)
	}

	attempts, err := c.retry(ctx, func() error {
		_, err := c.m.cold.Archive(batch)
		return err
	})
	if err != nil {
		now = c.m.now()
		for _, e := range batch {
			c.m.catalog.setState(e.ID, MigrationConfirmedWarm, now)
			c.fail(r, e.ID, entry.TierWarm, entry.TierCold, attempts, err)
		}
		return
	}

	now = c.m.now()
	for _, e := range batch {
		c.m.catalog.moved(e, entry.TierCold, MigrationConfirmedCold, now)
		if err := c.m.warm.Remove(warm.HandleFor(e.ID)); err != nil {
			// the archived copy wins on the next startup
			c.logger.WithField("action", "compactor_remove_warm").
				WithField("entry_id", e.ID).
				WithError(err).
				Warn("archived entry still has a warm copy")
		}
		c.m.metrics.MoveEntry(entry.TierWarm.String(), entry.TierCold.String(), e.TokenCount)
		r.MovedToCold++
		r.Succeeded = append(r.Succeeded, e.ID)
	}

	c.logger.WithField("action", "compactor_migrate_warm_cold").
		WithField("session_id", batch[0].SessionID).
		WithField("entries", len(batch)).
		Debug("entries archived to cold tier")
}

// reclaim advances the migrated marker to the oldest WAL position any hot
// entry or unfinished prune still depends on and deletes the segments before
// it.
func (c *compactor) reclaim(ctx context.Context, r *HealthReport, pressure bool) error {
	if pressure || c.m.wal.SegmentCount() > c.m.cfg.WAL.PressureSegments {
		n, err := c.relocate(ctx)
		r.Relocated = n
		if err != nil {
			return errors.Wrap(err, "relocate pinned entries")
		}
	}

	c.m.admission.Lock()
	safe, ok := c.m.hot.MinPosition()
	if !ok {
		safe = c.m.wal.NextPosition()
	}
	if pos, ok := c.m.removals.minTombstone(); ok && pos < safe {
		safe = pos
	}
	c.m.admission.Unlock()

	if err := c.m.persistNextID(); err != nil {
		return err
	}
	if err := c.m.wal.MarkMigrated(safe); err != nil {
		return errors.Wrap(err, "mark migrated")
	}

	n, err := c.m.wal.TruncateBefore(safe)
	r.TruncatedSegments = n
	if err != nil {
		return errors.Wrap(err, "truncate wal")
	}
	c.m.catalog.reclaimBefore(safe, c.m.now())
	c.m.metrics.SetWALSegments(c.m.wal.SegmentCount())
	return nil
}

// relocate rewrites hot entries whose newest record lies in an older segment
// to the end of the log, so those segments stop pinning them. The later
// record wins on replay.
func (c *compactor) relocate(ctx context.Context) (int, error) {
	boundary := c.m.wal.ActiveSegmentStart()
	n := 0
	for _, p := range c.m.hot.PinnedBefore(boundary) {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		moved, err := c.relocateOne(p.ID)
		if err != nil {
			return n, err
		}
		if moved {
			n++
		}
	}

	if n > 0 {
		c.m.metrics.WALRelocated(n)
		c.logger.WithField("action", "compactor_relocate").
			WithField("entries", n).
			WithField("segments", c.m.wal.SegmentCount()).
			Info("rewrote pinned hot entries to the end of the wal")
	}
	return n, nil
}

func (c *compactor) relocateOne(id uint64) (bool, error) {
	c.m.admission.RLock()
	defer c.m.admission.RUnlock()
	c.m.transitions.Lock(id)
	defer c.m.transitions.Unlock(id)

	e, ok := c.m.hot.Peek(id)
	if !ok {
		return false, nil
	}
	pos, err := c.m.wal.Append(e)
	if err != nil {
		return false, err
	}
	c.m.hot.SetPosition(id, pos)
	c.m.catalog.setPosition(id, pos)
	return true, nil
}

func (c *compactor) retry(ctx context.Context, op func() error) (int, error) {
	cfg := c.m.cfg.Compaction
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInitialInterval
	b.MaxInterval = cfg.RetryMaxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}, policy, func(err error, next time.Duration) {
		c.m.metrics.MigrationRetried()
		c.logger.WithField("action", "compactor_retry").
			WithField("attempt", attempts).
			WithField("next_in", next).
			WithError(err).
			Warn("migration step failed, retrying")
	})
	return attempts, err
}

func (c *compactor) fail(r *HealthReport, id uint64, from, to entry.Tier, attempts int, err error) error {
	me := &MigrationError{EntryID: id, From: from, To: to, Attempts: attempts, Err: err}
	if errors.Is(err, context.Canceled) {
		return me
	}

	r.Failures = append(r.Failures, *me)
	c.m.metrics.MigrationFailed(from.String(), to.String())
	c.logger.WithField("action", "compactor_migration_failed").
		WithField("entry_id", id).
		WithField("from", from.String()).
		WithField("to", to.String()).
		WithField("attempts", attempts).
		WithError(err).
		Error("migration failed, entry stays in its current tier")
	return me
}
