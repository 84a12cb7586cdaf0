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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedcli/ted-context/adapters/repos/tiers/warm"
	"github.com/tedcli/ted-context/entities/entry"
)

func TestPruneByPriority(t *testing.T) {
	m := openManager(t, testConfig(t), newTestClock())
	ctx := context.Background()

	record(t, m, "s", 10, entry.PriorityLow)
	critical := record(t, m, "s", 20, entry.PriorityCritical)
	record(t, m, "s", 30, entry.PriorityNormal)
	high := record(t, m, "s", 40, entry.PriorityHigh)

	res, err := m.Prune(ctx, "s", PrunePolicy{MaxPriority: entry.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pruned)
	assert.Equal(t, 40, res.FreedTokens)
	assert.Equal(t, 1, res.SkippedCritical)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, map[string]int{"hot": 2}, res.ByTier)

	rec, err := m.Recall(ctx, "s", 1000)
	require.NoError(t, err)
	assert.Equal(t, []uint64{critical.ID, high.ID}, ids(rec.Entries))
}

func TestPruneNeverRemovesCritical(t *testing.T) {
	m := openManager(t, testConfig(t), newTestClock())
	record(t, m, "s", 10, entry.PriorityCritical)
	record(t, m, "s", 10, entry.PriorityCritical)

	res, err := m.Prune(context.Background(), "s", PrunePolicy{MaxPriority: entry.PriorityCritical})
	require.NoError(t, err)
	assert.Zero(t, res.Pruned)
	assert.Equal(t, 2, res.SkippedCritical)
	assert.Equal(t, 2, m.hot.Len())
}

func TestPruneKeepLastAndAge(t *testing.T) {
	clock := newTestClock()
	m := openManager(t, testConfig(t), clock)
	ctx := context.Background()

	old := record(t, m, "s", 10, entry.PriorityNormal)
	clock.Advance(2 * time.Hour)
	recent := record(t, m, "s", 10, entry.PriorityNormal)
	newest := record(t, m, "s", 10, entry.PriorityNormal)

	res, err := m.Prune(ctx, "s", PrunePolicy{OlderThan: time.Hour, KeepLast: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)
	assert.Equal(t, 2, res.Kept)

	_, ok := m.catalog.get(old.ID)
	assert.False(t, ok)
	_, ok = m.catalog.get(recent.ID)
	assert.True(t, ok)
	_, ok = m.catalog.get(newest.ID)
	assert.True(t, ok)
}

func TestPruneSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hot.MaxEntries = 2
	clock := newTestClock()
	m := openManager(t, cfg, clock)
	ctx := context.Background()

	var low []uint64
	for i := 0; i < 4; i++ {
		low = append(low, record(t, m, "s", 10, entry.PriorityLow).ID)
	}
	keep := record(t, m, "s", 10, entry.PriorityHigh)
	record(t, m, "other", 10, entry.PriorityLow)

	// spread the session over all tiers before pruning
	_, err := m.Compact(ctx)
	require.NoError(t, err)
	clock.Advance(cfg.Warm.MaxAge + time.Hour)
	_, err = m.Compact(ctx)
	require.NoError(t, err)

	res, err := m.Prune(ctx, "s", PrunePolicy{MaxPriority: entry.PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Pruned)
	crash(t, m)

	m = openManager(t, cfg, clock)
	for _, id := range low {
		_, ok := m.catalog.get(id)
		assert.False(t, ok, "pruned entry %d came back", id)
	}
	rec, err := m.Recall(ctx, "s", 1000)
	require.NoError(t, err)
	assert.Equal(t, []uint64{keep.ID}, ids(rec.Entries))

	other, err := m.Recall(ctx, "other", 1000)
	require.NoError(t, err)
	assert.Len(t, other.Entries, 1)

	next := record(t, m, "s", 1, entry.PriorityLow)
	assert.Greater(t, next.ID, keep.ID+1, "ids of pruned entries are not reused")
}

// breakWarmDir puts a file where the warm directory is, so every warm file
// operation fails. The returned func restores the directory.
func breakWarmDir(t *testing.T, m *Manager) (restore func()) {
	t.Helper()

	dir := m.warm.Dir()
	aside := dir + ".aside"
	require.NoError(t, os.Rename(dir, aside))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o600))
	return func() {
		require.NoError(t, os.Remove(dir))
		require.NoError(t, os.Rename(aside, dir))
	}
}

// pruneWarmEntryWithBrokenDir records one entry, moves it to the warm tier
// and prunes it while its file cannot be deleted.
func pruneWarmEntryWithBrokenDir(t *testing.T, m *Manager, clock *testClock, maxIdle time.Duration) (*entry.Entry, func()) {
	t.Helper()
	ctx := context.Background()

	e := record(t, m, "s", 100, entry.PriorityNormal)
	clock.Advance(maxIdle + time.Minute)
	_, err := m.Compact(ctx)
	require.NoError(t, err)
	ce, ok := m.catalog.get(e.ID)
	require.True(t, ok)
	require.Equal(t, entry.TierWarm, ce.Tier)

	restore := breakWarmDir(t, m)
	res, err := m.Prune(ctx, "s", PrunePolicy{})
	require.Error(t, err)
	assert.Equal(t, 1, res.Pruned)
	assert.Equal(t, 1, m.removals.len())
	return e, restore
}

func TestPruneLeftoverIsRemovedByLaterSweep(t *testing.T) {
	clock := newTestClock()
	cfg := testConfig(t)
	m := openManager(t, cfg, clock)
	ctx := context.Background()

	pruned, restore := pruneWarmEntryWithBrokenDir(t, m, clock, cfg.Hot.MaxIdle)

	_, err := m.Compact(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, m.removals.len(), "still pending while the tier is broken")
	assert.True(t, m.Health().Degraded)

	restore()
	_, err = m.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.removals.len())
	assert.False(t, m.Health().Degraded)

	exists, err := m.warm.Exists(warm.HandleFor(pruned.ID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPruneLeftoverKeepsTombstoneAcrossTruncation(t *testing.T) {
	clock := newTestClock()
	cfg := testConfig(t)
	cfg.WAL.MaxSegmentBytes = 256
	m := openManager(t, cfg, clock)
	ctx := context.Background()

	pruned, restore := pruneWarmEntryWithBrokenDir(t, m, clock, cfg.Hot.MaxIdle)

	// newer turns leave the tombstone in an old segment that no hot entry pins
	var kept []uint64
	for i := 0; i < 4; i++ {
		kept = append(kept, record(t, m, "s", 200, entry.PriorityNormal).ID)
	}
	_, err := m.Compact(ctx)
	require.Error(t, err)

	crash(t, m)
	restore()

	reopened := openManager(t, cfg, clock)
	_, ok := reopened.catalog.get(pruned.ID)
	assert.False(t, ok, "a pruned entry must not come back")
	exists, err := reopened.warm.Exists(warm.HandleFor(pruned.ID))
	require.NoError(t, err)
	assert.False(t, exists)

	stats, err := reopened.Stats("s")
	require.NoError(t, err)
	assert.Equal(t, len(kept), stats.EntryCount)
}

func TestFinishRemovalsForgetsColdClaims(t *testing.T) {
	clock := newTestClock()
	m := openManager(t, testConfig(t), clock)

	// a cold claim a prune could not forget
	_, err := m.cold.Archive([]*entry.Entry{{
		ID:         99,
		SessionID:  "s",
		Role:       entry.RoleUser,
		Content:    "left behind",
		Priority:   entry.PriorityNormal,
		TokenCount: 11,
		CreatedAt:  clock.Now(),
		Tier:       entry.TierCold,
	}})
	require.NoError(t, err)
	m.removals.add(99, entry.TierCold, 1)
	// already gone, nothing to do but drop it
	m.removals.add(100, entry.TierCold, 1)

	require.NoError(t, m.compactor.finishRemovals(context.Background()))
	assert.Zero(t, m.removals.len())

	claimed, err := m.cold.Contains(99)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Zero(t, m.cold.Archives())
}
