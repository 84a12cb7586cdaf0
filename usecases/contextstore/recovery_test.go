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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedcli/ted-context/adapters/repos/tiers/warm"
	"github.com/tedcli/ted-context/entities/entry"
)

func TestRecoveryKeepsTierDistribution(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hot.MaxEntries = 2
	clock := newTestClock()
	m := openManager(t, cfg, clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		record(t, m, "s", 10, entry.PriorityNormal)
	}
	_, err := m.Compact(ctx)
	require.NoError(t, err)
	clock.Advance(cfg.Warm.MaxAge + time.Hour)
	_, err = m.Compact(ctx)
	require.NoError(t, err)
	record(t, m, "s", 10, entry.PriorityNormal)

	before, err := m.Stats("s")
	require.NoError(t, err)
	crash(t, m)

	m = openManager(t, cfg, clock)
	after, err := m.Stats("s")
	require.NoError(t, err)
	assert.Equal(t, before.Tiers, after.Tiers)
	assert.Equal(t, before.TotalTokens, after.TotalTokens)
}

func TestRecoveryPrefersCompletedWarmCopy(t *testing.T) {
	cfg := testConfig(t)
	clock := newTestClock()
	m := openManager(t, cfg, clock)

	e := record(t, m, "s", 10, entry.PriorityNormal)
	// crash after the warm copy was written but before the hot removal
	stored, ok := m.hot.Peek(e.ID)
	require.True(t, ok)
	_, err := m.warm.Store(stored)
	require.NoError(t, err)
	crash(t, m)

	m = openManager(t, cfg, clock)
	assert.False(t, m.hot.Contains(e.ID))
	ce, ok := m.catalog.get(e.ID)
	require.True(t, ok)
	assert.Equal(t, entry.TierWarm, ce.Tier)

	res, err := m.Recall(context.Background(), "s", 100)
	require.NoError(t, err)
	assert.Equal(t, []uint64{e.ID}, ids(res.Entries))
	assert.Equal(t, 10, res.TotalTokens)
}

func TestRecoveryRemovesWarmCopyOfArchivedEntry(t *testing.T) {
	cfg := testConfig(t)
	clock := newTestClock()
	m := openManager(t, cfg, clock)
	ctx := context.Background()

	e := record(t, m, "s", 10, entry.PriorityNormal)
	var r HealthReport
	require.NoError(t, m.compactor.migrateHotToWarm(ctx, e.ID, &r))

	// crash after the archive commit but before the warm removal
	loaded, err := m.warm.Load(warm.HandleFor(e.ID))
	require.NoError(t, err)
	_, err = m.cold.Archive([]*entry.Entry{loaded})
	require.NoError(t, err)
	crash(t, m)

	m = openManager(t, cfg, clock)
	exists, err := m.warm.Exists(warm.HandleFor(e.ID))
	require.NoError(t, err)
	assert.False(t, exists)

	res, err := m.Recall(ctx, "s", 100)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, entry.TierCold, res.Entries[0].Tier)
	assert.Equal(t, e.Content, res.Entries[0].Content)
}
