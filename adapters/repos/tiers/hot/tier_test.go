//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package hot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tedcli/ted-context/adapters/repos/tiers/wal"
	"github.com/tedcli/ted-context/entities/entry"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newEntry(id uint64, p entry.Priority, created time.Time) *entry.Entry {
	return &entry.Entry{
		ID:         id,
		SessionID:  "s",
		Role:       entry.RoleAssistant,
		Content:    "content",
		Priority:   p,
		TokenCount: 1,
		CreatedAt:  created,
	}
}

func fixedClock(now *time.Time) func() time.Time {
	return func() time.Time { return *now }
}

func TestInsertReportsCapPressure(t *testing.T) {
	tier := New(Options{MaxEntries: 2})

	assert.False(t, tier.Insert(newEntry(1, entry.PriorityNormal, t0), 1))
	assert.False(t, tier.Insert(newEntry(2, entry.PriorityNormal, t0), 2))
	assert.True(t, tier.Insert(newEntry(3, entry.PriorityNormal, t0), 3))

	// nothing is dropped
	assert.Equal(t, 3, tier.Len())
	assert.True(t, tier.OverCap())
}

func TestByteCap(t *testing.T) {
	tier := New(Options{MaxBytes: 150})
	e := newEntry(1, entry.PriorityLow, t0)

	assert.False(t, tier.Insert(e, 1))
	assert.True(t, tier.Insert(newEntry(2, entry.PriorityLow, t0), 2))

	tier.Remove(2)
	assert.Equal(t, e.Size(), tier.Bytes())
	assert.False(t, tier.OverCap())
}

func TestGetTouchesPeekDoesNot(t *testing.T) {
	now := t0
	tier := New(Options{Now: fixedClock(&now)})
	tier.Insert(newEntry(1, entry.PriorityNormal, t0), 1)

	now = t0.Add(time.Minute)
	got, ok := tier.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.AccessCount)
	assert.Equal(t, now, got.LastAccessedAt)
	assert.Equal(t, entry.TierHot, got.Tier)

	peeked, ok := tier.Peek(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), peeked.AccessCount)

	// returned values are copies
	got.Content = "changed"
	again, _ := tier.Peek(1)
	assert.Equal(t, "content", again.Content)

	_, ok = tier.Get(42)
	assert.False(t, ok)
}

func TestEvictCandidateSkipsCritical(t *testing.T) {
	now := t0.Add(time.Hour)
	tier := New(Options{MaxEntries: 2, Now: fixedClock(&now)})

	// the critical entry is the oldest and least used, it must still stay
	tier.Insert(newEntry(1, entry.PriorityCritical, t0), 1)
	tier.Insert(newEntry(2, entry.PriorityNormal, t0.Add(30*time.Minute)), 2)
	tier.Insert(newEntry(3, entry.PriorityLow, t0.Add(20*time.Minute)), 3)

	cand, ok := tier.EvictCandidate()
	require.True(t, ok)
	assert.Equal(t, uint64(3), cand.ID)
	assert.Equal(t, 3, tier.Len(), "EvictCandidate never removes")
}

func TestEvictCandidateFrequencyMatters(t *testing.T) {
	now := t0
	tier := New(Options{Now: fixedClock(&now)})
	tier.Insert(newEntry(1, entry.PriorityNormal, t0), 1)
	tier.Insert(newEntry(2, entry.PriorityNormal, t0), 2)

	for i := 0; i < 5; i++ {
		tier.Get(1)
	}

	cand, ok := tier.EvictCandidate()
	require.True(t, ok)
	assert.Equal(t, uint64(2), cand.ID)
}

func TestEvictCandidatePriorityMatters(t *testing.T) {
	now := t0
	tier := New(Options{MaxEntries: 2, Now: fixedClock(&now)})
	tier.Insert(newEntry(1, entry.PriorityNormal, t0), 1)
	tier.Insert(newEntry(2, entry.PriorityCritical, t0), 2)
	tier.Insert(newEntry(3, entry.PriorityLow, t0), 3)

	// same age and use: the lower priority goes first even though it is newer
	cand, ok := tier.EvictCandidate()
	require.True(t, ok)
	assert.Equal(t, uint64(3), cand.ID)
}

func TestEvictCandidateAllCritical(t *testing.T) {
	tier := New(Options{MaxEntries: 1})
	tier.Insert(newEntry(1, entry.PriorityCritical, t0), 1)
	tier.Insert(newEntry(2, entry.PriorityCritical, t0), 2)

	_, ok := tier.EvictCandidate()
	assert.False(t, ok)
	assert.True(t, tier.OverCap(), "all-critical tier is allowed to exceed its cap")
}

func TestCustomScore(t *testing.T) {
	// prefer evicting the newest entry
	score := func(e *entry.Entry, _ time.Time) float64 { return -float64(e.ID) }
	tier := New(Options{Score: score})
	tier.Insert(newEntry(1, entry.PriorityNormal, t0), 1)
	tier.Insert(newEntry(2, entry.PriorityNormal, t0), 2)

	cand, ok := tier.EvictCandidate()
	require.True(t, ok)
	assert.Equal(t, uint64(2), cand.ID)
}

func TestPositions(t *testing.T) {
	tier := New(Options{})
	_, ok := tier.MinPosition()
	assert.False(t, ok)

	tier.Insert(newEntry(1, entry.PriorityCritical, t0), 4)
	tier.Insert(newEntry(2, entry.PriorityNormal, t0), 7)

	pos, ok := tier.MinPosition()
	require.True(t, ok)
	assert.Equal(t, wal.Position(4), pos)

	pinned := tier.PinnedBefore(5)
	require.Len(t, pinned, 1)
	assert.Equal(t, uint64(1), pinned[0].ID)

	require.True(t, tier.SetPosition(1, 9))
	pos, _ = tier.MinPosition()
	assert.Equal(t, wal.Position(7), pos)
	assert.False(t, tier.SetPosition(99, 1))
}

func TestIdleSince(t *testing.T) {
	tier := New(Options{})
	tier.Insert(newEntry(1, entry.PriorityNormal, t0), 1)
	tier.Insert(newEntry(2, entry.PriorityCritical, t0), 2)
	tier.Insert(newEntry(3, entry.PriorityNormal, t0.Add(time.Hour)), 3)

	idle := tier.IdleSince(t0.Add(time.Minute))
	require.Len(t, idle, 1)
	assert.Equal(t, uint64(1), idle[0].ID)
}

func TestWeightedScore(t *testing.T) {
	w := DefaultWeightedScore()
	fresh := newEntry(1, entry.PriorityNormal, t0)
	stale := newEntry(2, entry.PriorityNormal, t0.Add(-time.Hour))

	assert.Greater(t, w.Score(fresh, t0), w.Score(stale, t0))

	stale.AccessCount = 100
	assert.Greater(t, w.Score(stale, t0), w.Score(fresh, t0))
}
