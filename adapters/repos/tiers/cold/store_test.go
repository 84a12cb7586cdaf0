//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package cold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/usecases/monitoring"
)

func openStore(t *testing.T, dir string, metrics *monitoring.PrometheusMetrics) (*Store, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s, err := Open(dir, Options{Logger: logger, Metrics: metrics})
	require.Nil(t, err)
	t.Cleanup(func() { s.Close() })
	return s, hook
}

func makeEntries(session string, ids ...uint64) []*entry.Entry {
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	out := make([]*entry.Entry, len(ids))
	for i, id := range ids {
		out[i] = &entry.Entry{
			ID:             id,
			SessionID:      session,
			Role:           entry.RoleToolResult,
			Content:        fmt.Sprintf("entry %d: %s", id, strings.Repeat("go test ./... ", int(id))),
			Priority:       entry.PriorityNormal,
			TokenCount:     int(id) * 10,
			CreatedAt:      t0.Add(time.Duration(id) * time.Minute),
			LastAccessedAt: t0.Add(time.Duration(id) * time.Minute),
			AccessCount:    id,
			Tier:           entry.TierWarm,
		}
	}
	return out
}

func TestArchiveRoundTrip(t *testing.T) {
	s, _ := openStore(t, t.TempDir(), nil)

	batch := makeEntries("s1", 1, 2, 3, 4, 5)
	_, err := s.Archive(batch)
	require.Nil(t, err)

	for _, want := range batch {
		got, err := s.Retrieve(want.ID)
		require.Nil(t, err)
		assert.Equal(t, want.Content, got.Content)
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Equal(t, want.Role, got.Role)
		assert.Equal(t, want.Priority, got.Priority)
		assert.Equal(t, want.TokenCount, got.TokenCount)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, entry.TierCold, got.Tier)
	}
}

func TestRetrieveUnknown(t *testing.T) {
	s, _ := openStore(t, t.TempDir(), nil)

	_, err := s.Retrieve(42)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Archive(makeEntries("s1", 1))
	require.Nil(t, err)
	_, err = s.Retrieve(42)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Contains(1)
	require.Nil(t, err)
	assert.True(t, ok)
	ok, err = s.Contains(42)
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestEmptyBatchRejected(t *testing.T) {
	s, _ := openStore(t, t.TempDir(), nil)
	_, err := s.Archive(nil)
	assert.NotNil(t, err)
}

func TestReopenKeepsIndex(t *testing.T) {
	dir := t.TempDir()
	s, _ := openStore(t, dir, nil)
	h1, err := s.Archive(makeEntries("s1", 1, 2))
	require.Nil(t, err)
	require.Nil(t, s.Close())

	s2, _ := openStore(t, dir, nil)
	got, err := s2.Retrieve(2)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), got.ID)

	h2, err := s2.Archive(makeEntries("s1", 3))
	require.Nil(t, err)
	assert.Greater(t, h2, h1)

	metas, err := s2.Metas()
	require.Nil(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, uint64(1), metas[0].ID)
	assert.Equal(t, "s1", metas[0].SessionID)
	assert.Equal(t, h1, metas[0].Archive)
	assert.Equal(t, h2, metas[2].Archive)
}

func TestForgetDeletesOnlyEmptyArchives(t *testing.T) {
	s, _ := openStore(t, t.TempDir(), nil)

	h, err := s.Archive(makeEntries("s1", 1, 2, 3))
	require.Nil(t, err)
	path := s.archivePath(h)

	deleted, err := s.Forget([]uint64{1, 2})
	require.Nil(t, err)
	assert.Empty(t, deleted)
	_, err = os.Stat(path)
	require.Nil(t, err, "archive still holds entry 3")

	got, err := s.Retrieve(3)
	require.Nil(t, err)
	assert.Equal(t, uint64(3), got.ID)
	_, err = s.Retrieve(1)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = s.Forget([]uint64{3, 99})
	require.Nil(t, err)
	assert.Equal(t, []ArchiveHandle{h}, deleted)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, s.Archives())
}

func TestRearchiveMovesClaim(t *testing.T) {
	s, _ := openStore(t, t.TempDir(), nil)

	h1, err := s.Archive(makeEntries("s1", 1))
	require.Nil(t, err)
	h2, err := s.Archive(makeEntries("s1", 1, 2))
	require.Nil(t, err)

	// the first archive lost its only claim and is gone
	_, err = os.Stat(s.archivePath(h1))
	assert.True(t, os.IsNotExist(err))

	metas, err := s.Metas()
	require.Nil(t, err)
	require.Len(t, metas, 2)
	for _, m := range metas {
		assert.Equal(t, h2, m.Archive)
	}
	assert.Equal(t, 1, s.Archives())
}

func TestOrphanArchiveRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()
	s, _ := openStore(t, dir, nil)
	_, err := s.Archive(makeEntries("s1", 1))
	require.Nil(t, err)
	require.Nil(t, s.Close())

	orphan := filepath.Join(dir, ArchiveHandle(77).fileName())
	require.Nil(t, os.WriteFile(orphan, append([]byte(nil), archiveMagic...), 0o600))

	s2, hook := openStore(t, dir, nil)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	found := false
	for _, e := range hook.AllEntries() {
		if e.Data["action"] == "cold_remove_orphan_archive" {
			found = true
		}
	}
	assert.True(t, found)

	// new handles never collide with a removed orphan
	h, err := s2.Archive(makeEntries("s1", 2))
	require.Nil(t, err)
	assert.Greater(t, uint64(h), uint64(77))
}

func TestCorruptFrame(t *testing.T) {
	s, _ := openStore(t, t.TempDir(), nil)

	batch := makeEntries("s1", 1, 2)
	h, err := s.Archive(batch)
	require.Nil(t, err)

	path := s.archivePath(h)
	data, err := os.ReadFile(path)
	require.Nil(t, err)
	// damage the last byte, which belongs to the final frame
	data[len(data)-1] ^= 0xff
	require.Nil(t, os.WriteFile(path, data, 0o600))

	_, err = s.Retrieve(2)
	assert.ErrorIs(t, err, ErrCorrupt)

	// neighbouring frames are unaffected
	got, err := s.Retrieve(1)
	require.Nil(t, err)
	assert.Equal(t, batch[0].Content, got.Content)
}

func TestBloomGrows(t *testing.T) {
	s, _ := openStore(t, t.TempDir(), nil)

	var ids []uint64
	for i := uint64(1); i <= minBloomCapacity+10; i++ {
		ids = append(ids, i)
	}
	batch := make([]*entry.Entry, len(ids))
	for i, id := range ids {
		batch[i] = &entry.Entry{ID: id, SessionID: "s", Content: "x", Role: entry.RoleUser, Priority: entry.PriorityLow}
	}
	_, err := s.Archive(batch)
	require.Nil(t, err)

	assert.Greater(t, s.bloomCapacity(), uint(minBloomCapacity))
	for _, id := range []uint64{1, 500, minBloomCapacity + 10} {
		ok, err := s.Contains(id)
		require.Nil(t, err)
		assert.True(t, ok)
	}
}

func TestArchiveGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewPrometheusMetrics(reg)
	s, _ := openStore(t, t.TempDir(), metrics)

	_, err := s.Archive(makeEntries("s1", 1))
	require.Nil(t, err)
	_, err = s.Archive(makeEntries("s1", 2))
	require.Nil(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ColdArchives))

	_, err = s.Forget([]uint64{1})
	require.Nil(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ColdArchives))
}
