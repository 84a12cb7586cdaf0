//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tedcli/ted-context/entities/entry"
)

func testEntry(id uint64) *entry.Entry {
	return &entry.Entry{
		ID:         id,
		SessionID:  "sess-1",
		Role:       entry.RoleUser,
		Content:    fmt.Sprintf("message number %d", id),
		Priority:   entry.PriorityNormal,
		TokenCount: 10,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
		Tier:       entry.TierHot,
	}
}

func openLog(t *testing.T, dir string, maxSegment int64) *Log {
	t.Helper()
	logger, _ := test.NewNullLogger()
	l, err := Open(dir, Options{MaxSegmentBytes: maxSegment, Logger: logger})
	require.NoError(t, err)
	return l
}

func collect(t *testing.T, l *Log) []Record {
	t.Helper()
	var out []Record
	for rec, err := range l.Replay() {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+segmentExt))
	require.NoError(t, err)
	return matches
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)

	for i := uint64(1); i <= 5; i++ {
		pos, err := l.Append(testEntry(i))
		require.NoError(t, err)
		assert.Equal(t, Position(i), pos)
	}

	records := collect(t, l)
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, RecordTypePut, rec.Type)
		assert.Equal(t, Position(i+1), rec.Position)
		assert.Equal(t, uint64(i+1), rec.Entry.ID)
		assert.Equal(t, fmt.Sprintf("message number %d", i+1), rec.Entry.Content)
	}

	// replay is restartable
	assert.Len(t, collect(t, l), 5)
	require.NoError(t, l.Close())
}

func TestReopenContinuesPositions(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	_, err := l.Append(testEntry(1))
	require.NoError(t, err)
	_, err = l.AppendTombstones([]uint64{1})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = openLog(t, dir, 0)
	assert.Equal(t, Position(3), l.NextPosition())
	pos, err := l.Append(testEntry(2))
	require.NoError(t, err)
	assert.Equal(t, Position(3), pos)

	records := collect(t, l)
	require.Len(t, records, 3)
	assert.Equal(t, RecordTypeTombstone, records[1].Type)
	assert.Equal(t, []uint64{1}, records[1].IDs)
	require.NoError(t, l.Close())
}

func TestTornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	for i := uint64(1); i <= 3; i++ {
		_, err := l.Append(testEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// simulate a crash in the middle of writing a fourth frame
	files := segmentFiles(t, dir)
	require.Len(t, files, 1)
	frame, err := encodeFrame(&diskRecord{Position: 4, Type: RecordTypePut, Entry: testEntry(4)})
	require.NoError(t, err)
	f, err := os.OpenFile(files[0], os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write(frame[:len(frame)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	logger, hook := test.NewNullLogger()
	l, err = Open(dir, Options{Logger: logger})
	require.NoError(t, err)

	var sawWarning bool
	for _, e := range hook.AllEntries() {
		if e.Data["action"] == "wal_recover_torn_tail" {
			sawWarning = true
		}
	}
	assert.True(t, sawWarning)

	assert.Len(t, collect(t, l), 3)
	pos, err := l.Append(testEntry(4))
	require.NoError(t, err)
	assert.Equal(t, Position(4), pos)
	assert.Len(t, collect(t, l), 4)
	require.NoError(t, l.Close())
}

func TestCorruptionInTheMiddleIsReported(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	for i := uint64(1); i <= 3; i++ {
		_, err := l.Append(testEntry(i))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	files := segmentFiles(t, dir)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	data[frameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], data, 0o600))

	logger, _ := test.NewNullLogger()
	_, err = Open(dir, Options{Logger: logger})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	assert.False(t, errors.Is(err, ErrIoFailure))
}

func TestCorruptionInOldSegmentSurfacesOnReplay(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 256)
	for i := uint64(1); i <= 10; i++ {
		_, err := l.Append(testEntry(i))
		require.NoError(t, err)
	}
	require.Greater(t, l.SegmentCount(), 1)
	require.NoError(t, l.Close())

	files := segmentFiles(t, dir)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], data, 0o600))

	l = openLog(t, dir, 256)
	var replayErr error
	for _, err := range l.Replay() {
		if err != nil {
			replayErr = err
		}
	}
	require.Error(t, replayErr)
	assert.True(t, errors.Is(replayErr, ErrCorrupt))
	require.NoError(t, l.Close())
}

func TestRotationAndTruncation(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 256)

	for i := uint64(1); i <= 20; i++ {
		_, err := l.Append(testEntry(i))
		require.NoError(t, err)
	}
	segments := l.SegmentCount()
	require.Greater(t, segments, 2)
	assert.Len(t, segmentFiles(t, dir), segments)
	assert.Len(t, collect(t, l), 20)

	// nothing has been confirmed as migrated yet
	_, err := l.TruncateBefore(10)
	assert.True(t, errors.Is(err, ErrUnsafeTruncate))

	require.NoError(t, l.MarkMigrated(10))
	deleted, err := l.TruncateBefore(10)
	require.NoError(t, err)
	assert.Greater(t, deleted, 0)
	assert.Equal(t, segments-deleted, l.SegmentCount())

	records := collect(t, l)
	require.NotEmpty(t, records)
	assert.LessOrEqual(t, records[0].Position, Position(10))
	assert.Equal(t, Position(20), records[len(records)-1].Position)

	// the marker never moves backwards
	require.NoError(t, l.MarkMigrated(5))
	assert.Equal(t, Position(10), l.MigratedPosition())
	require.NoError(t, l.Close())

	l = openLog(t, dir, 256)
	assert.Equal(t, Position(10), l.MigratedPosition())
	assert.Equal(t, Position(21), l.NextPosition())
	assert.Len(t, collect(t, l), len(records))
	require.NoError(t, l.Close())
}

func TestActiveSegmentIsNeverTruncated(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	for i := uint64(1); i <= 3; i++ {
		_, err := l.Append(testEntry(i))
		require.NoError(t, err)
	}

	require.NoError(t, l.MarkMigrated(l.NextPosition()))
	deleted, err := l.TruncateBefore(l.NextPosition())
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Len(t, collect(t, l), 3)
	require.NoError(t, l.Close())
}

func TestMarkMigratedBeyondEnd(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)
	assert.Error(t, l.MarkMigrated(42))
	require.NoError(t, l.Close())
}

func TestAppendAfterClose(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)
	require.NoError(t, l.Close())

	_, err := l.Append(testEntry(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIoFailure))
	assert.True(t, errors.Is(err, ErrClosed))
}
