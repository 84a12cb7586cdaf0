//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Package wal is the append-only, segmented write-ahead log every context
// entry is written to before it is acknowledged.
package wal

import (
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tedcli/ted-context/entities/diskio"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/usecases/monitoring"
)

const (
	segmentExt = ".wal"
	markerFile = "migrated.pos"

	DefaultMaxSegmentBytes = 4 << 20
)

type Options struct {
	// MaxSegmentBytes starts a new segment once the active one has grown past
	// this size. Recovery replay time and truncation granularity both follow it.
	MaxSegmentBytes int64
	Logger          logrus.FieldLogger
	Metrics         *monitoring.PrometheusMetrics
}

type segment struct {
	first Position
	path  string
	size  int64
}

// Log is safe for concurrent use. Appends are serialized, which gives every
// session a linear record order.
type Log struct {
	sync.Mutex

	dir             string
	maxSegmentBytes int64
	logger          logrus.FieldLogger
	metrics         *monitoring.PrometheusMetrics

	segments []segment // sorted by first position, last one is active
	active   *os.File
	next     Position
	migrated Position

	// set when a failed write could not be rolled back; the log refuses
	// further appends instead of writing behind garbage
	broken error
	closed bool
}

func Open(dir string, opts Options) (*Log, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, ioFailure("create dir", dir, err)
	}
	if err := diskio.RemoveTempFiles(dir); err != nil {
		return nil, ioFailure("remove temp files", dir, err)
	}

	l := &Log{
		dir:             dir,
		maxSegmentBytes: opts.MaxSegmentBytes,
		logger:          opts.Logger.WithField("component", "wal"),
		metrics:         opts.Metrics,
	}

	if err := l.loadMarker(); err != nil {
		return nil, err
	}
	if err := l.loadSegments(); err != nil {
		return nil, err
	}
	if err := l.recoverActive(); err != nil {
		return nil, err
	}

	l.metrics.SetWALSegments(len(l.segments))
	return l, nil
}

func segmentName(first Position) string {
	return fmt.Sprintf("%020d%s", first, segmentExt)
}

func (l *Log) loadMarker() error {
	path := filepath.Join(l.dir, markerFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ioFailure("read marker", path, err)
	}

	pos, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return corrupt("parse marker", path, err)
	}
	l.migrated = Position(pos)
	return nil
}

func (l *Log) loadSegments() error {
	list, err := os.ReadDir(l.dir)
	if err != nil {
		return ioFailure("list segments", l.dir, err)
	}

	for _, fi := range list {
		if fi.IsDir() || filepath.Ext(fi.Name()) != segmentExt {
			continue
		}

		first, err := strconv.ParseUint(strings.TrimSuffix(fi.Name(), segmentExt), 10, 64)
		if err != nil {
			l.logger.WithField("action", "wal_skip_unknown_file").
				WithField("file", fi.Name()).
				Warn("ignoring file with wal extension but unexpected name")
			continue
		}

		info, err := fi.Info()
		if err != nil {
			return ioFailure("stat segment", fi.Name(), err)
		}

		l.segments = append(l.segments, segment{
			first: Position(first),
			path:  filepath.Join(l.dir, fi.Name()),
			size:  info.Size(),
		})
	}

	sort.Slice(l.segments, func(i, j int) bool {
		return l.segments[i].first < l.segments[j].first
	})
	return nil
}

// recoverActive scans the newest segment to find the next position. A frame
// that runs up to the end of the file was being written when the process
// died; it was never acknowledged and is cut off. Damage anywhere else is
// corruption.
func (l *Log) recoverActive() error {
	if len(l.segments) == 0 {
		first := l.migrated
		if first == 0 {
			first = 1
		}
		return l.createSegment(first)
	}

	last := &l.segments[len(l.segments)-1]
	f, err := os.OpenFile(last.path, os.O_RDWR, 0o600)
	if err != nil {
		return ioFailure("open segment", last.path, err)
	}

	sr := newSegmentReader(f, last.first, last.size)
	for {
		_, err := sr.read()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}

		var fe *frameError
		if !errors.As(err, &fe) || fe.end < last.size {
			f.Close()
			return corrupt("recover segment", last.path, err)
		}

		l.logger.WithField("action", "wal_recover_torn_tail").
			WithField("path", last.path).
			WithField("offset", fe.offset).
			WithField("dropped_bytes", last.size-fe.offset).
			Warn("write-ahead-log ended abruptly, dropping unacknowledged tail")

		if err := f.Truncate(fe.offset); err != nil {
			f.Close()
			return ioFailure("truncate torn tail", last.path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return ioFailure("sync segment", last.path, err)
		}
		last.size = fe.offset
		break
	}

	if _, err := f.Seek(last.size, io.SeekStart); err != nil {
		f.Close()
		return ioFailure("seek segment", last.path, err)
	}

	l.active = f
	l.next = sr.next
	return nil
}

func (l *Log) createSegment(first Position) error {
	path := filepath.Join(l.dir, segmentName(first))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	if err != nil {
		return ioFailure("create segment", path, err)
	}
	if err := diskio.Fsync(l.dir); err != nil {
		f.Close()
		return ioFailure("sync dir", l.dir, err)
	}

	l.segments = append(l.segments, segment{first: first, path: path})
	l.active = f
	l.next = first
	return nil
}

func (l *Log) rotate() error {
	if err := l.active.Sync(); err != nil {
		return ioFailure("sync segment", l.activeSegment().path, err)
	}
	if err := l.active.Close(); err != nil {
		return ioFailure("close segment", l.activeSegment().path, err)
	}
	l.active = nil

	if err := l.createSegment(l.next); err != nil {
		return err
	}

	l.logger.WithField("action", "wal_rotate").
		WithField("first_position", l.next).
		Debug("started new wal segment")
	l.metrics.SetWALSegments(len(l.segments))
	return nil
}

func (l *Log) activeSegment() *segment {
	return &l.segments[len(l.segments)-1]
}

// Append makes e durable and returns its position. Only a nil error means
// the entry is committed.
func (l *Log) Append(e *entry.Entry) (Position, error) {
	return l.append(&diskRecord{Type: RecordTypePut, Entry: e})
}

// AppendTombstones durably records that the given entries were pruned, so
// replay does not bring them back.
func (l *Log) AppendTombstones(ids []uint64) (Position, error) {
	return l.append(&diskRecord{Type: RecordTypeTombstone, IDs: ids})
}

func (l *Log) append(rec *diskRecord) (Position, error) {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return 0, ioFailure("append", l.dir, ErrClosed)
	}
	if l.broken != nil {
		return 0, ioFailure("append", l.dir, l.broken)
	}

	rec.Position = l.next
	frame, err := encodeFrame(rec)
	if err != nil {
		return 0, ioFailure("append", l.dir, err)
	}

	active := l.activeSegment()
	if active.size > 0 && active.size+int64(len(frame)) > l.maxSegmentBytes {
		if err := l.rotate(); err != nil {
			if l.active == nil {
				l.broken = err
			}
			return 0, err
		}
		active = l.activeSegment()
	}

	if _, err := l.active.Write(frame); err != nil {
		l.rollback(active)
		return 0, ioFailure("write", active.path, err)
	}

	before := time.Now()
	if err := l.active.Sync(); err != nil {
		l.rollback(active)
		return 0, ioFailure("fsync", active.path, err)
	}
	l.metrics.TrackFsync(before)
	l.metrics.WALWritten(len(frame))

	active.size += int64(len(frame))
	l.next++
	return rec.Position, nil
}

// rollback cuts a partially written frame so that later appends do not land
// behind garbage.
func (l *Log) rollback(active *segment) {
	err := l.active.Truncate(active.size)
	if err == nil {
		_, err = l.active.Seek(active.size, io.SeekStart)
	}
	if err != nil {
		l.broken = errors.Wrap(err, "roll back failed write")
		l.logger.WithField("action", "wal_rollback_failed").
			WithField("path", active.path).
			WithError(err).
			Error("could not roll back failed write, refusing further appends")
	}
}

// Replay yields every record in append order. It can be called any number of
// times; each call starts from the oldest retained segment.
func (l *Log) Replay() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		segs := l.snapshot()
		for i, seg := range segs {
			f, err := os.Open(seg.path)
			if err != nil {
				yield(Record{}, ioFailure("open segment", seg.path, err))
				return
			}

			sr := newSegmentReader(f, seg.first, seg.size)
			for {
				rec, err := sr.read()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					f.Close()
					yield(Record{}, corrupt("replay", seg.path, err))
					return
				}

				if !yield(Record{
					Position: rec.Position,
					Type:     rec.Type,
					Entry:    rec.Entry,
					IDs:      rec.IDs,
				}, nil) {
					f.Close()
					return
				}
			}
			f.Close()

			if i+1 < len(segs) && sr.next != segs[i+1].first {
				yield(Record{}, corrupt("replay", seg.path, errors.Errorf(
					"segment ends at position %d, next segment starts at %d",
					sr.next, segs[i+1].first)))
				return
			}
		}
	}
}

func (l *Log) snapshot() []segment {
	l.Lock()
	defer l.Unlock()

	out := make([]segment, len(l.segments))
	copy(out, l.segments)
	return out
}

// MarkMigrated persists pos as the last safely migrated position: every
// record before it is reflected in the warm or cold tier. The marker only
// moves forward and is on disk before this returns.
func (l *Log) MarkMigrated(pos Position) error {
	l.Lock()
	defer l.Unlock()

	if pos <= l.migrated {
		return nil
	}
	if pos > l.next {
		return errors.Errorf("migrated position %d is beyond the end of the log (%d)", pos, l.next)
	}

	path := filepath.Join(l.dir, markerFile)
	data := []byte(strconv.FormatUint(uint64(pos), 10) + "\n")
	if err := diskio.WriteFileAtomic(path, data, 0o600); err != nil {
		return ioFailure("write marker", path, err)
	}

	l.migrated = pos
	return nil
}

// TruncateBefore deletes whole segments whose records all lie before pos.
// The active segment is never deleted. pos must not pass the migrated
// marker. It returns the number of deleted segments.
func (l *Log) TruncateBefore(pos Position) (int, error) {
	l.Lock()
	defer l.Unlock()

	if pos > l.migrated {
		return 0, errors.Wrapf(ErrUnsafeTruncate, "position %d, marker %d", pos, l.migrated)
	}

	deleted := 0
	for len(l.segments) > 1 && l.segments[1].first <= pos {
		seg := l.segments[0]
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return deleted, ioFailure("remove segment", seg.path, err)
		}
		l.segments = l.segments[1:]
		deleted++
	}

	if deleted > 0 {
		if err := diskio.Fsync(l.dir); err != nil {
			return deleted, ioFailure("sync dir", l.dir, err)
		}
		l.logger.WithField("action", "wal_truncate").
			WithField("before", pos).
			WithField("segments", deleted).
			Debug("deleted migrated wal segments")
		l.metrics.WALTruncated(deleted)
		l.metrics.SetWALSegments(len(l.segments))
	}

	return deleted, nil
}

func (l *Log) NextPosition() Position {
	l.Lock()
	defer l.Unlock()
	return l.next
}

func (l *Log) MigratedPosition() Position {
	l.Lock()
	defer l.Unlock()
	return l.migrated
}

// ActiveSegmentStart is the first position of the segment currently
// written to. Records before it can only be released by truncation.
func (l *Log) ActiveSegmentStart() Position {
	l.Lock()
	defer l.Unlock()
	return l.activeSegment().first
}

func (l *Log) SegmentCount() int {
	l.Lock()
	defer l.Unlock()
	return len(l.segments)
}

func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) Close() error {
	l.Lock()
	defer l.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.active == nil {
		return nil
	}

	path := l.activeSegment().path
	if err := l.active.Sync(); err != nil {
		l.active.Close()
		return ioFailure("sync segment", path, err)
	}
	if err := l.active.Close(); err != nil {
		return ioFailure("close segment", path, err)
	}
	return nil
}
