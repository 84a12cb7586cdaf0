//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Package cold keeps long-lived entries in immutable, compressed archive
// files with a bbolt index mapping each entry to its frame.
package cold

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tedcli/ted-context/entities/diskio"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/usecases/monitoring"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/willf/bloom"
	bolt "go.etcd.io/bbolt"
)

const (
	indexFile              = "index.db"
	minBloomCapacity     = 1024
	defaultFalsePositive = 0.01
	indexOpenTimeout     = 5 * time.Second
)

var (
	ErrNotFound = errors.New("cold entry not found")
	ErrCorrupt  = errors.New("cold archive corrupt")
)

type Options struct {
	Logger  logrus.FieldLogger
	Metrics *monitoring.PrometheusMetrics
	Now     func() time.Time
	// FalsePositiveRate of the in-memory membership filter.
	FalsePositiveRate float64
}

type Store struct {
	dir     string
	db      *bolt.DB
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
	now     func() time.Time
	fpRate  float64

	// archiveLock serializes writers; readers rely on bbolt transactions and
	// on archive files being immutable.
	archiveLock sync.Mutex
	nextArchive ArchiveHandle

	bloomLock sync.RWMutex
	bloom     *bloom.BloomFilter
	bloomCap  uint
	bloomLen  uint
}

func Open(dir string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FalsePositiveRate <= 0 || opts.FalsePositiveRate >= 1 {
		opts.FalsePositiveRate = defaultFalsePositive
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create cold dir %q", dir)
	}
	if err := diskio.RemoveTempFiles(dir); err != nil {
		return nil, errors.Wrap(err, "remove interrupted archive writes")
	}

	path := filepath.Join(dir, indexFile)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: indexOpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", path)
	}
	if err := initBuckets(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init cold index")
	}

	s := &Store{
		dir:     dir,
		db:      db,
		logger:  opts.Logger.WithField("component", "cold"),
		metrics: opts.Metrics,
		now:     opts.Now,
		fpRate:  opts.FalsePositiveRate,
	}

	if err := s.reconcileFiles(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.rebuildBloom(0); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// reconcileFiles deletes archives the index never confirmed. Such files are
// left behind by a crash between writing an archive and committing its index
// records, or between releasing the last claim and unlinking the file.
func (s *Store) reconcileFiles() error {
	list, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrapf(err, "list cold dir %q", s.dir)
	}

	known := map[ArchiveHandle]struct{}{}
	var highest ArchiveHandle
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(archivesBucket).ForEach(func(k, _ []byte) error {
			h := ArchiveHandle(beUint64(k))
			known[h] = struct{}{}
			if h > highest {
				highest = h
			}
			return nil
		})
	})
	if err != nil {
		return errors.Wrap(err, "read archive records")
	}

	onDisk := map[ArchiveHandle]struct{}{}
	for _, fi := range list {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, archiveExt) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, archiveExt), 10, 64)
		if err != nil {
			continue
		}
		h := ArchiveHandle(n)
		if h > highest {
			highest = h
		}
		if _, ok := known[h]; ok {
			onDisk[h] = struct{}{}
			if err := checkMagic(filepath.Join(s.dir, name)); err != nil {
				s.logger.WithField("action", "cold_archive_invalid").
					WithField("archive", h.String()).
					WithError(err).
					Error("archive header damaged, its entries will fail to load")
			}
			continue
		}

		s.logger.WithField("action", "cold_remove_orphan_archive").
			WithField("archive", h.String()).
			Warn("removing archive without index records")
		if err := diskio.RemoveDurable(filepath.Join(s.dir, name)); err != nil {
			return errors.Wrapf(err, "remove orphan archive %s", h)
		}
	}

	for h := range known {
		if _, ok := onDisk[h]; !ok {
			s.logger.WithField("action", "cold_archive_missing").
				WithField("archive", h.String()).
				Error("index references an archive that does not exist")
		}
	}

	s.nextArchive = highest + 1
	s.metrics.SetColdArchives(len(known))
	return nil
}

func (s *Store) rebuildBloom(minCap uint) error {
	var ids []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, beUint64(k))
			return nil
		})
	})
	if err != nil {
		return errors.Wrap(err, "read index for membership filter")
	}

	capacity := uint(2 * len(ids))
	if capacity < minCap {
		capacity = minCap
	}
	if capacity < minBloomCapacity {
		capacity = minBloomCapacity
	}

	f := bloom.NewWithEstimates(capacity, s.fpRate)
	for _, id := range ids {
		f.Add(idKey(id))
	}

	s.bloomLock.Lock()
	s.bloom = f
	s.bloomCap = capacity
	s.bloomLen = uint(len(ids))
	s.bloomLock.Unlock()
	return nil
}

func (s *Store) mayContain(id uint64) bool {
	s.bloomLock.RLock()
	defer s.bloomLock.RUnlock()
	return s.bloom.Test(idKey(id))
}

func (s *Store) addToBloom(ids []uint64) (full bool) {
	s.bloomLock.Lock()
	defer s.bloomLock.Unlock()
	for _, id := range ids {
		s.bloom.Add(idKey(id))
	}
	s.bloomLen += uint(len(ids))
	return s.bloomLen > s.bloomCap
}

func (s *Store) archivePath(h ArchiveHandle) string {
	return filepath.Join(s.dir, h.fileName())
}

// Archive writes batch into a new archive and claims its entries in the
// index. The archive is durable before the index commit, and the commit is
// the point from which the entries count as cold. Re-archiving an id moves
// its claim to the new archive.
func (s *Store) Archive(batch []*entry.Entry) (ArchiveHandle, error) {
	if len(batch) == 0 {
		return 0, errors.New("archive: empty batch")
	}

	data, refs, err := encodeArchive(batch)
	if err != nil {
		return 0, err
	}

	s.archiveLock.Lock()
	defer s.archiveLock.Unlock()

	h := s.nextArchive
	path := s.archivePath(h)
	if err := diskio.WriteFileAtomic(path, data, 0o600); err != nil {
		return 0, errors.Wrapf(err, "write archive %s", h)
	}
	s.nextArchive++

	var emptied []ArchiveHandle
	live := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		ab := tx.Bucket(archivesBucket)

		seen := make(map[uint64]struct{}, len(batch))
		for i, e := range batch {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}

			prev, err := getMeta(eb, e.ID)
			if err != nil {
				return err
			}
			if prev != nil {
				done, err := release(ab, prev.Archive)
				if err != nil {
					return err
				}
				if done {
					emptied = append(emptied, prev.Archive)
				}
			}

			m := Meta{
				Archive:    h,
				Offset:     refs[i].offset,
				Length:     refs[i].length,
				SessionID:  e.SessionID,
				Role:       e.Role,
				Priority:   e.Priority,
				TokenCount: e.TokenCount,
				CreatedAt:  e.CreatedAt,
			}
			v, err := msgpack.Marshal(&m)
			if err != nil {
				return errors.Wrapf(err, "encode index record %d", e.ID)
			}
			if err := eb.Put(idKey(e.ID), v); err != nil {
				return err
			}
			live++
		}

		return putArchive(ab, h, &archiveInfo{Live: live, Created: s.now()})
	})
	if err != nil {
		if rmErr := diskio.RemoveDurable(path); rmErr != nil {
			s.logger.WithField("action", "cold_archive_rollback").
				WithField("archive", h.String()).
				WithError(rmErr).
				Error("could not remove unconfirmed archive, it will be removed on next open")
		}
		return 0, errors.Wrapf(err, "commit index for archive %s", h)
	}

	ids := make([]uint64, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	if s.addToBloom(ids) {
		if err := s.rebuildBloom(2 * s.bloomCapacity()); err != nil {
			s.logger.WithField("action", "cold_rebuild_bloom").WithError(err).
				Warn("membership filter not resized")
		}
	}

	s.removeFiles(emptied)
	s.metrics.SetColdArchives(s.archiveCount())

	s.logger.WithField("action", "cold_archive").
		WithField("archive", h.String()).
		WithField("entries", live).
		WithField("bytes", len(data)).
		Debug("archive written")

	return h, nil
}

func (s *Store) bloomCapacity() uint {
	s.bloomLock.RLock()
	defer s.bloomLock.RUnlock()
	return s.bloomCap
}

func (s *Store) lookup(id uint64) (*Meta, error) {
	var m *Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = getMeta(tx.Bucket(entriesBucket), id)
		return err
	})
	return m, err
}

// Retrieve decompresses the single frame holding id.
func (s *Store) Retrieve(id uint64) (*entry.Entry, error) {
	if !s.mayContain(id) {
		return nil, errors.Wrapf(ErrNotFound, "entry %d", id)
	}

	m, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.Wrapf(ErrNotFound, "entry %d", id)
	}

	frame, err := readFrame(s.archivePath(m.Archive), frameRef{offset: m.Offset, length: m.Length})
	if err != nil {
		return nil, errors.Wrapf(err, "entry %d", id)
	}
	e, err := decodeFrame(frame)
	if err != nil {
		return nil, errors.Wrapf(err, "entry %d in archive %s", id, m.Archive)
	}
	if e.ID != id {
		return nil, errors.Wrapf(ErrCorrupt, "archive %s frame at %d holds entry %d, want %d",
			m.Archive, m.Offset, e.ID, id)
	}

	e.Tier = entry.TierCold
	return e, nil
}

func (s *Store) Contains(id uint64) (bool, error) {
	if !s.mayContain(id) {
		return false, nil
	}
	m, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

// Forget drops the index claims for ids. An archive file is deleted only
// once none of its entries are claimed anymore.
func (s *Store) Forget(ids []uint64) ([]ArchiveHandle, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.archiveLock.Lock()
	defer s.archiveLock.Unlock()

	var emptied []ArchiveHandle
	err := s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		ab := tx.Bucket(archivesBucket)
		for _, id := range ids {
			m, err := getMeta(eb, id)
			if err != nil {
				return err
			}
			if m == nil {
				continue
			}
			if err := eb.Delete(idKey(id)); err != nil {
				return err
			}
			done, err := release(ab, m.Archive)
			if err != nil {
				return err
			}
			if done {
				emptied = append(emptied, m.Archive)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "forget cold entries")
	}

	s.removeFiles(emptied)
	s.metrics.SetColdArchives(s.archiveCount())
	return emptied, nil
}

func (s *Store) removeFiles(handles []ArchiveHandle) {
	for _, h := range handles {
		if err := diskio.RemoveDurable(s.archivePath(h)); err != nil {
			s.logger.WithField("action", "cold_remove_archive").
				WithField("archive", h.String()).
				WithError(err).
				Warn("could not remove released archive, it will be removed on next open")
		}
	}
}

// Metas lists every claimed entry in id order.
func (s *Store) Metas() ([]Meta, error) {
	var metas []Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var m Meta
			if err := msgpack.Unmarshal(v, &m); err != nil {
				return errors.Wrapf(err, "decode index record %d", beUint64(k))
			}
			m.ID = beUint64(k)
			metas = append(metas, m)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list cold entries")
	}
	return metas, nil
}

func (s *Store) archiveCount() int {
	n := 0
	s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(archivesBucket).Stats().KeyN
		return nil
	})
	return n
}

func (s *Store) Archives() int {
	return s.archiveCount()
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "close cold index")
	}
	return nil
}

func beUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
