//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Package warm persists entries that left the hot tier as one file each, so
// that every entry stays individually addressable.
package warm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
	"github.com/tedcli/ted-context/entities/diskio"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	fileExt       = ".entry"
	maxHeaderSize = 1 << 20
)

var (
	ErrNotFound = errors.New("warm entry not found")
	ErrCorrupt  = errors.New("warm entry corrupt")
)

// Handle addresses one stored entry. It is derived from the entry id, so
// storing the same entry twice overwrites the same unit.
type Handle uint64

func HandleFor(id uint64) Handle {
	return Handle(id)
}

func (h Handle) ID() uint64 {
	return uint64(h)
}

func (h Handle) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// Meta is everything about a stored entry except its content. Listing reads
// only this part of each file.
type Meta struct {
	Handle         Handle         `msgpack:"-"`
	ID             uint64         `msgpack:"id"`
	SessionID      string         `msgpack:"session_id"`
	Role           entry.Role     `msgpack:"role"`
	Priority       entry.Priority `msgpack:"priority"`
	TokenCount     int            `msgpack:"token_count"`
	CreatedAt      time.Time      `msgpack:"created_at"`
	LastAccessedAt time.Time      `msgpack:"last_accessed_at"`
	AccessCount    uint64         `msgpack:"access_count"`
	Truncated      bool           `msgpack:"truncated,omitempty"`
	StoredAt       time.Time      `msgpack:"stored_at"`
	ContentSize    int            `msgpack:"content_size"`
	ContentSum     uint32         `msgpack:"content_sum"`
}

// ActiveAt is the last moment the entry was used or moved, whichever is
// later. Warm residency age is measured from it.
func (m *Meta) ActiveAt() time.Time {
	t := m.StoredAt
	if m.LastAccessedAt.After(t) {
		t = m.LastAccessedAt
	}
	return t
}

type Options struct {
	Logger logrus.FieldLogger
	Now    func() time.Time
}

type Store struct {
	dir    string
	logger logrus.FieldLogger
	now    func() time.Time
}

func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create warm dir %q", dir)
	}
	if err := diskio.RemoveTempFiles(dir); err != nil {
		return nil, errors.Wrap(err, "remove interrupted warm writes")
	}

	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		dir:    dir,
		logger: opts.Logger.WithField("component", "warm"),
		now:    opts.Now,
	}, nil
}

func (s *Store) path(h Handle) string {
	return filepath.Join(s.dir, h.String()+fileExt)
}

// file layout: [u32 header len][msgpack header][content]
func (s *Store) Store(e *entry.Entry) (Handle, error) {
	h := HandleFor(e.ID)
	meta := Meta{
		ID:             e.ID,
		SessionID:      e.SessionID,
		Role:           e.Role,
		Priority:       e.Priority,
		TokenCount:     e.TokenCount,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		Truncated:      e.Truncated,
		StoredAt:       s.now(),
		ContentSize:    len(e.Content),
		ContentSum:     murmur3.Sum32([]byte(e.Content)),
	}

	header, err := msgpack.Marshal(&meta)
	if err != nil {
		return 0, errors.Wrap(err, "encode warm header")
	}

	buf := make([]byte, 4, 4+len(header)+len(e.Content))
	binary.LittleEndian.PutUint32(buf, uint32(len(header)))
	buf = append(buf, header...)
	buf = append(buf, e.Content...)

	if err := diskio.WriteFileAtomic(s.path(h), buf, 0o600); err != nil {
		return 0, errors.Wrapf(err, "store warm entry %d", e.ID)
	}
	return h, nil
}

func (s *Store) Load(h Handle) (*entry.Entry, error) {
	f, err := os.Open(s.path(h))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "handle %s", h)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open warm entry %s", h)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	meta, err := readHeader(r)
	if err != nil {
		return nil, errors.Wrapf(err, "handle %s", h)
	}
	if meta.ID != h.ID() {
		return nil, errors.Wrapf(ErrCorrupt, "handle %s holds entry %d", h, meta.ID)
	}

	content := make([]byte, meta.ContentSize)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "handle %s: read content: %v", h, err)
	}
	if murmur3.Sum32(content) != meta.ContentSum {
		return nil, errors.Wrapf(ErrCorrupt, "handle %s: content checksum mismatch", h)
	}

	return &entry.Entry{
		ID:             meta.ID,
		SessionID:      meta.SessionID,
		Role:           meta.Role,
		Content:        string(content),
		Priority:       meta.Priority,
		TokenCount:     meta.TokenCount,
		CreatedAt:      meta.CreatedAt,
		LastAccessedAt: meta.LastAccessedAt,
		AccessCount:    meta.AccessCount,
		Tier:           entry.TierWarm,
		Truncated:      meta.Truncated,
	}, nil
}

func readHeader(r io.Reader) (*Meta, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "read header length: %v", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxHeaderSize {
		return nil, errors.Wrapf(ErrCorrupt, "header length %d", n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "read header: %v", err)
	}

	var meta Meta
	if err := msgpack.Unmarshal(header, &meta); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decode header: %v", err)
	}
	return &meta, nil
}

func (s *Store) readMeta(h Handle) (*Meta, error) {
	f, err := os.Open(s.path(h))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "handle %s", h)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open warm entry %s", h)
	}
	defer f.Close()

	meta, err := readHeader(bufio.NewReaderSize(f, 4096))
	if err != nil {
		return nil, errors.Wrapf(err, "handle %s", h)
	}
	meta.Handle = h
	return meta, nil
}

func (s *Store) Exists(h Handle) (bool, error) {
	return diskio.FileExists(s.path(h))
}

// Remove deletes the unit durably. Removing a missing handle is a no-op so
// that interrupted migrations can simply be retried.
func (s *Store) Remove(h Handle) error {
	if err := diskio.RemoveDurable(s.path(h)); err != nil {
		return errors.Wrapf(err, "remove warm entry %s", h)
	}
	return nil
}

// Walk yields the metadata of every stored entry in handle order without
// loading content.
func (s *Store) Walk() iter.Seq2[*Meta, error] {
	return func(yield func(*Meta, error) bool) {
		handles, err := s.handles()
		if err != nil {
			yield(nil, err)
			return
		}

		for _, h := range handles {
			meta, err := s.readMeta(h)
			if errors.Is(err, ErrNotFound) {
				// removed concurrently by a finished cold migration
				continue
			}
			if !yield(meta, err) {
				return
			}
		}
	}
}

// ListOlderThan yields entries that have been idle in this tier for longer
// than age.
func (s *Store) ListOlderThan(age time.Duration) iter.Seq2[*Meta, error] {
	cutoff := s.now().Add(-age)
	return func(yield func(*Meta, error) bool) {
		for meta, err := range s.Walk() {
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !meta.ActiveAt().Before(cutoff) {
				continue
			}
			if !yield(meta, nil) {
				return
			}
		}
	}
}

func (s *Store) handles() ([]Handle, error) {
	list, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list warm dir %q", s.dir)
	}

	handles := make([]Handle, 0, len(list))
	for _, fi := range list {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, fileExt), 16, 64)
		if err != nil {
			s.logger.WithField("action", "warm_skip_unknown_file").
				WithField("file", name).
				Warn("ignoring unexpected file in warm dir")
			continue
		}
		handles = append(handles, Handle(id))
	}

	// ReadDir sorts by name and names are fixed-width hex, so handles are
	// already in id order
	return handles, nil
}

func (s *Store) Dir() string {
	return s.dir
}
