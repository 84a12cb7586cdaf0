//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Package hot is the bounded in-memory tier serving the active session
// without any I/O on the read path.
package hot

import (
	"sort"
	"sync"
	"time"

	"github.com/tedcli/ted-context/adapters/repos/tiers/wal"
	"github.com/tedcli/ted-context/entities/entry"
)

type Options struct {
	// MaxEntries and MaxBytes are soft caps. Reaching one of them makes Insert
	// report pressure, nothing is ever dropped here.
	MaxEntries int
	MaxBytes   int
	Score      ScoreFunc
	Now        func() time.Time
}

type item struct {
	entry *entry.Entry
	// position of the newest WAL record holding this entry
	position wal.Position
}

type Tier struct {
	sync.RWMutex

	maxEntries int
	maxBytes   int
	score      ScoreFunc
	now        func() time.Time

	items map[uint64]*item
	bytes int
}

func New(opts Options) *Tier {
	if opts.Score == nil {
		opts.Score = DefaultWeightedScore().Score
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Tier{
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		score:      opts.Score,
		now:        opts.Now,
		items:      map[uint64]*item{},
	}
}

// Insert stores a copy of e and reports whether the tier is now over one of
// its caps. Re-inserting an id replaces the previous copy.
func (t *Tier) Insert(e *entry.Entry, pos wal.Position) (overCap bool) {
	c := e.Clone()
	c.Tier = entry.TierHot

	t.Lock()
	defer t.Unlock()

	if prev, ok := t.items[c.ID]; ok {
		t.bytes -= prev.entry.Size()
	}
	t.items[c.ID] = &item{entry: c, position: pos}
	t.bytes += c.Size()

	return t.overCap()
}

// Get returns a copy of the entry and counts the read.
func (t *Tier) Get(id uint64) (*entry.Entry, bool) {
	t.Lock()
	defer t.Unlock()

	it, ok := t.items[id]
	if !ok {
		return nil, false
	}
	it.entry.Touch(t.now())
	return it.entry.Clone(), true
}

// Peek returns a copy without counting a read.
func (t *Tier) Peek(id uint64) (*entry.Entry, bool) {
	t.RLock()
	defer t.RUnlock()

	it, ok := t.items[id]
	if !ok {
		return nil, false
	}
	return it.entry.Clone(), true
}

func (t *Tier) Contains(id uint64) bool {
	t.RLock()
	defer t.RUnlock()

	_, ok := t.items[id]
	return ok
}

func (t *Tier) Remove(id uint64) bool {
	t.Lock()
	defer t.Unlock()

	it, ok := t.items[id]
	if !ok {
		return false
	}
	t.bytes -= it.entry.Size()
	delete(t.items, id)
	return true
}

// EvictCandidate picks the non-Critical entry with the lowest score, ties
// going to the older entry. It does not remove anything: the caller migrates
// the entry and removes it once the warm tier confirmed the copy. If only
// Critical entries are resident there is no candidate and the tier stays
// above its cap.
func (t *Tier) EvictCandidate() (*entry.Entry, bool) {
	t.RLock()
	defer t.RUnlock()

	now := t.now()
	var (
		best      *entry.Entry
		bestScore float64
	)
	for _, it := range t.items {
		if it.entry.IsCritical() {
			continue
		}
		s := t.score(it.entry, now)
		if best == nil || s < bestScore || (s == bestScore && it.entry.ID < best.ID) {
			best, bestScore = it.entry, s
		}
	}

	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// IdleSince lists non-Critical entries not accessed since cutoff, oldest
// first.
func (t *Tier) IdleSince(cutoff time.Time) []*entry.Entry {
	t.RLock()
	defer t.RUnlock()

	var out []*entry.Entry
	for _, it := range t.items {
		if it.entry.IsCritical() {
			continue
		}
		last := it.entry.LastAccessedAt
		if last.IsZero() {
			last = it.entry.CreatedAt
		}
		if last.Before(cutoff) {
			out = append(out, it.entry.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tier) OverCap() bool {
	t.RLock()
	defer t.RUnlock()
	return t.overCap()
}

func (t *Tier) overCap() bool {
	if t.maxEntries > 0 && len(t.items) > t.maxEntries {
		return true
	}
	if t.maxBytes > 0 && t.bytes > t.maxBytes {
		return true
	}
	return false
}

// MinPosition is the oldest WAL position still needed by a resident entry.
// ok is false when the tier is empty.
func (t *Tier) MinPosition() (pos wal.Position, ok bool) {
	t.RLock()
	defer t.RUnlock()

	for _, it := range t.items {
		if !ok || it.position < pos {
			pos, ok = it.position, true
		}
	}
	return pos, ok
}

// PinnedBefore lists the entries whose newest WAL record lies before pos,
// ordered by id.
func (t *Tier) PinnedBefore(pos wal.Position) []*entry.Entry {
	t.RLock()
	defer t.RUnlock()

	var out []*entry.Entry
	for _, it := range t.items {
		if it.position < pos {
			out = append(out, it.entry.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPosition records that the entry was re-appended at pos.
func (t *Tier) SetPosition(id uint64, pos wal.Position) bool {
	t.Lock()
	defer t.Unlock()

	it, ok := t.items[id]
	if !ok {
		return false
	}
	it.position = pos
	return true
}

func (t *Tier) Len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.items)
}

func (t *Tier) Bytes() int {
	t.RLock()
	defer t.RUnlock()
	return t.bytes
}
