//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package contextstore

import (
	"sort"
	"sync"
	"time"

	"github.com/tedcli/ted-context/adapters/repos/tiers/wal"
	"github.com/tedcli/ted-context/entities/entry"
)

// catalogEntry is the metadata of one live entry. The catalog is the single
// answer to "which tier holds this entry" for stats and recall planning; the
// tiers own the content.
type catalogEntry struct {
	ID         uint64
	SessionID  string
	Role       entry.Role
	Priority   entry.Priority
	TokenCount int
	CreatedAt  time.Time
	Tier       entry.Tier

	State      MigrationState
	StateSince time.Time
	// position of the newest WAL record of the entry, 0 once unknown
	Position wal.Position

	// access stats of entries outside the hot tier live only here
	LastAccessedAt time.Time
	AccessCount    uint64
}

type session struct {
	id         string
	createdAt  time.Time
	lastActive time.Time
	// ascending, which is insertion order
	ids []uint64
}

// Session describes one conversation.
type Session struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Entries    int       `json:"entries"`
}

type catalog struct {
	sync.RWMutex
	entries  map[uint64]*catalogEntry
	sessions map[string]*session
}

func newCatalog() *catalog {
	return &catalog{
		entries:  map[uint64]*catalogEntry{},
		sessions: map[string]*session{},
	}
}

func (c *catalog) ensureSession(id string, now time.Time) (created bool) {
	c.Lock()
	defer c.Unlock()
	return c.ensureSessionLocked(id, now)
}

func (c *catalog) ensureSessionLocked(id string, now time.Time) bool {
	if _, ok := c.sessions[id]; ok {
		return false
	}
	c.sessions[id] = &session{id: id, createdAt: now, lastActive: now}
	return true
}

func (c *catalog) add(ce *catalogEntry) {
	c.Lock()
	defer c.Unlock()

	c.ensureSessionLocked(ce.SessionID, ce.CreatedAt)
	s := c.sessions[ce.SessionID]

	if prev, ok := c.entries[ce.ID]; ok && prev.SessionID == ce.SessionID {
		c.entries[ce.ID] = ce
		return
	}
	c.entries[ce.ID] = ce

	// ids normally arrive in order; concurrent records may swap neighbours
	n := len(s.ids)
	if n == 0 || s.ids[n-1] < ce.ID {
		s.ids = append(s.ids, ce.ID)
	} else {
		i := sort.Search(n, func(i int) bool { return s.ids[i] >= ce.ID })
		s.ids = append(s.ids, 0)
		copy(s.ids[i+1:], s.ids[i:])
		s.ids[i] = ce.ID
	}

	if ce.CreatedAt.Before(s.createdAt) {
		s.createdAt = ce.CreatedAt
	}
	if ce.CreatedAt.After(s.lastActive) {
		s.lastActive = ce.CreatedAt
	}
}

func (c *catalog) remove(id uint64) (catalogEntry, bool) {
	c.Lock()
	defer c.Unlock()

	ce, ok := c.entries[id]
	if !ok {
		return catalogEntry{}, false
	}
	delete(c.entries, id)

	if s, ok := c.sessions[ce.SessionID]; ok {
		i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
		if i < len(s.ids) && s.ids[i] == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
		}
	}
	return *ce, true
}

func (c *catalog) get(id uint64) (catalogEntry, bool) {
	c.RLock()
	defer c.RUnlock()

	ce, ok := c.entries[id]
	if !ok {
		return catalogEntry{}, false
	}
	return *ce, true
}

func (c *catalog) setState(id uint64, state MigrationState, now time.Time) {
	c.Lock()
	defer c.Unlock()

	if ce, ok := c.entries[id]; ok {
		ce.State = state
		ce.StateSince = now
	}
}

// moved records a confirmed transition to tier. Access stats are carried
// from the copy that was migrated.
func (c *catalog) moved(e *entry.Entry, tier entry.Tier, state MigrationState, now time.Time) {
	c.Lock()
	defer c.Unlock()

	ce, ok := c.entries[e.ID]
	if !ok {
		return
	}
	ce.Tier = tier
	ce.State = state
	ce.StateSince = now
	if e.LastAccessedAt.After(ce.LastAccessedAt) {
		ce.LastAccessedAt = e.LastAccessedAt
	}
	if e.AccessCount > ce.AccessCount {
		ce.AccessCount = e.AccessCount
	}
}

func (c *catalog) setPosition(id uint64, pos wal.Position) {
	c.Lock()
	defer c.Unlock()

	if ce, ok := c.entries[id]; ok {
		ce.Position = pos
	}
}

// touch counts a read served from the warm or cold tier and returns the
// updated stats.
func (c *catalog) touch(id uint64, now time.Time) (time.Time, uint64, bool) {
	c.Lock()
	defer c.Unlock()

	ce, ok := c.entries[id]
	if !ok {
		return time.Time{}, 0, false
	}
	ce.LastAccessedAt = now
	ce.AccessCount++
	return ce.LastAccessedAt, ce.AccessCount, true
}

// sessionEntries snapshots the metadata of a session in insertion order.
func (c *catalog) sessionEntries(id string) ([]catalogEntry, bool) {
	c.RLock()
	defer c.RUnlock()

	s, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	out := make([]catalogEntry, 0, len(s.ids))
	for _, eid := range s.ids {
		if ce, ok := c.entries[eid]; ok {
			out = append(out, *ce)
		}
	}
	return out, true
}

func (c *catalog) touchSession(id string, now time.Time) {
	c.Lock()
	defer c.Unlock()

	if s, ok := c.sessions[id]; ok && now.After(s.lastActive) {
		s.lastActive = now
	}
}

// sessionList returns all sessions, oldest first.
func (c *catalog) sessionList() []Session {
	c.RLock()
	defer c.RUnlock()

	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, Session{
			ID:         s.id,
			CreatedAt:  s.createdAt,
			LastActive: s.lastActive,
			Entries:    len(s.ids),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// forEach visits every entry under the read lock. fn must not call back
// into the catalog.
func (c *catalog) forEach(fn func(ce *catalogEntry)) {
	c.RLock()
	defer c.RUnlock()

	for _, ce := range c.entries {
		fn(ce)
	}
}

func (c *catalog) maxID() uint64 {
	c.RLock()
	defer c.RUnlock()

	var max uint64
	for id := range c.entries {
		if id > max {
			max = id
		}
	}
	return max
}

// reclaimBefore marks cold entries whose WAL records all lie before pos as
// fully reclaimed.
func (c *catalog) reclaimBefore(pos wal.Position, now time.Time) int {
	c.Lock()
	defer c.Unlock()

	n := 0
	for _, ce := range c.entries {
		if ce.State == MigrationConfirmedCold && ce.Position < pos {
			ce.State = MigrationReclaimed
			ce.StateSince = now
			ce.Position = 0
			n++
		}
	}
	return n
}
