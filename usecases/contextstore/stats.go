//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package contextstore

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tedcli/ted-context/entities/entry"
)

type TierStats struct {
	Entries int `json:"entries"`
	Tokens  int `json:"tokens"`
}

type Stats struct {
	// SessionID is empty for the store-wide aggregate.
	SessionID      string               `json:"session_id,omitempty"`
	Tiers          map[string]TierStats `json:"tiers"`
	EntryCount     int                  `json:"entry_count"`
	TotalTokens    int                  `json:"total_tokens"`
	OldestEntryAge time.Duration        `json:"oldest_entry_age"`
	Sessions       int                  `json:"sessions"`
	WALSegments    int                  `json:"wal_segments"`
	ColdArchives   int                  `json:"cold_archives"`
	Health         Health               `json:"health"`
}

// Stats summarises one session, or every session when sessionID is empty.
func (m *Manager) Stats(sessionID string) (Stats, error) {
	if m.closed.Load() {
		return Stats{}, ErrClosed
	}

	out := Stats{
		SessionID:    sessionID,
		Tiers:        make(map[string]TierStats, len(entry.Tiers)),
		WALSegments:  m.wal.SegmentCount(),
		ColdArchives: m.cold.Archives(),
		Health:       m.Health(),
	}
	for _, t := range entry.Tiers {
		out.Tiers[t.String()] = TierStats{}
	}

	var oldest time.Time
	add := func(ce *catalogEntry) {
		ts := out.Tiers[ce.Tier.String()]
		ts.Entries++
		ts.Tokens += ce.TokenCount
		out.Tiers[ce.Tier.String()] = ts

		out.EntryCount++
		out.TotalTokens += ce.TokenCount
		if oldest.IsZero() || ce.CreatedAt.Before(oldest) {
			oldest = ce.CreatedAt
		}
	}

	if sessionID == "" {
		m.catalog.forEach(add)
		out.Sessions = len(m.catalog.sessionList())
	} else {
		metas, ok := m.catalog.sessionEntries(sessionID)
		if !ok {
			return Stats{}, errors.Wrapf(ErrUnknownSession, "stats %q", sessionID)
		}
		for i := range metas {
			add(&metas[i])
		}
		out.Sessions = 1
	}

	if !oldest.IsZero() {
		out.OldestEntryAge = m.now().Sub(oldest)
	}
	return out, nil
}
