//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Package entry holds the atomic unit of stored conversation context and the
// enumerations attached to it.
package entry

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type Role uint8

const (
	RoleUser Role = iota + 1
	RoleAssistant
	RoleToolResult
	RoleSystemNote
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleToolResult:
		return "tool-result"
	case RoleSystemNote:
		return "system-note"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleSystemNote
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "tool-result", "tool_result", "tool":
		return RoleToolResult, nil
	case "system-note", "system_note", "system":
		return RoleSystemNote, nil
	default:
		return 0, errors.Errorf("unknown role %q", s)
	}
}

// Priority is ordered: a larger value is more important.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, errors.Errorf("unknown priority %q", s)
	}
}

type Tier uint8

const (
	TierHot Tier = iota + 1
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Tiers lists all tiers in lookup order.
var Tiers = []Tier{TierHot, TierWarm, TierCold}

type Entry struct {
	ID             uint64    `msgpack:"id" json:"id"`
	SessionID      string    `msgpack:"session_id" json:"session_id"`
	Role           Role      `msgpack:"role" json:"-"`
	Content        string    `msgpack:"content" json:"content"`
	Priority       Priority  `msgpack:"priority" json:"-"`
	TokenCount     int       `msgpack:"token_count" json:"token_count"`
	CreatedAt      time.Time `msgpack:"created_at" json:"created_at"`
	LastAccessedAt time.Time `msgpack:"last_accessed_at" json:"last_accessed_at"`
	AccessCount    uint64    `msgpack:"access_count" json:"access_count"`
	Tier           Tier      `msgpack:"tier" json:"-"`
	Truncated      bool      `msgpack:"truncated,omitempty" json:"truncated,omitempty"`
}

func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Size is the approximate in-memory footprint used for hot tier accounting.
func (e *Entry) Size() int {
	return len(e.Content) + len(e.SessionID) + 96
}

func (e *Entry) IsCritical() bool {
	return e.Priority == PriorityCritical
}

func (e *Entry) Validate() error {
	if e.SessionID == "" {
		return errors.New("entry without session id")
	}
	if !e.Role.Valid() {
		return errors.Errorf("invalid role %d", e.Role)
	}
	if !e.Priority.Valid() {
		return errors.Errorf("invalid priority %d", e.Priority)
	}
	if e.TokenCount < 0 {
		return errors.Errorf("negative token count %d", e.TokenCount)
	}
	return nil
}

// Touch records a read.
func (e *Entry) Touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
}

const truncationMarker = "\n[... truncated %d bytes]"

// TruncateContent cuts content down to at most max bytes including the marker
// that records how much was dropped. The cut never splits a UTF-8 sequence.
func TruncateContent(content string, max int) (string, bool) {
	if max <= 0 || len(content) <= max {
		return content, false
	}

	// the marker length depends on the dropped count, which depends on the
	// marker length; one refinement pass is enough since the count only shrinks
	keep := max - len(fmt.Sprintf(truncationMarker, len(content)))
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(content[keep]) {
		keep--
	}

	return content[:keep] + fmt.Sprintf(truncationMarker, len(content)-keep), true
}
