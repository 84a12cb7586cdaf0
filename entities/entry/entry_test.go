//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package entry

import (
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleToolResult, RoleSystemNote} {
		parsed, err := ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}

	parsed, err := ParseRole(" Tool ")
	require.NoError(t, err)
	assert.Equal(t, RoleToolResult, parsed)

	_, err = ParseRole("robot")
	assert.Error(t, err)
	assert.False(t, Role(0).Valid())
}

func TestPriorityOrder(t *testing.T) {
	assert.Less(t, PriorityLow, PriorityNormal)
	assert.Less(t, PriorityNormal, PriorityHigh)
	assert.Less(t, PriorityHigh, PriorityCritical)

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	e := &Entry{SessionID: "s", Role: RoleUser, Priority: PriorityLow}
	assert.NoError(t, e.Validate())

	bad := e.Clone()
	bad.SessionID = ""
	assert.Error(t, bad.Validate())

	bad = e.Clone()
	bad.Priority = 0
	assert.Error(t, bad.Validate())

	bad = e.Clone()
	bad.TokenCount = -1
	assert.Error(t, bad.Validate())
}

func TestCloneAndTouch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &Entry{ID: 1, Content: "a"}
	c := e.Clone()
	c.Touch(now)

	assert.Zero(t, e.AccessCount)
	assert.Equal(t, uint64(1), c.AccessCount)
	assert.Equal(t, now, c.LastAccessedAt)
	assert.Nil(t, (*Entry)(nil).Clone())
}

func TestTruncateContent(t *testing.T) {
	short, truncated := TruncateContent("hello", 10)
	assert.False(t, truncated)
	assert.Equal(t, "hello", short)

	long := strings.Repeat("a", 1000)
	out, truncated := TruncateContent(long, 100)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(out), 100)
	assert.True(t, strings.HasSuffix(out, "bytes]"))

	kept := strings.Index(out, "\n[... truncated")
	require.Positive(t, kept)
	assert.Contains(t, out, "truncated "+strconv.Itoa(1000-kept)+" bytes")
}

func TestTruncateContentKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("é", 200)
	for max := 30; max < 60; max++ {
		out, truncated := TruncateContent(long, max)
		require.True(t, truncated)
		assert.True(t, utf8.ValidString(out), "max %d", max)
		assert.LessOrEqual(t, len(out), max)
	}
}

