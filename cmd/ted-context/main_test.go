//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *bytes.Buffer {
	t.Setenv("TED_CONTEXT_TOKEN_ENCODING", "heuristic")
	opts = Options{DataPath: t.TempDir(), LogLevel: "error"}

	var buf bytes.Buffer
	stdout = &buf
	return &buf
}

func TestRecordThenRecall(t *testing.T) {
	out := setup(t)

	rec := &recordCommand{Session: "s", Role: "assistant", Priority: "critical"}
	rec.Args.Content = "hello there"
	require.NoError(t, rec.Execute(nil))

	var stored entryView
	require.NoError(t, json.NewDecoder(out).Decode(&stored))
	assert.Equal(t, "s", stored.SessionID)
	assert.Equal(t, "assistant", stored.Role)
	assert.Equal(t, "critical", stored.Priority)
	assert.Equal(t, "hot", stored.Tier)

	require.NoError(t, (&recallCommand{Session: "s", Budget: 100}).Execute(nil))
	var recalled recallView
	require.NoError(t, json.NewDecoder(out).Decode(&recalled))
	require.Len(t, recalled.Entries, 1)
	assert.Equal(t, "hello there", recalled.Entries[0].Content)
	assert.Equal(t, stored.TokenCount, recalled.TotalTokens)

	require.NoError(t, (&sessionsCommand{}).Execute(nil))
	var session struct {
		ID      string `json:"id"`
		Entries int    `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(out).Decode(&session))
	assert.Equal(t, "s", session.ID)
	assert.Equal(t, 1, session.Entries)
}

func TestRecordRejectsUnknownPriority(t *testing.T) {
	setup(t)

	rec := &recordCommand{Session: "s", Role: "user", Priority: "urgent"}
	rec.Args.Content = "x"
	assert.Error(t, rec.Execute(nil))
}

func TestReplayHidesContentByDefault(t *testing.T) {
	out := setup(t)

	rec := &recordCommand{Session: "s", Role: "user", Priority: "low"}
	rec.Args.Content = "secret"
	require.NoError(t, rec.Execute(nil))
	out.Reset()

	require.NoError(t, (&replayCommand{}).Execute(nil))
	var first recordView
	require.NoError(t, json.NewDecoder(out).Decode(&first))
	assert.Equal(t, "put", first.Type)
	require.NotNil(t, first.Entry)
	assert.Empty(t, first.Entry.Content)
}
