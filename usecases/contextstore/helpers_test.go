//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package contextstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/usecases/config"
	"github.com/tedcli/ted-context/usecases/tokens"
)

type testClock struct {
	sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataPath = t.TempDir()
	cfg.Entries.TokenEncoding = tokens.EncodingHeuristic
	cfg.Compaction.MaxRetries = 1
	cfg.Compaction.RetryInitialInterval = time.Millisecond
	cfg.Compaction.RetryMaxInterval = 5 * time.Millisecond
	return cfg
}

// one token per byte keeps budgets readable
var byteCounter = tokens.CounterFunc(func(content string) int { return len(content) })

func openManager(t *testing.T, cfg config.Config, clock *testClock, opts ...Option) *Manager {
	t.Helper()

	logger, _ := test.NewNullLogger()
	opts = append([]Option{
		WithoutAutoCompaction(),
		WithTokenCounter(byteCounter),
		WithClock(clock.Now),
	}, opts...)

	m, err := New(context.Background(), cfg, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

// crash releases the stores without the orderly shutdown steps, the way a
// killed process would leave them.
func crash(t *testing.T, m *Manager) {
	t.Helper()

	m.closed.Store(true)
	m.cancel()
	m.wg.Wait()
	require.NoError(t, m.wal.Close())
	require.NoError(t, m.cold.Close())
}

func record(t *testing.T, m *Manager, session string, n int, p entry.Priority) *entry.Entry {
	t.Helper()

	e, err := m.Record(context.Background(), session, entry.RoleUser, strings.Repeat("x", n), p)
	require.NoError(t, err)
	return e
}

func ids(entries []*entry.Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
