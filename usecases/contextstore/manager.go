//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Package contextstore is the context manager: the single entry point through
// which the agent loop records conversation turns and recalls them under a
// token budget, while a background compactor moves entries from memory to
// per-entry files to compressed archives.
package contextstore

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tedcli/ted-context/adapters/repos/tiers/cold"
	"github.com/tedcli/ted-context/adapters/repos/tiers/hot"
	"github.com/tedcli/ted-context/adapters/repos/tiers/warm"
	"github.com/tedcli/ted-context/adapters/repos/tiers/wal"
	"github.com/tedcli/ted-context/entities/diskio"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/entities/errorcompounder"
	enterrors "github.com/tedcli/ted-context/entities/errors"
	"github.com/tedcli/ted-context/entities/locks"
	"github.com/tedcli/ted-context/usecases/config"
	"github.com/tedcli/ted-context/usecases/monitoring"
	"github.com/tedcli/ted-context/usecases/tokens"
)

const nextIDFile = "next_id"

var (
	ErrClosed         = errors.New("context manager is shut down")
	ErrUnknownSession = errors.New("unknown session")
)

type Option func(m *Manager)

func WithMetrics(pm *monitoring.PrometheusMetrics) Option {
	return func(m *Manager) { m.metrics = pm }
}

func WithTokenCounter(c tokens.Counter) Option {
	return func(m *Manager) { m.counter = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithScore(score hot.ScoreFunc) Option {
	return func(m *Manager) { m.score = score }
}

// WithoutAutoCompaction disables the timer and the eviction and pressure
// signals. Sweeps then only run through Compact.
func WithoutAutoCompaction() Option {
	return func(m *Manager) { m.manualCompaction = true }
}

type Manager struct {
	cfg     config.Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
	counter tokens.Counter
	now     func() time.Time
	score   hot.ScoreFunc

	wal  *wal.Log
	hot  *hot.Tier
	warm *warm.Store
	cold *cold.Store

	catalog  *catalog
	health   *healthState
	feed     *feed
	removals *removals

	// admission is held shared by every operation that appends to the WAL
	// and exclusively while the safe truncation position is computed
	admission   sync.RWMutex
	transitions *locks.ShardedLocks

	// held across id allocation and the WAL append, so ids follow log order
	sequence  sync.Mutex
	nextID    atomic.Uint64
	idMarkMux sync.Mutex
	idMark    uint64

	manualCompaction bool
	compactor        *compactor
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	closed           atomic.Bool
}

// New opens all tiers below cfg.DataPath, reconciles them after a possible
// crash and starts the background compactor.
func New(ctx context.Context, cfg config.Config, logger logrus.FieldLogger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		logger:      logger.WithField("component", "contextstore"),
		now:         time.Now,
		catalog:     newCatalog(),
		health:      newHealthState(),
		removals:    newRemovals(),
		transitions: locks.NewDefaultShardedLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.counter == nil {
		m.counter = tokens.New(cfg.Entries.TokenEncoding, logger)
	}
	if m.score == nil {
		m.score = hot.WeightedScore{
			RecencyWeight:   cfg.Hot.RecencyWeight,
			FrequencyWeight: cfg.Hot.FrequencyWeight,
			PriorityWeight:  cfg.Hot.PriorityWeight,
			RecencyHalfLife: cfg.Hot.RecencyHalfLife,
		}.Score
	}
	m.feed = newFeed(m.metrics)

	if err := os.MkdirAll(cfg.DataPath, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create data path %q", cfg.DataPath)
	}

	var err error
	m.wal, err = wal.Open(filepath.Join(cfg.DataPath, "wal"), wal.Options{
		MaxSegmentBytes: cfg.WAL.MaxSegmentBytes,
		Logger:          logger,
		Metrics:         m.metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}

	m.warm, err = warm.Open(filepath.Join(cfg.DataPath, "warm"), warm.Options{
		Logger: logger,
		Now:    m.now,
	})
	if err != nil {
		m.wal.Close()
		return nil, errors.Wrap(err, "open warm tier")
	}

	m.cold, err = cold.Open(filepath.Join(cfg.DataPath, "cold"), cold.Options{
		Logger:            logger,
		Metrics:           m.metrics,
		Now:               m.now,
		FalsePositiveRate: cfg.Cold.BloomFalsePositiveRate,
	})
	if err != nil {
		m.wal.Close()
		return nil, errors.Wrap(err, "open cold tier")
	}

	m.hot = hot.New(hot.Options{
		MaxEntries: cfg.Hot.MaxEntries,
		MaxBytes:   cfg.Hot.MaxBytes,
		Score:      m.score,
		Now:        m.now,
	})

	if err := m.recover(ctx); err != nil {
		m.wal.Close()
		m.cold.Close()
		return nil, errors.Wrap(err, "recover context store")
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.compactor = newCompactor(m)

	m.wg.Add(2)
	enterrors.GoWrapper(func() {
		defer m.wg.Done()
		m.compactor.run(bgCtx)
	}, m.logger)
	enterrors.GoWrapper(func() {
		defer m.wg.Done()
		m.consumeReports(bgCtx)
	}, m.logger)

	m.logger.WithField("action", "contextstore_startup").
		WithField("data_path", cfg.DataPath).
		WithField("next_id", m.nextID.Load()).
		Info("context store ready")

	return m, nil
}

func (m *Manager) consumeReports(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.compactor.reports:
			m.health.apply(r)
		}
	}
}

// Record durably appends one turn to the session and returns the stored
// entry. A nil error means the entry is on disk.
func (m *Manager) Record(ctx context.Context, sessionID string, role entry.Role,
	content string, priority entry.Priority,
) (*entry.Entry, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("record: empty session id")
	}
	if !role.Valid() {
		return nil, errors.Errorf("record: invalid role %d", role)
	}
	if !priority.Valid() {
		return nil, errors.Errorf("record: invalid priority %d", priority)
	}

	start := time.Now()
	defer m.metrics.TrackRecord(start)

	content, truncated := entry.TruncateContent(content, m.cfg.Entries.MaxBytes)
	if truncated {
		m.logger.WithField("action", "record_truncate").
			WithField("session_id", sessionID).
			WithField("max_bytes", m.cfg.Entries.MaxBytes).
			Warn("entry content exceeds limit and was truncated")
	}

	now := m.now()
	e := &entry.Entry{
		SessionID:      sessionID,
		Role:           role,
		Content:        content,
		Priority:       priority,
		TokenCount:     m.counter.Count(content),
		CreatedAt:      now,
		LastAccessedAt: now,
		Tier:           entry.TierHot,
		Truncated:      truncated,
	}

	m.admission.RLock()
	m.sequence.Lock()
	e.ID = m.nextID.Add(1) - 1
	pos, err := m.wal.Append(e)
	m.sequence.Unlock()
	if err != nil {
		m.admission.RUnlock()
		m.logger.WithField("action", "record_wal_append").
			WithField("session_id", sessionID).
			WithError(err).
			Error("entry was not saved")
		return nil, errors.Wrap(err, "record entry")
	}
	overCap := m.hot.Insert(e, pos)
	m.catalog.add(&catalogEntry{
		ID:             e.ID,
		SessionID:      e.SessionID,
		Role:           e.Role,
		Priority:       e.Priority,
		TokenCount:     e.TokenCount,
		CreatedAt:      e.CreatedAt,
		Tier:           entry.TierHot,
		State:          MigrationPending,
		StateSince:     now,
		Position:       pos,
		LastAccessedAt: now,
	})
	m.admission.RUnlock()

	m.metrics.AddEntry(entry.TierHot.String(), e.TokenCount)
	m.feed.publish(e)

	if overCap {
		m.signal(requestEvict)
	}
	if m.wal.SegmentCount() > m.cfg.WAL.PressureSegments {
		m.signal(requestPressure)
	}

	return e, nil
}

func (m *Manager) signal(kind requestKind) {
	if m.manualCompaction {
		return
	}
	m.compactor.notify(kind)
}

// CreateSession registers a new, empty session with a random id.
func (m *Manager) CreateSession() (Session, error) {
	if m.closed.Load() {
		return Session{}, ErrClosed
	}

	id := uuid.NewString()
	now := m.now()
	m.catalog.ensureSession(id, now)
	return Session{ID: id, CreatedAt: now, LastActive: now}, nil
}

// Sessions lists known sessions, oldest first. Sessions without entries are
// not persisted and disappear on restart.
func (m *Manager) Sessions() []Session {
	return m.catalog.sessionList()
}

// Compact runs one full sweep synchronously and returns its report.
func (m *Manager) Compact(ctx context.Context) (HealthReport, error) {
	if m.closed.Load() {
		return HealthReport{}, ErrClosed
	}
	r, err := m.compactor.sweepNow(ctx)
	if !r.StartedAt.IsZero() {
		// the report also reaches consumeReports; apply is idempotent
		m.health.apply(r)
	}
	return r, err
}

func (m *Manager) Health() Health {
	threshold := m.cfg.Compaction.StuckInFlightThreshold
	now := m.now()
	stuck := 0
	if threshold > 0 {
		m.catalog.forEach(func(ce *catalogEntry) {
			if ce.State.InFlight() && now.Sub(ce.StateSince) > threshold {
				stuck++
			}
		})
	}
	return m.health.snapshot(stuck)
}

// Replay exposes the raw WAL records for inspection tools.
func (m *Manager) Replay() iter.Seq2[wal.Record, error] {
	return m.wal.Replay()
}

// Shutdown stops the compactor, waits for in-flight appends and closes all
// tiers. Further calls return ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	m.cancel()
	done := make(chan struct{})
	enterrors.GoWrapper(func() {
		m.wg.Wait()
		close(done)
	}, m.logger)

	ec := errorcompounder.New()
	select {
	case <-done:
	case <-ctx.Done():
		ec.AddWrapf(ctx.Err(), "wait for compactor")
	}

	// wait for appends that passed the closed check
	m.admission.Lock()
	defer m.admission.Unlock()

	m.feed.close()
	if err := m.persistNextID(); err != nil {
		ec.AddWrapf(err, "persist next id")
	}
	if err := m.wal.Close(); err != nil {
		ec.AddWrapf(err, "close wal")
	}
	if err := m.cold.Close(); err != nil {
		ec.AddWrapf(err, "close cold tier")
	}

	m.logger.WithField("action", "contextstore_shutdown").Info("context store closed")
	return ec.ToError()
}

// persistNextID stores a lower bound for future ids, so that ids of pruned
// entries are not handed out again once their WAL records are gone.
func (m *Manager) persistNextID() error {
	m.idMarkMux.Lock()
	defer m.idMarkMux.Unlock()

	next := m.nextID.Load()
	if next == m.idMark {
		return nil
	}
	path := filepath.Join(m.cfg.DataPath, nextIDFile)
	if err := diskio.WriteFileAtomic(path, []byte(strconv.FormatUint(next, 10)+"\n"), 0o600); err != nil {
		return errors.Wrapf(err, "write %q", path)
	}
	m.idMark = next
	return nil
}

func (m *Manager) loadNextID() (uint64, error) {
	path := filepath.Join(m.cfg.DataPath, nextIDFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read %q", path)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %q", path)
	}
	return v, nil
}
