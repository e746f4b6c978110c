// Package ratelimit throttles failed password attempts against locked rooms.
// Attempts are keyed by (client address, room ID); crossing the threshold
// blocks that pair for a fixed window. A successful join resets the pair.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"velostream/internal/observability/metrics"
)

const (
	DefaultMaxAttempts   = 5
	DefaultBlockDuration = 3 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Config tunes a limiter. Zero values fall back to the defaults above.
type Config struct {
	MaxAttempts   int
	BlockDuration time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Outcome reports the limiter's verdict after a failed attempt.
type Outcome struct {
	Blocked           bool
	RemainingAttempts int
	RetryAfter        time.Duration
}

// Limiter is the password-attempt throttle consulted by the orchestrator.
type Limiter interface {
	// IsBlocked reports whether the pair is currently blocked and, if so,
	// how long until the block lifts.
	IsBlocked(addr, roomID string) (bool, time.Duration)
	// RecordFailure registers a failed password attempt.
	RecordFailure(addr, roomID string) Outcome
	// Reset clears the pair's attempt history after a successful join.
	Reset(addr, roomID string)
}

type key struct {
	addr   string
	roomID string
}

type record struct {
	attempts     int
	lastFailure  time.Time
	blockedUntil time.Time
}

// Memory is the in-process Limiter implementation.
type Memory struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu      sync.Mutex
	records map[key]*record
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// MemoryOption tunes Memory construction.
type MemoryOption func(*Memory)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRecorder publishes block counts to the provided recorder.
func WithRecorder(recorder *metrics.Recorder) MemoryOption {
	return func(m *Memory) {
		m.recorder = recorder
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory constructs an in-memory limiter. Call StartSweep to enable
// background cleanup of stale records.
func NewMemory(cfg Config, opts ...MemoryOption) *Memory {
	m := &Memory{
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		records: make(map[key]*record),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) IsBlocked(addr, roomID string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{addr: addr, roomID: roomID}
	rec, ok := m.records[k]
	if !ok {
		return false, 0
	}
	now := m.now()
	if rec.blockedUntil.After(now) {
		return true, rec.blockedUntil.Sub(now)
	}
	if !rec.blockedUntil.IsZero() {
		// The block lapsed; the pair starts over.
		delete(m.records, k)
	}
	return false, 0
}

func (m *Memory) RecordFailure(addr, roomID string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{addr: addr, roomID: roomID}
	now := m.now()
	rec, ok := m.records[k]
	if ok && rec.blockedUntil.After(now) {
		return Outcome{Blocked: true, RetryAfter: rec.blockedUntil.Sub(now)}
	}
	if !ok || (!rec.blockedUntil.IsZero() && !rec.blockedUntil.After(now)) {
		rec = &record{}
		m.records[k] = rec
	}

	rec.attempts++
	rec.lastFailure = now
	if rec.attempts >= m.cfg.MaxAttempts {
		rec.blockedUntil = now.Add(m.cfg.BlockDuration)
		if m.recorder != nil {
			m.recorder.LimiterBlocked()
		}
		m.logger.Warn("password attempts exhausted",
			"addr", addr,
			"room_id", roomID,
			"retry_after", m.cfg.BlockDuration)
		return Outcome{Blocked: true, RetryAfter: m.cfg.BlockDuration}
	}
	return Outcome{RemainingAttempts: m.cfg.MaxAttempts - rec.attempts}
}

func (m *Memory) Reset(addr, roomID string) {
	m.mu.Lock()
	delete(m.records, key{addr: addr, roomID: roomID})
	m.mu.Unlock()
}

// Size reports the number of tracked pairs, for tests and health reporting.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// StartSweep launches the background cleanup loop.
func (m *Memory) StartSweep() {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, rec := range m.records {
		expiredBlock := !rec.blockedUntil.IsZero() && !rec.blockedUntil.After(now)
		staleAttempts := rec.blockedUntil.IsZero() && now.Sub(rec.lastFailure) > m.cfg.BlockDuration
		if expiredBlock || staleAttempts {
			delete(m.records, k)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("rate limiter sweep", "removed", removed, "remaining", len(m.records))
	}
}

var _ Limiter = (*Memory)(nil)
