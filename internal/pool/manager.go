// Package pool owns the media worker fleet. It spawns one worker per slot at
// startup, tracks a load counter per worker so rooms can be placed on the
// least loaded one, and restarts workers that terminate unexpectedly.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"velostream/internal/media"
	"velostream/internal/models"
	"velostream/internal/observability/metrics"
)

const defaultRestartBackoff = 2 * time.Second

// ErrNoWorkers is returned when the pool has not been initialized or every
// slot is vacant (worker crashed and not yet respawned).
var ErrNoWorkers = errors.New("no media workers available")

// RoutersLostFunc is invoked when a worker terminates unexpectedly. It
// receives the slot index and the IDs of the rooms whose routers died with
// the worker. The callback runs on the watcher goroutine; implementations
// must not call back into the Manager while holding their own locks.
type RoutersLostFunc func(workerIndex int, roomIDs []string)

type slot struct {
	index     int
	worker    media.Worker
	producers int
	consumers int
	routers   map[string]media.Router
	// generation increments on every respawn so a stale watcher exit
	// cannot clobber the replacement worker's state.
	generation uint64
}

func (s *slot) load() int {
	return s.producers + s.consumers
}

// Manager spawns and supervises the worker fleet.
type Manager struct {
	engine         media.Engine
	logger         *slog.Logger
	recorder       *metrics.Recorder
	workerCount    int
	restartBackoff time.Duration
	onRoutersLost  RoutersLostFunc

	mu      sync.Mutex
	slots   []*slot
	started bool

	closed  chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

// Option tunes Manager construction.
type Option func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithWorkerCount overrides the number of workers spawned at Init. The
// default is runtime.NumCPU().
func WithWorkerCount(count int) Option {
	return func(m *Manager) {
		if count > 0 {
			m.workerCount = count
		}
	}
}

// WithRestartBackoff overrides the delay before respawning a crashed worker.
func WithRestartBackoff(backoff time.Duration) Option {
	return func(m *Manager) {
		if backoff > 0 {
			m.restartBackoff = backoff
		}
	}
}

// WithRecorder publishes worker load gauges to the provided recorder.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(m *Manager) {
		m.recorder = recorder
	}
}

// WithRoutersLostHandler registers the callback fired when a worker dies.
func WithRoutersLostHandler(fn RoutersLostFunc) Option {
	return func(m *Manager) {
		m.onRoutersLost = fn
	}
}

// New constructs an uninitialized Manager. Call Init before use.
func New(engine media.Engine, opts ...Option) *Manager {
	m := &Manager{
		engine:         engine,
		logger:         slog.Default(),
		workerCount:    runtime.NumCPU(),
		restartBackoff: defaultRestartBackoff,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init spawns the full worker fleet. Any spawn failure is fatal: a pool that
// comes up partial would silently run degraded, so the caller should abort
// startup instead.
func (m *Manager) Init(ctx context.Context) error {
	if m.engine == nil {
		return errors.New("media engine required")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("pool already initialized")
	}
	m.started = true
	m.slots = make([]*slot, m.workerCount)
	m.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < m.workerCount; i++ {
		index := i
		group.Go(func() error {
			worker, err := m.engine.SpawnWorker(groupCtx, index)
			if err != nil {
				return fmt.Errorf("spawn worker %d: %w", index, err)
			}
			m.mu.Lock()
			m.slots[index] = &slot{
				index:   index,
				worker:  worker,
				routers: make(map[string]media.Router),
			}
			m.mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		m.teardownPartial()
		return err
	}

	m.mu.Lock()
	for _, s := range m.slots {
		m.watchSlot(s)
		m.publishLoadLocked(s)
	}
	m.mu.Unlock()

	m.logger.Info("worker pool ready", "workers", m.workerCount)
	return nil
}

func (m *Manager) teardownPartial() {
	m.mu.Lock()
	spawned := make([]media.Worker, 0, len(m.slots))
	for _, s := range m.slots {
		if s != nil && s.worker != nil {
			spawned = append(spawned, s.worker)
		}
	}
	m.slots = nil
	m.started = false
	m.mu.Unlock()

	for _, worker := range spawned {
		if err := worker.Close(); err != nil {
			m.logger.Warn("close worker during teardown", "error", err)
		}
	}
}

// WorkerCount reports the configured fleet size.
func (m *Manager) WorkerCount() int {
	return m.workerCount
}

// LeastLoaded returns the index of the worker with the fewest media objects.
// Ties resolve to the lowest index so placement stays deterministic.
func (m *Manager) LeastLoaded() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := -1
	bestLoad := 0
	for _, s := range m.slots {
		if s == nil || s.worker == nil {
			continue
		}
		if best == -1 || s.load() < bestLoad {
			best = s.index
			bestLoad = s.load()
		}
	}
	if best == -1 {
		return 0, ErrNoWorkers
	}
	return best, nil
}

// CreateRouter creates a router for roomID on the given worker and registers
// it with the slot. The engine call happens outside the pool lock; the result
// is discarded if the worker was replaced in the meantime.
func (m *Manager) CreateRouter(ctx context.Context, workerIndex int, roomID string) (media.Router, error) {
	m.mu.Lock()
	s, err := m.slotLocked(workerIndex)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if existing, ok := s.routers[roomID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	worker := s.worker
	generation := s.generation
	m.mu.Unlock()

	router, err := worker.CreateRouter(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("create router on worker %d: %w", workerIndex, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, err = m.slotLocked(workerIndex)
	if err != nil || s.generation != generation {
		// The worker died while we were creating the router.
		router.Close()
		return nil, ErrNoWorkers
	}
	s.routers[roomID] = router
	m.publishLoadLocked(s)
	return router, nil
}

// Router returns the registered router for roomID on the given worker.
func (m *Manager) Router(workerIndex int, roomID string) (media.Router, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slotLocked(workerIndex)
	if err != nil {
		return nil, false
	}
	router, ok := s.routers[roomID]
	return router, ok
}

// RemoveRouter closes and unregisters the router for roomID. Removing a
// router that does not exist is a no-op.
func (m *Manager) RemoveRouter(workerIndex int, roomID string) {
	m.mu.Lock()
	s, err := m.slotLocked(workerIndex)
	if err != nil {
		m.mu.Unlock()
		return
	}
	router, ok := s.routers[roomID]
	if ok {
		delete(s.routers, roomID)
		m.publishLoadLocked(s)
	}
	m.mu.Unlock()

	if ok {
		router.Close()
	}
}

// AddProducer and the three variants below adjust the per-worker counters
// that feed LeastLoaded. Drops are clamped at zero so double-release bugs
// cannot push a counter negative and skew placement.
func (m *Manager) AddProducer(workerIndex int) { m.adjustLoad(workerIndex, true, 1) }

func (m *Manager) DropProducer(workerIndex int) { m.adjustLoad(workerIndex, true, -1) }

func (m *Manager) AddConsumer(workerIndex int) { m.adjustLoad(workerIndex, false, 1) }

func (m *Manager) DropConsumer(workerIndex int) { m.adjustLoad(workerIndex, false, -1) }

func (m *Manager) adjustLoad(workerIndex int, producer bool, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slotLocked(workerIndex)
	if err != nil {
		return
	}
	if producer {
		s.producers += delta
		if s.producers < 0 {
			s.producers = 0
		}
	} else {
		s.consumers += delta
		if s.consumers < 0 {
			s.consumers = 0
		}
	}
	m.publishLoadLocked(s)
}

// Stats returns a load snapshot per slot, ordered by index.
func (m *Manager) Stats() []models.WorkerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]models.WorkerStats, 0, len(m.slots))
	for _, s := range m.slots {
		if s == nil {
			continue
		}
		identity := ""
		if s.worker != nil {
			identity = s.worker.Identity()
		}
		stats = append(stats, models.WorkerStats{
			Index:     s.index,
			Identity:  identity,
			Producers: s.producers,
			Consumers: s.consumers,
			Rooms:     len(s.routers),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Index < stats[j].Index })
	return stats
}

// AliveWorkers counts slots that currently hold a running worker.
func (m *Manager) AliveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	alive := 0
	for _, s := range m.slots {
		if s != nil && s.worker != nil {
			alive++
		}
	}
	return alive
}

func (m *Manager) slotLocked(workerIndex int) (*slot, error) {
	if workerIndex < 0 || workerIndex >= len(m.slots) {
		return nil, fmt.Errorf("worker index %d out of range", workerIndex)
	}
	s := m.slots[workerIndex]
	if s == nil || s.worker == nil {
		return nil, ErrNoWorkers
	}
	return s, nil
}

func (m *Manager) publishLoadLocked(s *slot) {
	if m.recorder == nil {
		return
	}
	m.recorder.SetWorkerLoad(s.index, s.producers, s.consumers, len(s.routers))
}

func (m *Manager) watchSlot(s *slot) {
	worker := s.worker
	generation := s.generation
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.closed:
			return
		case err, ok := <-worker.Terminated():
			if !ok {
				// Channel closed without an error means a clean shutdown.
				return
			}
			m.handleWorkerDeath(s.index, generation, err)
		}
	}()
}

// handleWorkerDeath clears the dead slot, notifies the routers-lost handler
// so the orchestrator can close affected rooms, then respawns the worker.
func (m *Manager) handleWorkerDeath(index int, generation uint64, cause error) {
	m.mu.Lock()
	s := m.slots[index]
	if s == nil || s.generation != generation {
		m.mu.Unlock()
		return
	}
	lostRooms := make([]string, 0, len(s.routers))
	for roomID := range s.routers {
		lostRooms = append(lostRooms, roomID)
	}
	sort.Strings(lostRooms)
	s.worker = nil
	s.routers = make(map[string]media.Router)
	s.producers = 0
	s.consumers = 0
	s.generation++
	nextGeneration := s.generation
	m.publishLoadLocked(s)
	m.mu.Unlock()

	m.logger.Error("media worker terminated",
		"worker", index,
		"lost_rooms", len(lostRooms),
		"error", cause)
	if m.recorder != nil {
		m.recorder.WorkerRestarted(index)
	}
	if m.onRoutersLost != nil && len(lostRooms) > 0 {
		m.onRoutersLost(index, lostRooms)
	}

	m.respawn(index, nextGeneration)
}

func (m *Manager) respawn(index int, generation uint64) {
	for {
		select {
		case <-m.closed:
			return
		case <-time.After(m.restartBackoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		worker, err := m.engine.SpawnWorker(ctx, index)
		cancel()
		if err != nil {
			m.logger.Error("respawn media worker", "worker", index, "error", err)
			continue
		}

		m.mu.Lock()
		s := m.slots[index]
		if s == nil || s.generation != generation {
			m.mu.Unlock()
			_ = worker.Close()
			return
		}
		s.worker = worker
		m.watchSlot(s)
		m.publishLoadLocked(s)
		m.mu.Unlock()

		m.logger.Info("media worker respawned", "worker", index, "identity", worker.Identity())
		return
	}
}

// Close stops supervision and shuts down every worker and the engine.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Do(func() {
		close(m.closed)
	})

	m.mu.Lock()
	workers := make([]media.Worker, 0, len(m.slots))
	for _, s := range m.slots {
		if s != nil && s.worker != nil {
			workers = append(workers, s.worker)
			s.worker = nil
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, worker := range workers {
		if err := worker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()

	if m.engine != nil {
		if err := m.engine.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
