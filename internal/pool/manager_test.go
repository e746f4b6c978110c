package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"velostream/internal/testsupport/enginestub"
)

func newTestManager(t *testing.T, engine *enginestub.Engine, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithWorkerCount(3),
		WithRestartBackoff(5 * time.Millisecond),
	}, opts...)
	manager := New(engine, opts...)
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})
	return manager
}

func TestInitSpawnsConfiguredWorkerCount(t *testing.T) {
	engine := enginestub.New()
	manager := newTestManager(t, engine)

	if got := manager.AliveWorkers(); got != 3 {
		t.Fatalf("expected 3 alive workers, got %d", got)
	}
	stats := manager.Stats()
	if len(stats) != 3 {
		t.Fatalf("expected 3 stat entries, got %d", len(stats))
	}
	for i, ws := range stats {
		if ws.Index != i {
			t.Fatalf("expected stats ordered by index, got %v", stats)
		}
		if ws.Identity == "" {
			t.Fatalf("expected worker identity populated, got %v", ws)
		}
	}
}

func TestInitFailsWhenAnySpawnFails(t *testing.T) {
	engine := enginestub.New()
	engine.SpawnErr = errors.New("boom")

	manager := New(engine, WithWorkerCount(2))
	if err := manager.Init(context.Background()); err == nil {
		t.Fatal("expected Init to fail when spawning fails")
	}
}

func TestLeastLoadedPrefersLowestIndexOnTie(t *testing.T) {
	manager := newTestManager(t, enginestub.New())

	index, err := manager.LeastLoaded()
	if err != nil {
		t.Fatalf("LeastLoaded: %v", err)
	}
	if index != 0 {
		t.Fatalf("expected tie to resolve to worker 0, got %d", index)
	}
}

func TestLeastLoadedTracksLoadCounters(t *testing.T) {
	manager := newTestManager(t, enginestub.New())

	manager.AddProducer(0)
	manager.AddConsumer(0)
	manager.AddProducer(1)

	index, err := manager.LeastLoaded()
	if err != nil {
		t.Fatalf("LeastLoaded: %v", err)
	}
	if index != 2 {
		t.Fatalf("expected idle worker 2, got %d", index)
	}

	manager.DropProducer(1)
	index, err = manager.LeastLoaded()
	if err != nil {
		t.Fatalf("LeastLoaded: %v", err)
	}
	if index != 1 {
		t.Fatalf("expected worker 1 after drop, got %d", index)
	}
}

func TestDropNeverGoesNegative(t *testing.T) {
	manager := newTestManager(t, enginestub.New())

	manager.DropConsumer(0)
	manager.DropConsumer(0)
	manager.AddConsumer(1)

	index, err := manager.LeastLoaded()
	if err != nil {
		t.Fatalf("LeastLoaded: %v", err)
	}
	if index != 0 {
		t.Fatalf("expected clamped worker 0 to stay least loaded, got %d", index)
	}

	stats := manager.Stats()
	if stats[0].Consumers != 0 {
		t.Fatalf("expected consumer counter clamped at zero, got %d", stats[0].Consumers)
	}
}

func TestCreateRouterRegistersAndReuses(t *testing.T) {
	manager := newTestManager(t, enginestub.New())

	router, err := manager.CreateRouter(context.Background(), 1, "room-a")
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}

	again, err := manager.CreateRouter(context.Background(), 1, "room-a")
	if err != nil {
		t.Fatalf("CreateRouter second call: %v", err)
	}
	if again.ID() != router.ID() {
		t.Fatalf("expected existing router reused, got %s and %s", router.ID(), again.ID())
	}

	if got, ok := manager.Router(1, "room-a"); !ok || got.ID() != router.ID() {
		t.Fatalf("expected Router lookup to return the registered router")
	}
	if _, ok := manager.Router(1, "room-b"); ok {
		t.Fatal("expected lookup miss for unknown room")
	}

	if stats := manager.Stats(); stats[1].Rooms != 1 {
		t.Fatalf("expected one router on worker 1, got %d", stats[1].Rooms)
	}
}

func TestRemoveRouterClosesAndIsIdempotent(t *testing.T) {
	engine := enginestub.New()
	manager := newTestManager(t, engine)

	if _, err := manager.CreateRouter(context.Background(), 0, "room-a"); err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}

	manager.RemoveRouter(0, "room-a")
	manager.RemoveRouter(0, "room-a")
	manager.RemoveRouter(0, "never-existed")

	if _, ok := manager.Router(0, "room-a"); ok {
		t.Fatal("expected router unregistered after removal")
	}
	if stats := manager.Stats(); stats[0].Rooms != 0 {
		t.Fatalf("expected zero routers on worker 0, got %d", stats[0].Rooms)
	}
}

func TestWorkerDeathNotifiesAndRespawns(t *testing.T) {
	engine := enginestub.New()

	var mu sync.Mutex
	var lostIndex int
	var lostRooms []string
	notified := make(chan struct{})

	manager := New(engine,
		WithWorkerCount(2),
		WithRestartBackoff(5*time.Millisecond),
		WithRoutersLostHandler(func(workerIndex int, roomIDs []string) {
			mu.Lock()
			lostIndex = workerIndex
			lostRooms = roomIDs
			mu.Unlock()
			close(notified)
		}))
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})

	if _, err := manager.CreateRouter(context.Background(), 1, "room-a"); err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	if _, err := manager.CreateRouter(context.Background(), 1, "room-b"); err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	manager.AddProducer(1)

	engine.WorkerForSlot(1).Kill(errors.New("segfault"))

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routers-lost notification")
	}

	mu.Lock()
	if lostIndex != 1 {
		t.Fatalf("expected notification for worker 1, got %d", lostIndex)
	}
	if len(lostRooms) != 2 || lostRooms[0] != "room-a" || lostRooms[1] != "room-b" {
		t.Fatalf("expected sorted lost rooms [room-a room-b], got %v", lostRooms)
	}
	mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		return manager.AliveWorkers() == 2
	})
	if got := engine.SpawnCount(1); got != 2 {
		t.Fatalf("expected slot 1 spawned twice, got %d", got)
	}

	// The replacement starts with clean state.
	stats := manager.Stats()
	if stats[1].Producers != 0 || stats[1].Rooms != 0 {
		t.Fatalf("expected fresh counters after respawn, got %+v", stats[1])
	}
	if _, ok := manager.Router(1, "room-a"); ok {
		t.Fatal("expected routers cleared after worker death")
	}
}

func TestRespawnRetriesUntilSuccess(t *testing.T) {
	engine := enginestub.New()
	manager := newTestManager(t, engine, WithWorkerCount(1))

	engine.SetSpawnErr(errors.New("engine busy"))
	engine.WorkerForSlot(0).Kill(errors.New("crash"))

	// Let a few failed attempts elapse, then allow the spawn to succeed.
	time.Sleep(30 * time.Millisecond)
	engine.SetSpawnErr(nil)

	waitFor(t, 2*time.Second, func() bool {
		return manager.AliveWorkers() == 1
	})
}

func TestCleanWorkerCloseDoesNotNotify(t *testing.T) {
	engine := enginestub.New()

	notified := make(chan struct{}, 1)
	manager := New(engine,
		WithWorkerCount(1),
		WithRestartBackoff(5*time.Millisecond),
		WithRoutersLostHandler(func(int, []string) {
			notified <- struct{}{}
		}))
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := manager.CreateRouter(context.Background(), 0, "room-a"); err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := manager.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-notified:
		t.Fatal("expected no routers-lost notification on clean shutdown")
	case <-time.After(50 * time.Millisecond):
	}
	if !engine.Closed() {
		t.Fatal("expected engine closed on shutdown")
	}
}

func TestLeastLoadedWithoutInitFails(t *testing.T) {
	manager := New(enginestub.New())
	if _, err := manager.LeastLoaded(); !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("expected ErrNoWorkers, got %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
