package room

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"velostream/internal/directory"
	"velostream/internal/media"
	"velostream/internal/pool"
	"velostream/internal/ratelimit"
	"velostream/internal/testsupport/enginestub"
)

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) contains(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}

func (l *eventLog) RoomCreated(n RoomNotice)           { l.add("room-created %s", n.ID) }
func (l *eventLog) RoomUpdated(n RoomNotice)           { l.add("room-updated %s", n.ID) }
func (l *eventLog) RoomDeleted(roomID string)          { l.add("room-deleted %s", roomID) }
func (l *eventLog) RoomClosed(roomID, reason string)   { l.add("room-closed %s %s", roomID, reason) }
func (l *eventLog) UserJoined(roomID, connID string, count int) {
	l.add("user-joined %s %s %d", roomID, connID, count)
}
func (l *eventLog) UserLeft(roomID, connID string, count int) {
	l.add("user-left %s %s %d", roomID, connID, count)
}
func (l *eventLog) StreamStarted(roomID string) { l.add("stream-started %s", roomID) }
func (l *eventLog) StreamPaused(roomID string)  { l.add("stream-paused %s", roomID) }
func (l *eventLog) NewProducer(roomID, producerID string, kind media.Kind) {
	l.add("new-producer %s %s", roomID, kind)
}
func (l *eventLog) ProducerClosed(roomID, producerID string) {
	l.add("producer-closed %s %s", roomID, producerID)
}

type fixture struct {
	orch    *Orchestrator
	engine  *enginestub.Engine
	pool    *pool.Manager
	store   directory.Store
	limiter *ratelimit.Memory
	events  *eventLog
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	engine := enginestub.New()
	manager := pool.New(engine,
		pool.WithWorkerCount(2),
		pool.WithRestartBackoff(5*time.Millisecond))
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("pool init: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})

	store, err := directory.NewJSONStore(filepath.Join(t.TempDir(), "rooms.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	limiter := ratelimit.NewMemory(ratelimit.Config{
		MaxAttempts:   3,
		BlockDuration: time.Minute,
	})

	events := &eventLog{}
	orch := New(cfg, store, manager, limiter, WithEvents(events))
	t.Cleanup(orch.Close)

	return &fixture{
		orch:    orch,
		engine:  engine,
		pool:    manager,
		store:   store,
		limiter: limiter,
		events:  events,
	}
}

func shortTimerConfig() Config {
	cfg := DefaultConfig()
	cfg.AdminGrace = 30 * time.Millisecond
	cfg.OrphanWindow = 50 * time.Millisecond
	return cfg
}

func (f *fixture) createRoom(t *testing.T, adminConn, name, password string, maxUsers int) RoomInfo {
	t.Helper()
	info, err := f.orch.CreateRoom(context.Background(), CreateRoomParams{
		Name:        name,
		Password:    password,
		MaxUsers:    maxUsers,
		AdminConnID: adminConn,
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return info
}

func (f *fixture) join(t *testing.T, connID, addr, roomID, password string) JoinResult {
	t.Helper()
	result, err := f.orch.Join(context.Background(), connID, addr, roomID, password)
	if err != nil {
		t.Fatalf("Join %s: %v", connID, err)
	}
	return result
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

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t, shortTimerConfig())

	testCases := []struct {
		name     string
		params   CreateRoomParams
		wantErr  bool
		errField string
	}{
		{
			name:     "name too short",
			params:   CreateRoomParams{Name: "ab", AdminConnID: "c1"},
			wantErr:  true,
			errField: "name",
		},
		{
			name:     "name too long",
			params:   CreateRoomParams{Name: string(make([]byte, 60)), AdminConnID: "c1"},
			wantErr:  true,
			errField: "name",
		},
		{
			name:     "password too short",
			params:   CreateRoomParams{Name: "movie night", Password: "abc", AdminConnID: "c1"},
			wantErr:  true,
			errField: "password",
		},
		{
			name:     "max users below minimum",
			params:   CreateRoomParams{Name: "movie night", MaxUsers: 1, AdminConnID: "c1"},
			wantErr:  true,
			errField: "maxUsers",
		},
		{
			name:     "max users above maximum",
			params:   CreateRoomParams{Name: "movie night", MaxUsers: 1001, AdminConnID: "c1"},
			wantErr:  true,
			errField: "maxUsers",
		},
		{
			name:   "valid",
			params: CreateRoomParams{Name: "  movie night  ", Password: "s3cret", MaxUsers: 10, AdminConnID: "c1"},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			info, err := f.orch.CreateRoom(context.Background(), tc.params)
			if tc.wantErr {
				var invalid *ValidationError
				if !errors.As(err, &invalid) {
					t.Fatalf("expected validation error, got %v", err)
				}
				if invalid.Field != tc.errField {
					t.Fatalf("expected field %q, got %q", tc.errField, invalid.Field)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.Name != "movie night" {
				t.Fatalf("expected trimmed name, got %q", info.Name)
			}
			if !info.Locked {
				t.Fatal("expected room with password to report locked")
			}
			if len(info.Capabilities) == 0 {
				t.Fatal("expected router capabilities in creation response")
			}
		})
	}
}

func TestCreateRoomDefaultsMaxUsers(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "movie night", "", 0)
	if info.MaxUsers != f.orch.Config().DefaultMaxUsers {
		t.Fatalf("expected default capacity, got %d", info.MaxUsers)
	}
}

func TestCreateRoomServerFull(t *testing.T) {
	cfg := shortTimerConfig()
	cfg.MaxRooms = 2
	f := newFixture(t, cfg)

	f.createRoom(t, "admin-1", "room one", "", 0)
	f.createRoom(t, "admin-2", "room two", "", 0)

	_, err := f.orch.CreateRoom(context.Background(), CreateRoomParams{
		Name:        "room three",
		AdminConnID: "admin-3",
	})
	if !errors.Is(err, ErrServerFull) {
		t.Fatalf("expected ErrServerFull, got %v", err)
	}
}

func TestCreateRoomPlacesOnLeastLoadedWorker(t *testing.T) {
	f := newFixture(t, shortTimerConfig())

	f.pool.AddProducer(0)
	f.pool.AddProducer(0)

	info := f.createRoom(t, "admin-1", "busy placement", "", 0)
	if info.WorkerIndex != 1 {
		t.Fatalf("expected room on idle worker 1, got %d", info.WorkerIndex)
	}
}

func TestJoinPublicRoomIgnoresPassword(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "open room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	result := f.join(t, "viewer-1", "10.0.0.2", info.ID, "whatever")
	if result.Role != RoleViewer {
		t.Fatalf("expected viewer role, got %s", result.Role)
	}
	if result.UserCount != 2 {
		t.Fatalf("expected 2 members, got %d", result.UserCount)
	}
}

func TestJoinLockedRoomRequiresPassword(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "locked room", "s3cret", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	if _, err := f.orch.Join(context.Background(), "viewer-1", "10.0.0.2", info.ID, ""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}

	result := f.join(t, "viewer-1", "10.0.0.2", info.ID, "s3cret")
	if result.Role != RoleViewer {
		t.Fatalf("expected viewer role, got %s", result.Role)
	}
}

func TestJoinAdminSkipsPasswordCheck(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "locked room", "s3cret", 0)

	result := f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	if result.Role != RoleAdmin {
		t.Fatalf("expected admin role, got %s", result.Role)
	}
}

func TestJoinWrongPasswordCountsDownAndBlocks(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "locked room", "s3cret", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := f.orch.Join(context.Background(), "viewer-1", "10.0.0.2", info.ID, "nope")
		var wrongPassword *WrongPasswordError
		if !errors.As(err, &wrongPassword) {
			t.Fatalf("attempt %d: expected WrongPasswordError, got %v", attempt, err)
		}
		if attempt < 3 {
			if wrongPassword.Blocked {
				t.Fatalf("attempt %d: blocked too early", attempt)
			}
			if wrongPassword.RemainingAttempts != 3-attempt {
				t.Fatalf("attempt %d: expected %d remaining, got %d",
					attempt, 3-attempt, wrongPassword.RemainingAttempts)
			}
		} else if !wrongPassword.Blocked {
			t.Fatal("expected third failure to block")
		}
	}

	// Blocked pairs are rejected before the password is checked.
	_, err := f.orch.Join(context.Background(), "viewer-1", "10.0.0.2", info.ID, "s3cret")
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError while blocked, got %v", err)
	}

	// A different address is unaffected.
	f.join(t, "viewer-2", "10.0.0.3", info.ID, "s3cret")
}

func TestJoinSuccessResetsLimiter(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "locked room", "s3cret", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	f.orch.Join(context.Background(), "viewer-1", "10.0.0.2", info.ID, "nope")
	f.orch.Join(context.Background(), "viewer-1", "10.0.0.2", info.ID, "nope")
	f.join(t, "viewer-1", "10.0.0.2", info.ID, "s3cret")
	f.orch.Leave("viewer-1")

	// The counter restarted; two more failures stay unblocked.
	_, err := f.orch.Join(context.Background(), "viewer-1", "10.0.0.2", info.ID, "nope")
	var wrongPassword *WrongPasswordError
	if !errors.As(err, &wrongPassword) || wrongPassword.RemainingAttempts != 2 {
		t.Fatalf("expected fresh counter after successful join, got %v", err)
	}
}

func TestJoinCapacityLimit(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "small room", "", 8)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	for i := 1; i <= 7; i++ {
		f.join(t, fmt.Sprintf("viewer-%d", i), fmt.Sprintf("10.0.1.%d", i), info.ID, "")
	}

	_, err := f.orch.Join(context.Background(), "viewer-8", "10.0.1.8", info.ID, "")
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull for member 9 of 8, got %v", err)
	}

	// A member leaving frees a slot.
	f.orch.Leave("viewer-1")
	f.join(t, "viewer-8", "10.0.1.8", info.ID, "")
}

func TestJoinTwiceRejected(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "some room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	if _, err := f.orch.Join(context.Background(), "admin-1", "10.0.0.1", info.ID, ""); !errors.Is(err, ErrAlreadyInRoom) {
		t.Fatalf("expected ErrAlreadyInRoom, got %v", err)
	}
}

func TestMemberCountNeverDrifts(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "count room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	for i := 0; i < 5; i++ {
		f.join(t, fmt.Sprintf("viewer-%d", i), fmt.Sprintf("10.0.2.%d", i), info.ID, "")
	}
	if got := f.orch.MemberCount(info.ID); got != 6 {
		t.Fatalf("expected 6 members, got %d", got)
	}

	// Repeated leaves of the same connection only count once.
	f.orch.Leave("viewer-0")
	f.orch.Leave("viewer-0")
	f.orch.Leave("viewer-1")
	if got := f.orch.MemberCount(info.ID); got != 4 {
		t.Fatalf("expected 4 members after two leaves, got %d", got)
	}
}

func TestOrphanedRoomClosesWhenAdminNeverJoins(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "orphan room", "", 0)

	waitFor(t, time.Second, func() bool {
		return f.orch.RoomCount() == 0
	})
	if !f.events.contains("room-closed " + info.ID + " admin never joined") {
		t.Fatal("expected orphan close event")
	}
	if _, ok := f.store.GetRoom(info.ID); ok {
		t.Fatal("expected room removed from directory")
	}
}

func TestAdminJoinCancelsOrphanTimer(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "kept room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	time.Sleep(100 * time.Millisecond)
	if f.orch.RoomCount() != 1 {
		t.Fatal("expected room to survive once the admin joined")
	}
}

func TestAdminLeaveArmsGraceThenCloses(t *testing.T) {
	// The grace window must comfortably outlast the directory persist that
	// Leave performs, or the timer can fire before Leave returns.
	cfg := DefaultConfig()
	cfg.AdminGrace = 300 * time.Millisecond
	cfg.OrphanWindow = time.Minute
	f := newFixture(t, cfg)
	info := f.createRoom(t, "admin-1", "grace room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.join(t, "viewer-1", "10.0.0.2", info.ID, "")

	f.orch.Leave("admin-1")

	// Still alive inside the grace window.
	if f.orch.RoomCount() != 1 {
		t.Fatal("expected room alive during grace window")
	}

	waitFor(t, time.Second, func() bool {
		return f.orch.RoomCount() == 0
	})
	if !f.events.contains("room-closed " + info.ID + " admin did not return") {
		t.Fatal("expected grace expiry close event")
	}
	if _, _, stillMember := f.orch.Membership("viewer-1"); stillMember {
		t.Fatal("expected viewers evicted when the room closed")
	}
}

func TestAdminRejoinWithinGraceKeepsRoom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminGrace = 200 * time.Millisecond
	cfg.OrphanWindow = time.Minute
	f := newFixture(t, cfg)
	info := f.createRoom(t, "admin-1", "rejoin room", "s3cret", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.orch.Leave("admin-1")

	result, err := f.orch.AdminRejoin(context.Background(), "admin-2", "10.0.0.1", info.ID, "s3cret")
	if err != nil {
		t.Fatalf("AdminRejoin: %v", err)
	}
	if result.Role != RoleAdmin {
		t.Fatalf("expected admin role, got %s", result.Role)
	}

	row, ok := f.store.GetRoom(info.ID)
	if !ok || row.AdminConnID != "admin-2" {
		t.Fatalf("expected admin binding moved to admin-2, got %+v", row)
	}

	time.Sleep(300 * time.Millisecond)
	if f.orch.RoomCount() != 1 {
		t.Fatal("expected room to survive after admin rejoin")
	}
}

func TestAdminRejoinRequiresPasswordOnLockedRoom(t *testing.T) {
	f := newFixture(t, Config{AdminGrace: time.Minute, OrphanWindow: time.Minute})
	info := f.createRoom(t, "admin-1", "locked rejoin", "s3cret", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.orch.Leave("admin-1")

	_, err := f.orch.AdminRejoin(context.Background(), "intruder", "10.0.9.9", info.ID, "wrong")
	var wrongPassword *WrongPasswordError
	if !errors.As(err, &wrongPassword) {
		t.Fatalf("expected WrongPasswordError, got %v", err)
	}
}

func TestCloseRoomByAdmin(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	info := f.createRoom(t, "admin-1", "owner close", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.join(t, "viewer-1", "10.0.0.2", info.ID, "")

	if err := f.orch.CloseRoomByAdmin("viewer-1"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin for viewer, got %v", err)
	}
	if err := f.orch.CloseRoomByAdmin("stranger"); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom for non-member, got %v", err)
	}
	if err := f.orch.CloseRoomByAdmin("admin-1"); err != nil {
		t.Fatalf("CloseRoomByAdmin: %v", err)
	}

	if f.orch.RoomCount() != 0 {
		t.Fatalf("expected no rooms, got %d", f.orch.RoomCount())
	}
	if !f.events.contains("room-closed " + info.ID + " closed by admin") {
		t.Fatal("expected admin close event")
	}
	if _, ok := f.store.GetRoom(info.ID); ok {
		t.Fatal("expected room removed from directory")
	}
	if _, _, stillMember := f.orch.Membership("viewer-1"); stillMember {
		t.Fatal("expected viewers evicted when the admin closed the room")
	}
}

func TestCloseRoomIsIdempotent(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "close room", "", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")

	f.orch.CloseRoom(info.ID, "test")
	f.orch.CloseRoom(info.ID, "test")
	f.orch.CloseRoom("never-existed", "test")

	if f.orch.RoomCount() != 0 {
		t.Fatalf("expected no rooms, got %d", f.orch.RoomCount())
	}
	if f.engine.WorkerForSlot(0) == nil {
		t.Fatal("expected workers untouched by room close")
	}
}

func TestUpdateMaxUsers(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "resize room", "", 10)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.join(t, "viewer-1", "10.0.0.2", info.ID, "")
	f.join(t, "viewer-2", "10.0.0.3", info.ID, "")

	if err := f.orch.UpdateMaxUsers("viewer-1", 20); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin for viewer, got %v", err)
	}
	if err := f.orch.UpdateMaxUsers("admin-1", 2); err == nil {
		t.Fatal("expected rejection when cap is below current membership")
	}
	if err := f.orch.UpdateMaxUsers("admin-1", 20); err != nil {
		t.Fatalf("UpdateMaxUsers: %v", err)
	}

	row, _ := f.store.GetRoom(info.ID)
	if row.MaxUsers != 20 {
		t.Fatalf("expected persisted capacity 20, got %d", row.MaxUsers)
	}
	if !f.events.contains("room-updated " + info.ID) {
		t.Fatal("expected room-updated event")
	}
}

func TestListRoomsMergesLiveCounts(t *testing.T) {
	f := newFixture(t, shortTimerConfig())
	info := f.createRoom(t, "admin-1", "listed room", "s3cret", 0)
	f.join(t, "admin-1", "10.0.0.1", info.ID, "")
	f.join(t, "viewer-1", "10.0.0.2", info.ID, "s3cret")

	summaries := f.orch.ListRooms()
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	summary := summaries[0]
	if summary.UserCount != 2 {
		t.Fatalf("expected live count 2, got %d", summary.UserCount)
	}
	if !summary.Locked {
		t.Fatal("expected locked flag from directory row")
	}
	if summary.IsStreaming {
		t.Fatal("expected not streaming")
	}
}
