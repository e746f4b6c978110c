// Package room coordinates session lifecycle: it places rooms on media
// workers, admits and evicts members, enforces password and capacity rules,
// and tears everything down when a room dies. All media-engine calls happen
// with the orchestrator lock released; state is re-validated afterwards
// because a room can close while an engine call is in flight.
package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"velostream/internal/directory"
	"velostream/internal/media"
	"velostream/internal/models"
	"velostream/internal/observability/metrics"
	"velostream/internal/pool"
	"velostream/internal/ratelimit"
)

// Role distinguishes the room owner from everyone else.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// Config tunes the orchestrator. Zero values fall back to the defaults.
type Config struct {
	// MaxRooms caps concurrently live rooms on this instance.
	MaxRooms int
	// DefaultMaxUsers applies when a room is created without a capacity.
	DefaultMaxUsers int
	// MinRoomUsers and MaxRoomUsers bound the per-room capacity setting.
	MinRoomUsers int
	MaxRoomUsers int
	// NameMinLength and NameMaxLength bound the room name after
	// normalization.
	NameMinLength int
	NameMaxLength int
	// PasswordMinLength and PasswordMaxLength bound non-empty passwords.
	PasswordMinLength int
	PasswordMaxLength int
	// BridgeThreshold is the viewer count beyond which new viewers are
	// placed on bridged routers on other workers.
	BridgeThreshold int
	// AdminGrace is how long a room survives after its admin disconnects.
	AdminGrace time.Duration
	// OrphanWindow is how long a created room waits for its admin's first
	// join before closing.
	OrphanWindow time.Duration
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		MaxRooms:          50,
		DefaultMaxUsers:   100,
		MinRoomUsers:      2,
		MaxRoomUsers:      1000,
		NameMinLength:     3,
		NameMaxLength:     50,
		PasswordMinLength: 4,
		PasswordMaxLength: 64,
		BridgeThreshold:   100,
		AdminGrace:        5 * time.Second,
		OrphanWindow:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRooms <= 0 {
		c.MaxRooms = def.MaxRooms
	}
	if c.DefaultMaxUsers <= 0 {
		c.DefaultMaxUsers = def.DefaultMaxUsers
	}
	if c.MinRoomUsers <= 0 {
		c.MinRoomUsers = def.MinRoomUsers
	}
	if c.MaxRoomUsers <= 0 {
		c.MaxRoomUsers = def.MaxRoomUsers
	}
	if c.NameMinLength <= 0 {
		c.NameMinLength = def.NameMinLength
	}
	if c.NameMaxLength <= 0 {
		c.NameMaxLength = def.NameMaxLength
	}
	if c.PasswordMinLength <= 0 {
		c.PasswordMinLength = def.PasswordMinLength
	}
	if c.PasswordMaxLength <= 0 {
		c.PasswordMaxLength = def.PasswordMaxLength
	}
	if c.BridgeThreshold <= 0 {
		c.BridgeThreshold = def.BridgeThreshold
	}
	if c.AdminGrace <= 0 {
		c.AdminGrace = def.AdminGrace
	}
	if c.OrphanWindow <= 0 {
		c.OrphanWindow = def.OrphanWindow
	}
	return c
}

type membership struct {
	roomID string
	role   Role
}

type producerEntry struct {
	producer    media.Producer
	kind        media.Kind
	ownerConnID string
	workerIndex int
}

type consumerEntry struct {
	consumer    media.Consumer
	connID      string
	workerIndex int
}

type transportEntry struct {
	transport   media.Transport
	workerIndex int
}

type bridgeEntry struct {
	bridge media.Bridge
	router media.Router
}

type roomState struct {
	id          string
	workerIndex int
	router      media.Router
	adminJoined bool
	isStreaming bool
	closed      bool

	producers  map[string]*producerEntry
	consumers  map[string]*consumerEntry
	transports map[string]*transportEntry
	// bridges maps target worker index to the bridge and the remote
	// router carrying this room's media on that worker.
	bridges map[int]*bridgeEntry
}

func newRoomState(id string, workerIndex int, router media.Router) *roomState {
	return &roomState{
		id:          id,
		workerIndex: workerIndex,
		router:      router,
		producers:   make(map[string]*producerEntry),
		consumers:   make(map[string]*consumerEntry),
		transports:  make(map[string]*transportEntry),
		bridges:     make(map[int]*bridgeEntry),
	}
}

// Orchestrator is the room control plane.
type Orchestrator struct {
	cfg      Config
	store    directory.Store
	pool     *pool.Manager
	limiter  ratelimit.Limiter
	events   Events
	logger   *slog.Logger
	recorder *metrics.Recorder
	newID    func() string

	mu               sync.Mutex
	rooms            map[string]*roomState
	members          map[string]membership
	pendingClose     map[string]*time.Timer
	pendingAdminJoin map[string]*time.Timer
}

// OrchestratorOption tunes Orchestrator construction.
type OrchestratorOption func(*Orchestrator)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEvents registers the notification sink.
func WithEvents(events Events) OrchestratorOption {
	return func(o *Orchestrator) {
		if events != nil {
			o.events = events
		}
	}
}

// WithRecorder publishes room metrics to the provided recorder.
func WithRecorder(recorder *metrics.Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.recorder = recorder
	}
}

// WithIDGenerator overrides room ID generation, for tests.
func WithIDGenerator(fn func() string) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// New constructs an Orchestrator.
func New(cfg Config, store directory.Store, workers *pool.Manager, limiter ratelimit.Limiter, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:              cfg.withDefaults(),
		store:            store,
		pool:             workers,
		limiter:          limiter,
		events:           NopEvents{},
		logger:           slog.Default(),
		newID:            uuid.NewString,
		rooms:            make(map[string]*roomState),
		members:          make(map[string]membership),
		pendingClose:     make(map[string]*time.Timer),
		pendingAdminJoin: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config exposes the effective tunables.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// SetEvents binds the notification sink after construction. The gateway and
// the orchestrator reference each other, so one of them has to be wired
// late; call this before serving traffic.
func (o *Orchestrator) SetEvents(events Events) {
	if events != nil {
		o.events = events
	}
}

func (o *Orchestrator) validateName(name string) (string, error) {
	normalized := directory.NormalizeRoomName(name)
	if len(normalized) < o.cfg.NameMinLength {
		return "", validationError("name", "too short")
	}
	if len(normalized) > o.cfg.NameMaxLength {
		return "", validationError("name", "too long")
	}
	return normalized, nil
}

func (o *Orchestrator) validatePassword(password string) error {
	if password == "" {
		return nil
	}
	if len(password) < o.cfg.PasswordMinLength {
		return validationError("password", "too short")
	}
	if len(password) > o.cfg.PasswordMaxLength {
		return validationError("password", "too long")
	}
	return nil
}

func (o *Orchestrator) validateMaxUsers(maxUsers int) (int, error) {
	if maxUsers == 0 {
		return o.cfg.DefaultMaxUsers, nil
	}
	if maxUsers < o.cfg.MinRoomUsers {
		return 0, validationError("maxUsers", "below minimum")
	}
	if maxUsers > o.cfg.MaxRoomUsers {
		return 0, validationError("maxUsers", "above maximum")
	}
	return maxUsers, nil
}

// memberCountLocked derives the member count by scanning memberships, so the
// count can never drift from the membership records themselves.
func (o *Orchestrator) memberCountLocked(roomID string) int {
	count := 0
	for _, m := range o.members {
		if m.roomID == roomID {
			count++
		}
	}
	return count
}

// MemberCount reports the live member count for a room.
func (o *Orchestrator) MemberCount(roomID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.memberCountLocked(roomID)
}

// Members returns the connection IDs currently in the room.
func (o *Orchestrator) Members(roomID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var conns []string
	for connID, m := range o.members {
		if m.roomID == roomID {
			conns = append(conns, connID)
		}
	}
	return conns
}

// Membership reports the room and role for a connection.
func (o *Orchestrator) Membership(connID string) (string, Role, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.members[connID]
	return m.roomID, m.role, ok
}

// RoomCount reports the number of live rooms.
func (o *Orchestrator) RoomCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rooms)
}

// ListRooms merges persisted directory rows with live membership counts.
func (o *Orchestrator) ListRooms() []models.RoomSummary {
	rows := o.store.ListRooms()

	o.mu.Lock()
	defer o.mu.Unlock()

	summaries := make([]models.RoomSummary, 0, len(rows))
	for _, row := range rows {
		state, live := o.rooms[row.ID]
		summary := models.RoomSummary{
			ID:          row.ID,
			Name:        row.Name,
			Locked:      row.Locked(),
			MaxUsers:    row.MaxUsers,
			IsStreaming: row.IsStreaming,
			CreatedAt:   row.CreatedAt,
		}
		if live {
			summary.UserCount = o.memberCountLocked(row.ID)
			summary.IsStreaming = state.isStreaming
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

func (o *Orchestrator) noticeLocked(roomID string) RoomNotice {
	notice := RoomNotice{ID: roomID}
	if row, ok := o.store.GetRoom(roomID); ok {
		notice.Name = row.Name
		notice.Locked = row.Locked()
		notice.MaxUsers = row.MaxUsers
	}
	if state, ok := o.rooms[roomID]; ok {
		notice.IsStreaming = state.isStreaming
	}
	notice.UserCount = o.memberCountLocked(roomID)
	return notice
}

func (o *Orchestrator) roomEvent(event string) {
	if o.recorder != nil {
		o.recorder.ObserveRoomEvent(event)
	}
}

// sendTransportKey and recvTransportKey name the per-connection transport
// slots.
func sendTransportKey(connID string) string { return connID + "-send" }

func recvTransportKey(connID string) string { return connID + "-recv" }

func transportKey(connID string, dir media.Direction) string {
	if dir == media.DirectionSend {
		return sendTransportKey(connID)
	}
	return recvTransportKey(connID)
}

// Close tears down every room. Used at shutdown.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.rooms))
	for id := range o.rooms {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.CloseRoom(id, "server shutting down")
	}
}
