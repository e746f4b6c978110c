package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"velostream/internal/directory"
)

// CreateRoomParams describes a room creation request.
type CreateRoomParams struct {
	Name     string
	Password string
	MaxUsers int
	// AdminConnID is the creating connection. The room waits for this
	// connection's join for the orphan window before closing itself.
	AdminConnID string
}

// RoomInfo is returned on creation.
type RoomInfo struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Locked       bool            `json:"locked"`
	MaxUsers     int             `json:"maxUsers"`
	WorkerIndex  int             `json:"-"`
	Capabilities json.RawMessage `json:"routerRtpCapabilities"`
}

// JoinResult is returned on a successful join.
type JoinResult struct {
	RoomID       string          `json:"roomId"`
	Role         Role            `json:"role"`
	UserCount    int             `json:"userCount"`
	MaxUsers     int             `json:"maxUsers"`
	IsStreaming  bool            `json:"isStreaming"`
	Capabilities json.RawMessage `json:"routerRtpCapabilities"`
}

// CreateRoom validates the request, places the room on the least loaded
// worker, persists it, and starts the orphan timer. The creating connection
// still has to join; creation alone does not make it a member.
func (o *Orchestrator) CreateRoom(ctx context.Context, params CreateRoomParams) (RoomInfo, error) {
	name, err := o.validateName(params.Name)
	if err != nil {
		return RoomInfo{}, err
	}
	if err := o.validatePassword(params.Password); err != nil {
		return RoomInfo{}, err
	}
	maxUsers, err := o.validateMaxUsers(params.MaxUsers)
	if err != nil {
		return RoomInfo{}, err
	}

	o.mu.Lock()
	if len(o.rooms) >= o.cfg.MaxRooms {
		o.mu.Unlock()
		return RoomInfo{}, ErrServerFull
	}
	if _, already := o.members[params.AdminConnID]; already {
		o.mu.Unlock()
		return RoomInfo{}, ErrAlreadyInRoom
	}
	o.mu.Unlock()

	workerIndex, err := o.pool.LeastLoaded()
	if err != nil {
		return RoomInfo{}, fmt.Errorf("place room: %w", err)
	}
	roomID := o.newID()

	router, err := o.pool.CreateRouter(ctx, workerIndex, roomID)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("create router: %w", err)
	}

	record, err := o.store.CreateRoom(directory.CreateRoomParams{
		ID:          roomID,
		Name:        name,
		Password:    params.Password,
		AdminConnID: params.AdminConnID,
		WorkerIndex: workerIndex,
		MaxUsers:    maxUsers,
	})
	if err != nil {
		o.pool.RemoveRouter(workerIndex, roomID)
		return RoomInfo{}, fmt.Errorf("persist room: %w", err)
	}

	o.mu.Lock()
	if len(o.rooms) >= o.cfg.MaxRooms {
		// Lost the race against concurrent creations.
		o.mu.Unlock()
		o.pool.RemoveRouter(workerIndex, roomID)
		if err := o.store.DeleteRoom(roomID); err != nil {
			o.logger.Warn("delete room after capacity race", "room_id", roomID, "error", err)
		}
		return RoomInfo{}, ErrServerFull
	}
	o.rooms[roomID] = newRoomState(roomID, workerIndex, router)
	o.startOrphanTimerLocked(roomID)
	notice := o.noticeLocked(roomID)
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.RoomOpened()
	}
	o.logger.Info("room created",
		"room_id", roomID,
		"name", name,
		"worker", workerIndex,
		"locked", record.Locked(),
		"max_users", maxUsers)
	o.events.RoomCreated(notice)

	return RoomInfo{
		ID:           roomID,
		Name:         name,
		Locked:       record.Locked(),
		MaxUsers:     maxUsers,
		WorkerIndex:  workerIndex,
		Capabilities: router.Capabilities(),
	}, nil
}

// Join admits a connection into a room, enforcing the rate limiter, the
// password, and the capacity cap in that order. Public rooms ignore any
// supplied password.
func (o *Orchestrator) Join(ctx context.Context, connID, addr, roomID, password string) (JoinResult, error) {
	o.mu.Lock()
	state, ok := o.rooms[roomID]
	if !ok {
		o.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	if _, already := o.members[connID]; already {
		o.mu.Unlock()
		return JoinResult{}, ErrAlreadyInRoom
	}
	o.mu.Unlock()

	row, ok := o.store.GetRoom(roomID)
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	isAdmin := connID == row.AdminConnID

	if row.Locked() && !isAdmin {
		if blocked, retryAfter := o.limiter.IsBlocked(addr, roomID); blocked {
			return JoinResult{}, &BlockedError{RetryAfter: retryAfter}
		}
		if password == "" {
			return JoinResult{}, ErrPasswordRequired
		}
		if !o.store.VerifyPassword(roomID, password) {
			outcome := o.limiter.RecordFailure(addr, roomID)
			o.roomEvent("password rejected")
			return JoinResult{}, &WrongPasswordError{
				RemainingAttempts: outcome.RemainingAttempts,
				Blocked:           outcome.Blocked,
				RetryAfter:        outcome.RetryAfter,
			}
		}
		o.limiter.Reset(addr, roomID)
	}

	o.mu.Lock()
	state, ok = o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	if _, already := o.members[connID]; already {
		o.mu.Unlock()
		return JoinResult{}, ErrAlreadyInRoom
	}
	if o.memberCountLocked(roomID) >= row.MaxUsers {
		o.mu.Unlock()
		return JoinResult{}, ErrRoomFull
	}

	role := RoleViewer
	if isAdmin {
		role = RoleAdmin
		state.adminJoined = true
		o.cancelOrphanTimerLocked(roomID)
		o.cancelGraceTimerLocked(roomID)
	}
	o.members[connID] = membership{roomID: roomID, role: role}
	userCount := o.memberCountLocked(roomID)
	isStreaming := state.isStreaming
	capabilities := state.router.Capabilities()
	o.mu.Unlock()

	o.logger.Info("user joined",
		"room_id", roomID,
		"conn_id", connID,
		"role", role,
		"user_count", userCount)
	o.events.UserJoined(roomID, connID, userCount)
	o.roomEvent("user joined")

	return JoinResult{
		RoomID:       roomID,
		Role:         role,
		UserCount:    userCount,
		MaxUsers:     row.MaxUsers,
		IsStreaming:  isStreaming,
		Capabilities: capabilities,
	}, nil
}

// AdminRejoin lets the room owner return on a fresh connection during the
// grace window. The password proves ownership on locked rooms; the admin
// connection binding is then moved to the new connection.
func (o *Orchestrator) AdminRejoin(ctx context.Context, connID, addr, roomID, password string) (JoinResult, error) {
	o.mu.Lock()
	state, ok := o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	if _, already := o.members[connID]; already {
		o.mu.Unlock()
		return JoinResult{}, ErrAlreadyInRoom
	}
	o.mu.Unlock()

	row, ok := o.store.GetRoom(roomID)
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}

	if row.Locked() {
		if blocked, retryAfter := o.limiter.IsBlocked(addr, roomID); blocked {
			return JoinResult{}, &BlockedError{RetryAfter: retryAfter}
		}
		if password == "" {
			return JoinResult{}, ErrPasswordRequired
		}
		if !o.store.VerifyPassword(roomID, password) {
			outcome := o.limiter.RecordFailure(addr, roomID)
			return JoinResult{}, &WrongPasswordError{
				RemainingAttempts: outcome.RemainingAttempts,
				Blocked:           outcome.Blocked,
				RetryAfter:        outcome.RetryAfter,
			}
		}
		o.limiter.Reset(addr, roomID)
	}

	if err := o.store.UpdateAdminConn(roomID, connID); err != nil {
		return JoinResult{}, fmt.Errorf("rebind admin connection: %w", err)
	}

	o.mu.Lock()
	state, ok = o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	state.adminJoined = true
	o.cancelOrphanTimerLocked(roomID)
	o.cancelGraceTimerLocked(roomID)
	o.members[connID] = membership{roomID: roomID, role: RoleAdmin}
	userCount := o.memberCountLocked(roomID)
	isStreaming := state.isStreaming
	capabilities := state.router.Capabilities()
	o.mu.Unlock()

	o.logger.Info("admin rejoined", "room_id", roomID, "conn_id", connID)
	o.events.UserJoined(roomID, connID, userCount)
	o.roomEvent("admin rejoined")

	return JoinResult{
		RoomID:       roomID,
		Role:         RoleAdmin,
		UserCount:    userCount,
		MaxUsers:     row.MaxUsers,
		IsStreaming:  isStreaming,
		Capabilities: capabilities,
	}, nil
}

// Leave removes the connection from its room and releases its media
// resources. An admin departure pauses the stream and arms the grace timer
// instead of closing the room outright.
func (o *Orchestrator) Leave(connID string) {
	o.mu.Lock()
	m, ok := o.members[connID]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.members, connID)
	roomID := m.roomID
	state, live := o.rooms[roomID]
	if !live {
		o.mu.Unlock()
		return
	}

	closers := o.detachConnLocked(state, connID)
	wasStreaming := state.isStreaming
	if m.role == RoleAdmin {
		state.adminJoined = false
		state.isStreaming = false
		o.startGraceTimerLocked(roomID)
	}
	userCount := o.memberCountLocked(roomID)
	o.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}

	o.logger.Info("user left",
		"room_id", roomID,
		"conn_id", connID,
		"role", m.role,
		"user_count", userCount)
	o.events.UserLeft(roomID, connID, userCount)
	o.roomEvent("user left")

	if m.role == RoleAdmin {
		if err := o.store.SetStreaming(roomID, false); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
			o.logger.Warn("persist streaming flag", "room_id", roomID, "error", err)
		}
		if wasStreaming {
			o.events.StreamPaused(roomID)
			o.roomEvent("stream paused")
		}
	}
}

// detachConnLocked unregisters the connection's producers, consumers, and
// transports from the room state and returns close functions to run after
// the lock is released. Load counters are adjusted here, under the lock.
func (o *Orchestrator) detachConnLocked(state *roomState, connID string) []func() {
	var closers []func()

	for id, entry := range state.consumers {
		if entry.connID != connID {
			continue
		}
		delete(state.consumers, id)
		o.pool.DropConsumer(entry.workerIndex)
		consumer := entry.consumer
		closers = append(closers, func() { _ = consumer.Close() })
	}

	for id, entry := range state.producers {
		if entry.ownerConnID != connID {
			continue
		}
		delete(state.producers, id)
		o.pool.DropProducer(entry.workerIndex)
		producer := entry.producer
		producerID := id
		closers = append(closers, func() {
			_ = producer.Close()
			o.events.ProducerClosed(state.id, producerID)
		})
	}

	for _, key := range []string{sendTransportKey(connID), recvTransportKey(connID)} {
		entry, ok := state.transports[key]
		if !ok {
			continue
		}
		delete(state.transports, key)
		transport := entry.transport
		closers = append(closers, func() { _ = transport.Close() })
	}

	return closers
}

// CloseRoom tears the room down: timers, media objects, bridged routers, the
// persisted row, and every membership. Closing an unknown or already closed
// room is a no-op.
func (o *Orchestrator) CloseRoom(roomID, reason string) {
	o.mu.Lock()
	state, ok := o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return
	}
	state.closed = true
	delete(o.rooms, roomID)
	o.cancelOrphanTimerLocked(roomID)
	o.cancelGraceTimerLocked(roomID)

	for connID, m := range o.members {
		if m.roomID == roomID {
			delete(o.members, connID)
		}
	}

	consumers := state.consumers
	producers := state.producers
	transports := state.transports
	bridges := state.bridges
	workerIndex := state.workerIndex
	for _, entry := range consumers {
		o.pool.DropConsumer(entry.workerIndex)
	}
	for _, entry := range producers {
		o.pool.DropProducer(entry.workerIndex)
	}
	o.mu.Unlock()

	for _, entry := range consumers {
		_ = entry.consumer.Close()
	}
	for _, entry := range producers {
		_ = entry.producer.Close()
	}
	for _, entry := range transports {
		_ = entry.transport.Close()
	}
	for targetIndex, entry := range bridges {
		_ = entry.bridge.Close()
		o.pool.RemoveRouter(targetIndex, roomID)
	}
	o.pool.RemoveRouter(workerIndex, roomID)

	if err := o.store.DeleteRoom(roomID); err != nil {
		o.logger.Warn("delete room record", "room_id", roomID, "error", err)
	}

	if o.recorder != nil {
		o.recorder.RoomClosed()
	}
	o.logger.Info("room closed", "room_id", roomID, "reason", reason)
	o.events.RoomClosed(roomID, reason)
	o.events.RoomDeleted(roomID)
}

// CloseRoomByAdmin closes the caller's room on request. Only the room admin
// may close it this way; viewers get ErrNotAdmin.
func (o *Orchestrator) CloseRoomByAdmin(connID string) error {
	o.mu.Lock()
	m, ok := o.members[connID]
	if !ok {
		o.mu.Unlock()
		return ErrNotInRoom
	}
	if m.role != RoleAdmin {
		o.mu.Unlock()
		return ErrNotAdmin
	}
	roomID := m.roomID
	o.mu.Unlock()

	o.roomEvent("closed by admin")
	o.CloseRoom(roomID, "closed by admin")
	return nil
}

// UpdateMaxUsers lets the admin resize the room. The new cap cannot cut off
// members already inside.
func (o *Orchestrator) UpdateMaxUsers(connID string, maxUsers int) error {
	if _, err := o.validateMaxUsers(maxUsers); err != nil {
		return err
	}

	o.mu.Lock()
	m, ok := o.members[connID]
	if !ok {
		o.mu.Unlock()
		return ErrNotInRoom
	}
	if m.role != RoleAdmin {
		o.mu.Unlock()
		return ErrNotAdmin
	}
	roomID := m.roomID
	if o.memberCountLocked(roomID) > maxUsers {
		o.mu.Unlock()
		return validationError("maxUsers", "below current member count")
	}
	o.mu.Unlock()

	if err := o.store.SetMaxUsers(roomID, maxUsers); err != nil {
		return fmt.Errorf("persist max users: %w", err)
	}

	o.mu.Lock()
	notice := o.noticeLocked(roomID)
	o.mu.Unlock()

	o.logger.Info("room capacity updated", "room_id", roomID, "max_users", maxUsers)
	o.events.RoomUpdated(notice)
	o.roomEvent("capacity updated")
	return nil
}

// RoutersLost handles an unexpected worker death. Rooms whose primary router
// lived on the worker are closed; rooms that only had a bridged router there
// lose that bridge and the consumers riding on it.
func (o *Orchestrator) RoutersLost(workerIndex int, roomIDs []string) {
	for _, roomID := range roomIDs {
		o.mu.Lock()
		state, ok := o.rooms[roomID]
		if !ok || state.closed {
			o.mu.Unlock()
			continue
		}
		if state.workerIndex == workerIndex {
			o.mu.Unlock()
			o.roomEvent("worker lost")
			o.CloseRoom(roomID, "media worker lost")
			continue
		}

		entry, bridged := state.bridges[workerIndex]
		var orphaned []*consumerEntry
		if bridged {
			delete(state.bridges, workerIndex)
			for id, consumer := range state.consumers {
				if consumer.workerIndex == workerIndex {
					delete(state.consumers, id)
					o.pool.DropConsumer(workerIndex)
					orphaned = append(orphaned, consumer)
				}
			}
			for key, transport := range state.transports {
				if transport.workerIndex == workerIndex {
					delete(state.transports, key)
				}
			}
		}
		o.mu.Unlock()

		if bridged {
			_ = entry.bridge.Close()
			for _, consumer := range orphaned {
				_ = consumer.consumer.Close()
			}
			o.logger.Warn("bridge lost with worker",
				"room_id", roomID,
				"worker", workerIndex,
				"orphaned_consumers", len(orphaned))
			o.roomEvent("bridge lost")
		}
	}
}

func (o *Orchestrator) startOrphanTimerLocked(roomID string) {
	o.cancelOrphanTimerLocked(roomID)
	o.pendingAdminJoin[roomID] = time.AfterFunc(o.cfg.OrphanWindow, func() {
		o.mu.Lock()
		state, ok := o.rooms[roomID]
		orphaned := ok && !state.closed && !state.adminJoined
		delete(o.pendingAdminJoin, roomID)
		o.mu.Unlock()
		if orphaned {
			o.roomEvent("orphaned")
			o.CloseRoom(roomID, "admin never joined")
		}
	})
}

func (o *Orchestrator) cancelOrphanTimerLocked(roomID string) {
	if timer, ok := o.pendingAdminJoin[roomID]; ok {
		timer.Stop()
		delete(o.pendingAdminJoin, roomID)
	}
}

func (o *Orchestrator) startGraceTimerLocked(roomID string) {
	o.cancelGraceTimerLocked(roomID)
	o.pendingClose[roomID] = time.AfterFunc(o.cfg.AdminGrace, func() {
		o.mu.Lock()
		state, ok := o.rooms[roomID]
		expired := ok && !state.closed && !state.adminJoined
		delete(o.pendingClose, roomID)
		o.mu.Unlock()
		if expired {
			o.roomEvent("grace expired")
			o.CloseRoom(roomID, "admin did not return")
		}
	})
}

func (o *Orchestrator) cancelGraceTimerLocked(roomID string) {
	if timer, ok := o.pendingClose[roomID]; ok {
		timer.Stop()
		delete(o.pendingClose, roomID)
	}
}
