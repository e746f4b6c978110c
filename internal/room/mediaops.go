package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"velostream/internal/directory"
	"velostream/internal/media"
)

// TransportResult carries the parameters a client needs to finish transport
// setup.
type TransportResult struct {
	Direction media.Direction     `json:"direction"`
	Info      media.TransportInfo `json:"transportInfo"`
}

// ProducerInfo describes a live producer to prospective viewers.
type ProducerInfo struct {
	ID   string     `json:"id"`
	Kind media.Kind `json:"kind"`
}

// ConsumeResult carries the parameters a client needs to attach a consumer.
// The consumer starts paused; the client acknowledges with a resume call.
type ConsumeResult struct {
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	Kind          media.Kind      `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// CreateTransport creates the connection's transport for the given
// direction. Admin send transports always live on the room's primary worker.
// Receive transports spill onto bridged routers on other workers once the
// room outgrows the bridge threshold. An existing transport in the same slot
// is replaced.
func (o *Orchestrator) CreateTransport(ctx context.Context, connID string, direction media.Direction) (TransportResult, error) {
	o.mu.Lock()
	m, ok := o.members[connID]
	if !ok {
		o.mu.Unlock()
		return TransportResult{}, ErrNotInRoom
	}
	if direction == media.DirectionSend && m.role != RoleAdmin {
		o.mu.Unlock()
		return TransportResult{}, ErrNotAdmin
	}
	state, ok := o.rooms[m.roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return TransportResult{}, ErrRoomNotFound
	}
	roomID := m.roomID
	needsBridge := direction == media.DirectionRecv &&
		o.memberCountLocked(roomID) > o.cfg.BridgeThreshold
	o.mu.Unlock()

	router := state.router
	workerIndex := state.workerIndex
	if needsBridge {
		bridgedRouter, bridgedIndex, err := o.ensureBridge(ctx, roomID)
		if err != nil {
			// Bridging is an optimization; fall back to the primary
			// router rather than refusing the viewer.
			o.logger.Warn("bridge placement failed, using primary router",
				"room_id", roomID, "error", err)
		} else if bridgedRouter != nil {
			router = bridgedRouter
			workerIndex = bridgedIndex
		}
	}

	transport, err := router.CreateTransport(ctx, direction)
	if err != nil {
		return TransportResult{}, fmt.Errorf("create transport: %w", err)
	}

	key := transportKey(connID, direction)
	o.mu.Lock()
	state, ok = o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		_ = transport.Close()
		return TransportResult{}, ErrRoomNotFound
	}
	if _, stillMember := o.members[connID]; !stillMember {
		o.mu.Unlock()
		_ = transport.Close()
		return TransportResult{}, ErrNotInRoom
	}
	previous := state.transports[key]
	state.transports[key] = &transportEntry{transport: transport, workerIndex: workerIndex}
	o.mu.Unlock()

	if previous != nil {
		_ = previous.transport.Close()
	}

	return TransportResult{Direction: direction, Info: transport.Info()}, nil
}

// ConnectTransport completes the client side of transport setup.
func (o *Orchestrator) ConnectTransport(ctx context.Context, connID string, direction media.Direction, dtlsParameters json.RawMessage) error {
	o.mu.Lock()
	m, ok := o.members[connID]
	if !ok {
		o.mu.Unlock()
		return ErrNotInRoom
	}
	state, ok := o.rooms[m.roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return ErrRoomNotFound
	}
	entry, ok := state.transports[transportKey(connID, direction)]
	if !ok {
		o.mu.Unlock()
		return ErrTransportNotFound
	}
	transport := entry.transport
	o.mu.Unlock()

	if err := transport.Connect(ctx, dtlsParameters); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

// Produce publishes media on the admin's send transport. A video producer
// flips the room into the streaming state.
func (o *Orchestrator) Produce(ctx context.Context, connID string, params media.ProduceParams) (ProducerInfo, error) {
	o.mu.Lock()
	m, ok := o.members[connID]
	if !ok {
		o.mu.Unlock()
		return ProducerInfo{}, ErrNotInRoom
	}
	if m.role != RoleAdmin {
		o.mu.Unlock()
		return ProducerInfo{}, ErrNotAdmin
	}
	state, ok := o.rooms[m.roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return ProducerInfo{}, ErrRoomNotFound
	}
	entry, ok := state.transports[sendTransportKey(connID)]
	if !ok {
		o.mu.Unlock()
		return ProducerInfo{}, ErrTransportNotFound
	}
	roomID := m.roomID
	transport := entry.transport
	workerIndex := entry.workerIndex
	o.mu.Unlock()

	producer, err := transport.Produce(ctx, params)
	if err != nil {
		return ProducerInfo{}, fmt.Errorf("produce: %w", err)
	}

	startedStreaming := false
	o.mu.Lock()
	state, ok = o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		_ = producer.Close()
		return ProducerInfo{}, ErrRoomNotFound
	}
	state.producers[producer.ID()] = &producerEntry{
		producer:    producer,
		kind:        producer.Kind(),
		ownerConnID: connID,
		workerIndex: workerIndex,
	}
	if producer.Kind() == media.KindVideo && !state.isStreaming {
		state.isStreaming = true
		startedStreaming = true
	}
	// Load accounting happens under the lock so a concurrent CloseRoom
	// cannot drop the entry before the counter lands.
	o.pool.AddProducer(workerIndex)
	o.mu.Unlock()

	if startedStreaming {
		if err := o.store.SetStreaming(roomID, true); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
			o.logger.Warn("persist streaming flag", "room_id", roomID, "error", err)
		}
		o.events.StreamStarted(roomID)
		o.roomEvent("stream started")
	}
	o.logger.Info("producer created",
		"room_id", roomID,
		"producer_id", producer.ID(),
		"kind", producer.Kind())
	o.events.NewProducer(roomID, producer.ID(), producer.Kind())

	return ProducerInfo{ID: producer.ID(), Kind: producer.Kind()}, nil
}

// Producers lists the room's live producers for the calling member.
func (o *Orchestrator) Producers(connID string) ([]ProducerInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.members[connID]
	if !ok {
		return nil, ErrNotInRoom
	}
	state, ok := o.rooms[m.roomID]
	if !ok || state.closed {
		return nil, ErrRoomNotFound
	}
	infos := make([]ProducerInfo, 0, len(state.producers))
	for id, entry := range state.producers {
		infos = append(infos, ProducerInfo{ID: id, Kind: entry.kind})
	}
	return infos, nil
}

// Consume attaches a paused consumer for the producer on the connection's
// receive transport. The capability check runs against the router the
// transport actually lives on, which may be a bridged router.
func (o *Orchestrator) Consume(ctx context.Context, connID, producerID string, rtpCapabilities json.RawMessage) (ConsumeResult, error) {
	o.mu.Lock()
	m, ok := o.members[connID]
	if !ok {
		o.mu.Unlock()
		return ConsumeResult{}, ErrNotInRoom
	}
	state, ok := o.rooms[m.roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return ConsumeResult{}, ErrRoomNotFound
	}
	if _, ok := state.producers[producerID]; !ok {
		o.mu.Unlock()
		return ConsumeResult{}, ErrProducerNotFound
	}
	entry, ok := state.transports[recvTransportKey(connID)]
	if !ok {
		o.mu.Unlock()
		return ConsumeResult{}, ErrTransportNotFound
	}
	roomID := m.roomID
	transport := entry.transport
	workerIndex := entry.workerIndex
	router := state.router
	if workerIndex != state.workerIndex {
		if bridge, ok := state.bridges[workerIndex]; ok {
			router = bridge.router
		}
	}
	o.mu.Unlock()

	if !router.CanConsume(producerID, rtpCapabilities) {
		return ConsumeResult{}, ErrCannotConsume
	}

	consumer, err := transport.Consume(ctx, media.ConsumeParams{
		ProducerID:      producerID,
		RTPCapabilities: rtpCapabilities,
	})
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume: %w", err)
	}

	o.mu.Lock()
	state, ok = o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		_ = consumer.Close()
		return ConsumeResult{}, ErrRoomNotFound
	}
	state.consumers[consumer.ID()] = &consumerEntry{
		consumer:    consumer,
		connID:      connID,
		workerIndex: workerIndex,
	}
	// Counted under the lock for the same reason as the producer path.
	o.pool.AddConsumer(workerIndex)
	o.mu.Unlock()

	return ConsumeResult{
		ConsumerID:    consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// ResumeConsumer unpauses a consumer once the client is ready. A resume
// failure drops the consumer entirely so a stale entry cannot linger in the
// room state.
func (o *Orchestrator) ResumeConsumer(ctx context.Context, connID, consumerID string) error {
	o.mu.Lock()
	m, ok := o.members[connID]
	if !ok {
		o.mu.Unlock()
		return ErrNotInRoom
	}
	state, ok := o.rooms[m.roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return ErrRoomNotFound
	}
	entry, ok := state.consumers[consumerID]
	if !ok || entry.connID != connID {
		o.mu.Unlock()
		return ErrConsumerNotFound
	}
	roomID := m.roomID
	consumer := entry.consumer
	o.mu.Unlock()

	if err := consumer.Resume(ctx); err != nil {
		o.mu.Lock()
		if state, ok := o.rooms[roomID]; ok {
			if stale, present := state.consumers[consumerID]; present && stale.connID == connID {
				delete(state.consumers, consumerID)
				o.pool.DropConsumer(stale.workerIndex)
			}
		}
		o.mu.Unlock()
		_ = consumer.Close()
		return fmt.Errorf("resume consumer: %w", err)
	}
	return nil
}

// CloseProducer stops publishing one producer. Closing the last video
// producer pauses the stream.
func (o *Orchestrator) CloseProducer(connID, producerID string) error {
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
	state, ok := o.rooms[m.roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return ErrRoomNotFound
	}
	entry, ok := state.producers[producerID]
	if !ok {
		o.mu.Unlock()
		return ErrProducerNotFound
	}
	delete(state.producers, producerID)
	o.pool.DropProducer(entry.workerIndex)

	pausedStream := false
	if entry.kind == media.KindVideo {
		videoLeft := false
		for _, remaining := range state.producers {
			if remaining.kind == media.KindVideo {
				videoLeft = true
				break
			}
		}
		if !videoLeft && state.isStreaming {
			state.isStreaming = false
			pausedStream = true
		}
	}
	roomID := m.roomID
	o.mu.Unlock()

	_ = entry.producer.Close()

	if pausedStream {
		if err := o.store.SetStreaming(roomID, false); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
			o.logger.Warn("persist streaming flag", "room_id", roomID, "error", err)
		}
		o.events.StreamPaused(roomID)
		o.roomEvent("stream paused")
	}
	o.events.ProducerClosed(roomID, producerID)
	return nil
}

// ensureBridge returns a router for the room on another worker, creating the
// router and pipe on first use. The bridged worker is chosen by load;
// an existing bridge to that worker is reused.
func (o *Orchestrator) ensureBridge(ctx context.Context, roomID string) (media.Router, int, error) {
	targetIndex, err := o.pool.LeastLoaded()
	if err != nil {
		return nil, 0, err
	}

	o.mu.Lock()
	state, ok := o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		return nil, 0, ErrRoomNotFound
	}
	if targetIndex == state.workerIndex {
		// Least loaded is the primary worker; no bridge needed.
		o.mu.Unlock()
		return nil, 0, nil
	}
	if existing, ok := state.bridges[targetIndex]; ok {
		o.mu.Unlock()
		return existing.router, targetIndex, nil
	}
	primary := state.router
	o.mu.Unlock()

	remote, err := o.pool.CreateRouter(ctx, targetIndex, roomID)
	if err != nil {
		return nil, 0, fmt.Errorf("create bridged router: %w", err)
	}
	bridge, err := primary.PipeTo(ctx, remote)
	if err != nil {
		o.pool.RemoveRouter(targetIndex, roomID)
		return nil, 0, fmt.Errorf("pipe to worker %d: %w", targetIndex, err)
	}

	o.mu.Lock()
	state, ok = o.rooms[roomID]
	if !ok || state.closed {
		o.mu.Unlock()
		_ = bridge.Close()
		o.pool.RemoveRouter(targetIndex, roomID)
		return nil, 0, ErrRoomNotFound
	}
	if raced, ok := state.bridges[targetIndex]; ok {
		// Another goroutine built the same bridge first. The remote
		// router is shared (CreateRouter reuses the registration), so
		// only the duplicate pipe is discarded.
		o.mu.Unlock()
		_ = bridge.Close()
		return raced.router, targetIndex, nil
	}
	state.bridges[targetIndex] = &bridgeEntry{bridge: bridge, router: remote}
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.BridgeCreated()
	}
	o.logger.Info("bridge established", "room_id", roomID, "target_worker", targetIndex)
	return remote, targetIndex, nil
}
