package signal

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"velostream/internal/media"
	"velostream/internal/observability/metrics"
	"velostream/internal/room"
)

var errMalformedFrame = errors.New("malformed message frame")

const requestTimeout = 10 * time.Second

// Gateway upgrades websocket connections and routes their messages to the
// orchestrator. It also implements room.Events, turning orchestrator
// notifications into frames for room members and lobby watchers.
type Gateway struct {
	orch     *room.Orchestrator
	logger   *slog.Logger
	recorder *metrics.Recorder
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

// GatewayOption tunes Gateway construction.
type GatewayOption func(*Gateway)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRecorder publishes connection and message metrics.
func WithRecorder(recorder *metrics.Recorder) GatewayOption {
	return func(g *Gateway) {
		g.recorder = recorder
	}
}

// WithCheckOrigin overrides the websocket origin policy.
func WithCheckOrigin(check func(*http.Request) bool) GatewayOption {
	return func(g *Gateway) {
		if check != nil {
			g.upgrader.CheckOrigin = check
		}
	}
}

// NewGateway constructs a Gateway for the orchestrator.
func NewGateway(orch *room.Orchestrator, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		orch:   orch,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ServeHTTP upgrades the request and runs the connection's pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		addr:    clientAddr(r),
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}

	g.mu.Lock()
	g.clients[c.id] = c
	count := len(g.clients)
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.ConnOpened()
	}
	g.logger.Info("client connected", "conn_id", c.id, "addr", c.addr, "connections", count)

	go c.writePump()
	c.readPump()
}

// clientAddr extracts the peer address used as the rate limiter key.
func clientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// disconnect unregisters the client and evicts it from its room.
func (g *Gateway) disconnect(c *client) {
	g.mu.Lock()
	_, registered := g.clients[c.id]
	if registered {
		delete(g.clients, c.id)
		close(c.send)
	}
	g.mu.Unlock()
	if !registered {
		return
	}

	_ = c.conn.Close()
	g.orch.Leave(c.id)

	if g.recorder != nil {
		g.recorder.ConnClosed()
	}
	g.logger.Info("client disconnected", "conn_id", c.id)
}

// ConnectionCount reports registered websocket clients.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) handleMessage(c *client, envelope Envelope) {
	if g.recorder != nil {
		g.recorder.ObserveSignalEvent(envelope.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch envelope.Type {
	case TypeCreateRoom:
		result, err = g.handleCreateRoom(ctx, c, envelope)
	case TypeJoinRoom:
		result, err = g.handleJoin(ctx, c, envelope)
	case TypeAdminRejoin:
		result, err = g.handleAdminRejoin(ctx, c, envelope)
	case TypeLeaveRoom:
		g.orch.Leave(c.id)
		result = struct{}{}
	case TypeListRooms:
		result = g.orch.ListRooms()
	case TypeCreateTransport:
		result, err = g.handleCreateTransport(ctx, c, envelope)
	case TypeConnectTransport:
		result, err = g.handleConnectTransport(ctx, c, envelope)
	case TypeProduce:
		result, err = g.handleProduce(ctx, c, envelope)
	case TypeListProducers:
		result, err = g.orch.Producers(c.id)
	case TypeConsume:
		result, err = g.handleConsume(ctx, c, envelope)
	case TypeResumeConsumer:
		result, err = g.handleResumeConsumer(ctx, c, envelope)
	case TypeCloseProducer:
		result, err = g.handleCloseProducer(c, envelope)
	case TypeUpdateMaxUsers:
		result, err = g.handleUpdateMaxUsers(c, envelope)
	case TypeCloseRoom:
		if err = g.orch.CloseRoomByAdmin(c.id); err == nil {
			result = struct{}{}
		}
	default:
		err = errors.New("unknown message type")
	}

	if err != nil {
		c.sendEnvelope(errorEnvelope(envelope.ID, err))
		return
	}
	c.sendEnvelope(mustEnvelope(envelope.Type, envelope.ID, result))
}

func (g *Gateway) handleCreateRoom(ctx context.Context, c *client, envelope Envelope) (any, error) {
	var payload createRoomPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	return g.orch.CreateRoom(ctx, room.CreateRoomParams{
		Name:        payload.Name,
		Password:    payload.Password,
		MaxUsers:    payload.MaxUsers,
		AdminConnID: c.id,
	})
}

func (g *Gateway) handleJoin(ctx context.Context, c *client, envelope Envelope) (any, error) {
	var payload joinRoomPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	return g.orch.Join(ctx, c.id, c.addr, payload.RoomID, payload.Password)
}

func (g *Gateway) handleAdminRejoin(ctx context.Context, c *client, envelope Envelope) (any, error) {
	var payload joinRoomPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	return g.orch.AdminRejoin(ctx, c.id, c.addr, payload.RoomID, payload.Password)
}

func (g *Gateway) handleCreateTransport(ctx context.Context, c *client, envelope Envelope) (any, error) {
	var payload createTransportPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	if payload.Direction != media.DirectionSend && payload.Direction != media.DirectionRecv {
		return nil, errors.New("invalid transport direction")
	}
	return g.orch.CreateTransport(ctx, c.id, payload.Direction)
}

func (g *Gateway) handleConnectTransport(ctx context.Context, c *client, envelope Envelope) (any, error) {
	var payload connectTransportPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	if err := g.orch.ConnectTransport(ctx, c.id, payload.Direction, payload.DTLSParameters); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (g *Gateway) handleProduce(ctx context.Context, c *client, envelope Envelope) (any, error) {
	var payload producePayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	if payload.Kind != media.KindAudio && payload.Kind != media.KindVideo {
		return nil, errors.New("invalid media kind")
	}
	return g.orch.Produce(ctx, c.id, media.ProduceParams{
		Kind:          payload.Kind,
		RTPParameters: payload.RTPParameters,
	})
}

func (g *Gateway) handleConsume(ctx context.Context, c *client, envelope Envelope) (any, error) {
	var payload consumePayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	return g.orch.Consume(ctx, c.id, payload.ProducerID, payload.RTPCapabilities)
}

func (g *Gateway) handleResumeConsumer(ctx context.Context, c *client, envelope Envelope) (any, error) {
	var payload resumeConsumerPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	if err := g.orch.ResumeConsumer(ctx, c.id, payload.ConsumerID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (g *Gateway) handleCloseProducer(c *client, envelope Envelope) (any, error) {
	var payload closeProducerPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	if err := g.orch.CloseProducer(c.id, payload.ProducerID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (g *Gateway) handleUpdateMaxUsers(c *client, envelope Envelope) (any, error) {
	var payload updateMaxUsersPayload
	if err := decodePayload(envelope, &payload); err != nil {
		return nil, err
	}
	if err := g.orch.UpdateMaxUsers(c.id, payload.MaxUsers); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// broadcastRoom sends the envelope to every member of the room.
func (g *Gateway) broadcastRoom(roomID string, envelope Envelope) {
	members := g.orch.Members(roomID)
	if len(members) == 0 {
		return
	}

	g.mu.Lock()
	targets := make([]*client, 0, len(members))
	for _, connID := range members {
		if c, ok := g.clients[connID]; ok {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		c.sendEnvelope(envelope)
	}
}

// broadcastAll sends the envelope to every connected client. Lobby events go
// to everyone so room lists stay current without polling.
func (g *Gateway) broadcastAll(envelope Envelope) {
	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	for _, c := range targets {
		c.sendEnvelope(envelope)
	}
}

// room.Events implementation.

func (g *Gateway) RoomCreated(notice room.RoomNotice) {
	g.broadcastAll(mustEnvelope(TypeRoomCreated, "", notice))
}

func (g *Gateway) RoomUpdated(notice room.RoomNotice) {
	g.broadcastAll(mustEnvelope(TypeRoomUpdated, "", notice))
}

func (g *Gateway) RoomDeleted(roomID string) {
	g.broadcastAll(mustEnvelope(TypeRoomDeleted, "", map[string]string{"roomId": roomID}))
}

func (g *Gateway) RoomClosed(roomID, reason string) {
	// Membership is already cleared when the room closes, so the frame
	// goes to everyone; clients ignore rooms they are not watching.
	g.broadcastAll(mustEnvelope(TypeRoomClosed, "", roomClosedPayload{RoomID: roomID, Reason: reason}))
}

func (g *Gateway) UserJoined(roomID, connID string, userCount int) {
	g.broadcastRoom(roomID, mustEnvelope(TypeUserJoined, "", userPayload{
		RoomID:    roomID,
		ConnID:    connID,
		UserCount: userCount,
	}))
}

func (g *Gateway) UserLeft(roomID, connID string, userCount int) {
	g.broadcastRoom(roomID, mustEnvelope(TypeUserLeft, "", userPayload{
		RoomID:    roomID,
		ConnID:    connID,
		UserCount: userCount,
	}))
}

func (g *Gateway) StreamStarted(roomID string) {
	g.broadcastRoom(roomID, mustEnvelope(TypeStreamStarted, "", map[string]string{"roomId": roomID}))
}

func (g *Gateway) StreamPaused(roomID string) {
	g.broadcastRoom(roomID, mustEnvelope(TypeStreamPaused, "", map[string]string{"roomId": roomID}))
}

func (g *Gateway) NewProducer(roomID, producerID string, kind media.Kind) {
	g.broadcastRoom(roomID, mustEnvelope(TypeNewProducer, "", producerEventPayload{
		RoomID:     roomID,
		ProducerID: producerID,
		Kind:       kind,
	}))
}

func (g *Gateway) ProducerClosed(roomID, producerID string) {
	g.broadcastRoom(roomID, mustEnvelope(TypeProducerClosed, "", producerEventPayload{
		RoomID:     roomID,
		ProducerID: producerID,
	}))
}

var _ room.Events = (*Gateway)(nil)
