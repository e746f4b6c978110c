// Package enginestub provides an in-memory media engine for tests. Workers,
// routers, transports, producers, and consumers are plain structs with
// inspectable state; Kill simulates an unexpected worker death.
package enginestub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"velostream/internal/media"
)

var idCounter atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// Engine is an in-memory media.Engine. The error fields inject failures into
// the corresponding operations for the duration they are set.
type Engine struct {
	mu      sync.Mutex
	workers map[int][]*Worker
	closed  bool

	SpawnErr     error
	RouterErr    error
	TransportErr error
	ProduceErr   error
	ConsumeErr   error
	PipeErr      error
}

func New() *Engine {
	return &Engine{workers: make(map[int][]*Worker)}
}

// SetSpawnErr swaps the spawn failure injection while the engine is in use.
func (e *Engine) SetSpawnErr(err error) {
	e.mu.Lock()
	e.SpawnErr = err
	e.mu.Unlock()
}

func (e *Engine) SpawnWorker(ctx context.Context, slot int) (media.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SpawnErr != nil {
		return nil, e.SpawnErr
	}
	worker := &Worker{
		engine:     e,
		slot:       slot,
		identity:   nextID("worker"),
		terminated: make(chan error, 1),
		routers:    make(map[string]*Router),
	}
	e.workers[slot] = append(e.workers[slot], worker)
	return worker, nil
}

func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// SpawnCount reports how many workers were spawned for the slot.
func (e *Engine) SpawnCount(slot int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers[slot])
}

// WorkerForSlot returns the most recently spawned worker for the slot.
func (e *Engine) WorkerForSlot(slot int) *Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	spawned := e.workers[slot]
	if len(spawned) == 0 {
		return nil
	}
	return spawned[len(spawned)-1]
}

// Worker is an in-memory media.Worker.
type Worker struct {
	engine   *Engine
	slot     int
	identity string

	terminated chan error
	termOnce   sync.Once

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

func (w *Worker) Identity() string { return w.identity }

func (w *Worker) Terminated() <-chan error { return w.terminated }

func (w *Worker) CreateRouter(ctx context.Context, roomID string) (media.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.engine.mu.Lock()
	routerErr := w.engine.RouterErr
	w.engine.mu.Unlock()
	if routerErr != nil {
		return nil, routerErr
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("worker %s closed", w.identity)
	}
	router := &Router{
		engine: w.engine,
		worker: w,
		id:     nextID("router"),
		roomID: roomID,
	}
	w.routers[roomID] = router
	return router, nil
}

// Kill simulates an unexpected worker death, delivering err on Terminated.
func (w *Worker) Kill(err error) {
	w.termOnce.Do(func() {
		w.terminated <- err
		close(w.terminated)
	})
}

// Close shuts the worker down cleanly; Terminated closes without an error.
func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.termOnce.Do(func() {
		close(w.terminated)
	})
	return nil
}

// Router is an in-memory media.Router.
type Router struct {
	engine *Engine
	worker *Worker
	id     string
	roomID string

	mu          sync.Mutex
	closed      bool
	denyConsume bool
}

func (r *Router) ID() string { return r.id }

// RoomID reports the room the router was created for.
func (r *Router) RoomID() string { return r.roomID }

func (r *Router) Capabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus"},{"kind":"video","mimeType":"video/VP8"}]}`)
}

func (r *Router) CreateTransport(ctx context.Context, direction media.Direction) (media.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.engine.mu.Lock()
	transportErr := r.engine.TransportErr
	r.engine.mu.Unlock()
	if transportErr != nil {
		return nil, transportErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s closed", r.id)
	}
	return &Transport{
		engine:    r.engine,
		router:    r,
		id:        nextID("transport"),
		direction: direction,
	}, nil
}

// SetDenyConsume makes CanConsume return false until reset.
func (r *Router) SetDenyConsume(deny bool) {
	r.mu.Lock()
	r.denyConsume = deny
	r.mu.Unlock()
}

func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.denyConsume && producerID != "" && len(rtpCapabilities) > 0
}

func (r *Router) PipeTo(ctx context.Context, target media.Router) (media.Bridge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.engine.mu.Lock()
	pipeErr := r.engine.PipeErr
	r.engine.mu.Unlock()
	if pipeErr != nil {
		return nil, pipeErr
	}
	return &Bridge{id: nextID("bridge"), from: r.id, to: target.ID()}, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transport is an in-memory media.Transport.
type Transport struct {
	engine    *Engine
	router    *Router
	id        string
	direction media.Direction

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Info() media.TransportInfo {
	return media.TransportInfo{
		ID:            t.id,
		ICEParameters: json.RawMessage(`{"usernameFragment":"stub"}`),
		ICECandidates: json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(
			`{"role":"auto","fingerprints":[]}`),
	}
}

func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport %s closed", t.id)
	}
	t.connected = true
	return nil
}

// Connected reports whether Connect succeeded.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(ctx context.Context, params media.ProduceParams) (media.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.engine.mu.Lock()
	produceErr := t.engine.ProduceErr
	t.engine.mu.Unlock()
	if produceErr != nil {
		return nil, produceErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	return &Producer{id: nextID("producer"), kind: params.Kind}, nil
}

func (t *Transport) Consume(ctx context.Context, params media.ConsumeParams) (media.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.engine.mu.Lock()
	consumeErr := t.engine.ConsumeErr
	t.engine.mu.Unlock()
	if consumeErr != nil {
		return nil, consumeErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	return &Consumer{
		id:         nextID("consumer"),
		kind:       media.KindVideo,
		producerID: params.ProducerID,
	}, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Producer is an in-memory media.Producer.
type Producer struct {
	id   string
	kind media.Kind

	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() string       { return p.id }
func (p *Producer) Kind() media.Kind { return p.kind }

func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Consumer is an in-memory media.Consumer. It starts paused, mirroring how
// real consumers are created, and records Resume calls.
type Consumer struct {
	id         string
	kind       media.Kind
	producerID string

	mu      sync.Mutex
	resumed bool
	closed  bool
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) Kind() media.Kind   { return c.kind }
func (c *Consumer) ProducerID() string { return c.producerID }

func (c *Consumer) RTPParameters() json.RawMessage {
	return json.RawMessage(`{"codecs":[]}`)
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed", c.id)
	}
	c.resumed = true
	return nil
}

// Resumed reports whether Resume succeeded.
func (c *Consumer) Resumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Bridge is an in-memory media.Bridge.
type Bridge struct {
	id   string
	from string
	to   string

	mu     sync.Mutex
	closed bool
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

var (
	_ media.Engine    = (*Engine)(nil)
	_ media.Worker    = (*Worker)(nil)
	_ media.Router    = (*Router)(nil)
	_ media.Transport = (*Transport)(nil)
	_ media.Producer  = (*Producer)(nil)
	_ media.Consumer  = (*Consumer)(nil)
	_ media.Bridge    = (*Bridge)(nil)
)
