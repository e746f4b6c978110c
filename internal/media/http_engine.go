package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPEngine drives an external media daemon through its REST control API.
// Worker processes live inside the daemon; the adapter only holds their
// identifiers and watches their liveness.
type HTTPEngine struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	watches map[string]chan struct{}
	closed  bool
}

// NewHTTPEngine validates the configuration and returns an engine adapter.
func NewHTTPEngine(cfg Config) (*HTTPEngine, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("media engine base URL is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &HTTPEngine{
		config:  cfg,
		watches: make(map[string]chan struct{}),
	}, nil
}

// SetLogger installs a logger used for retry and watcher diagnostics.
func (e *HTTPEngine) SetLogger(logger *slog.Logger) {
	e.logger = logger
}

type spawnWorkerRequest struct {
	Slot int `json:"slot"`
}

type spawnWorkerResponse struct {
	WorkerID string `json:"workerId"`
}

func (e *HTTPEngine) SpawnWorker(ctx context.Context, slot int) (Worker, error) {
	var response spawnWorkerResponse
	if err := e.post(ctx, e.url("/v1/workers"), spawnWorkerRequest{Slot: slot}, &response); err != nil {
		return nil, err
	}
	if response.WorkerID == "" {
		return nil, fmt.Errorf("engine returned empty worker id")
	}

	w := &httpWorker{
		engine:     e,
		id:         response.WorkerID,
		terminated: make(chan error, 1),
	}
	if e.config.WatchInterval > 0 {
		stop := make(chan struct{})
		e.mu.Lock()
		e.watches[w.id] = stop
		e.mu.Unlock()
		go e.watchWorker(w, stop)
	}
	return w, nil
}

func (e *HTTPEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, stop := range e.watches {
		close(stop)
		delete(e.watches, id)
	}
	e.mu.Unlock()
	return nil
}

// watchWorker polls the daemon for worker liveness and signals termination
// when the worker disappears or reports a dead state.
func (e *HTTPEngine) watchWorker(w *httpWorker, stop <-chan struct{}) {
	ticker := time.NewTicker(e.config.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.config.WatchInterval)
		alive, err := e.workerAlive(ctx, w.id)
		cancel()
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("worker liveness probe failed", "worker_id", w.id, "error", err)
			}
			continue
		}
		if !alive {
			w.signalTerminated(fmt.Errorf("worker %s reported dead", w.id))
			e.stopWatch(w.id)
			return
		}
	}
}

func (e *HTTPEngine) stopWatch(workerID string) {
	e.mu.Lock()
	if stop, ok := e.watches[workerID]; ok {
		close(stop)
		delete(e.watches, workerID)
	}
	e.mu.Unlock()
}

type workerStateResponse struct {
	State string `json:"state"`
}

func (e *HTTPEngine) workerAlive(ctx context.Context, workerID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url("/v1/workers/"+workerID), nil)
	if err != nil {
		return false, err
	}
	e.authorize(req)
	resp, err := e.client().Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("worker state probe: %s", resp.Status)
	}
	var state workerStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return false, err
	}
	return state.State != "dead", nil
}

type httpWorker struct {
	engine *HTTPEngine
	id     string

	once       sync.Once
	terminated chan error
}

func (w *httpWorker) Identity() string { return w.id }

func (w *httpWorker) Terminated() <-chan error { return w.terminated }

func (w *httpWorker) signalTerminated(cause error) {
	w.once.Do(func() {
		w.terminated <- cause
		close(w.terminated)
	})
}

type createRouterRequest struct {
	RoomID string `json:"roomId"`
}

type createRouterResponse struct {
	RouterID     string          `json:"routerId"`
	Capabilities json.RawMessage `json:"capabilities"`
}

func (w *httpWorker) CreateRouter(ctx context.Context, roomID string) (Router, error) {
	var response createRouterResponse
	path := fmt.Sprintf("/v1/workers/%s/routers", w.id)
	if err := w.engine.post(ctx, w.engine.url(path), createRouterRequest{RoomID: roomID}, &response); err != nil {
		return nil, err
	}
	if response.RouterID == "" {
		return nil, fmt.Errorf("engine returned empty router id")
	}
	return &httpRouter{engine: w.engine, id: response.RouterID, capabilities: response.Capabilities}, nil
}

func (w *httpWorker) Close() error {
	w.engine.stopWatch(w.id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.engine.delete(ctx, w.engine.url("/v1/workers/"+w.id))
}

type httpRouter struct {
	engine       *HTTPEngine
	id           string
	capabilities json.RawMessage
}

func (r *httpRouter) ID() string { return r.id }

func (r *httpRouter) Capabilities() json.RawMessage { return r.capabilities }

type createTransportRequest struct {
	Direction string `json:"direction"`
}

func (r *httpRouter) CreateTransport(ctx context.Context, dir Direction) (Transport, error) {
	var info TransportInfo
	path := fmt.Sprintf("/v1/routers/%s/transports", r.id)
	if err := r.engine.post(ctx, r.engine.url(path), createTransportRequest{Direction: string(dir)}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("engine returned empty transport id")
	}
	return &httpTransport{engine: r.engine, info: info}, nil
}

type canConsumeRequest struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
}

type canConsumeResponse struct {
	CanConsume bool `json:"canConsume"`
}

func (r *httpRouter) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var response canConsumeResponse
	path := fmt.Sprintf("/v1/routers/%s/can-consume", r.id)
	payload := canConsumeRequest{ProducerID: producerID, RTPCapabilities: rtpCapabilities}
	if err := r.engine.post(ctx, r.engine.url(path), payload, &response); err != nil {
		if r.engine.logger != nil {
			r.engine.logger.Warn("can-consume probe failed", "router_id", r.id, "error", err)
		}
		return false
	}
	return response.CanConsume
}

type pipeRequest struct {
	TargetRouterID string `json:"targetRouterId"`
}

type pipeResponse struct {
	PipeID string `json:"pipeId"`
}

func (r *httpRouter) PipeTo(ctx context.Context, target Router) (Bridge, error) {
	var response pipeResponse
	path := fmt.Sprintf("/v1/routers/%s/pipes", r.id)
	if err := r.engine.post(ctx, r.engine.url(path), pipeRequest{TargetRouterID: target.ID()}, &response); err != nil {
		return nil, err
	}
	if response.PipeID == "" {
		return nil, fmt.Errorf("engine returned empty pipe id")
	}
	return &httpBridge{engine: r.engine, id: response.PipeID}, nil
}

func (r *httpRouter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.engine.delete(ctx, r.engine.url("/v1/routers/"+r.id))
}

type httpTransport struct {
	engine *HTTPEngine
	info   TransportInfo
}

func (t *httpTransport) ID() string { return t.info.ID }

func (t *httpTransport) Info() TransportInfo { return t.info }

type connectTransportRequest struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

func (t *httpTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	path := fmt.Sprintf("/v1/transports/%s/connect", t.info.ID)
	return t.engine.post(ctx, t.engine.url(path), connectTransportRequest{DTLSParameters: dtlsParameters}, nil)
}

type produceRequest struct {
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type produceResponse struct {
	ProducerID string `json:"producerId"`
}

func (t *httpTransport) Produce(ctx context.Context, params ProduceParams) (Producer, error) {
	var response produceResponse
	path := fmt.Sprintf("/v1/transports/%s/producers", t.info.ID)
	payload := produceRequest{Kind: string(params.Kind), RTPParameters: params.RTPParameters}
	if err := t.engine.post(ctx, t.engine.url(path), payload, &response); err != nil {
		return nil, err
	}
	if response.ProducerID == "" {
		return nil, fmt.Errorf("engine returned empty producer id")
	}
	return &httpProducer{engine: t.engine, id: response.ProducerID, kind: params.Kind}, nil
}

type consumeRequest struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type consumeResponse struct {
	ConsumerID    string          `json:"consumerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

func (t *httpTransport) Consume(ctx context.Context, params ConsumeParams) (Consumer, error) {
	var response consumeResponse
	path := fmt.Sprintf("/v1/transports/%s/consumers", t.info.ID)
	payload := consumeRequest{ProducerID: params.ProducerID, RTPCapabilities: params.RTPCapabilities}
	if err := t.engine.post(ctx, t.engine.url(path), payload, &response); err != nil {
		return nil, err
	}
	if response.ConsumerID == "" {
		return nil, fmt.Errorf("engine returned empty consumer id")
	}
	return &httpConsumer{
		engine:        t.engine,
		id:            response.ConsumerID,
		kind:          Kind(response.Kind),
		producerID:    params.ProducerID,
		rtpParameters: response.RTPParameters,
	}, nil
}

func (t *httpTransport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.engine.delete(ctx, t.engine.url("/v1/transports/"+t.info.ID))
}

type httpProducer struct {
	engine *HTTPEngine
	id     string
	kind   Kind
}

func (p *httpProducer) ID() string { return p.id }

func (p *httpProducer) Kind() Kind { return p.kind }

func (p *httpProducer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.engine.delete(ctx, p.engine.url("/v1/producers/"+p.id))
}

type httpConsumer struct {
	engine        *HTTPEngine
	id            string
	kind          Kind
	producerID    string
	rtpParameters json.RawMessage
}

func (c *httpConsumer) ID() string { return c.id }

func (c *httpConsumer) Kind() Kind { return c.kind }

func (c *httpConsumer) ProducerID() string { return c.producerID }

func (c *httpConsumer) RTPParameters() json.RawMessage { return c.rtpParameters }

func (c *httpConsumer) Resume(ctx context.Context) error {
	path := fmt.Sprintf("/v1/consumers/%s/resume", c.id)
	return c.engine.post(ctx, c.engine.url(path), struct{}{}, nil)
}

func (c *httpConsumer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.engine.delete(ctx, c.engine.url("/v1/consumers/"+c.id))
}

type httpBridge struct {
	engine *HTTPEngine
	id     string
}

func (b *httpBridge) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return b.engine.delete(ctx, b.engine.url("/v1/pipes/"+b.id))
}

func (e *HTTPEngine) url(path string) string {
	return strings.TrimRight(e.config.BaseURL, "/") + path
}

func (e *HTTPEngine) client() *http.Client {
	if e.config.HTTPClient != nil {
		return e.config.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (e *HTTPEngine) authorize(req *http.Request) {
	if e.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.Token)
	}
}

func (e *HTTPEngine) post(ctx context.Context, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return e.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		e.authorize(req)
		return req, nil
	}, dest)
}

func (e *HTTPEngine) delete(ctx context.Context, url string) error {
	return e.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return nil, err
		}
		e.authorize(req)
		return req, nil
	}, nil)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (e *HTTPEngine) doWithRetry(ctx context.Context, build func() (*http.Request, error), dest interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return err
		}
		resp, err := e.client().Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if dest == nil || len(bytes.TrimSpace(body)) == 0 {
					return nil
				}
				if err := json.Unmarshal(body, dest); err != nil {
					return fmt.Errorf("decode engine response: %w", err)
				}
				return nil
			} else if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodDelete {
				// Deleting an already-gone resource is a success.
				return nil
			} else {
				lastErr = fmt.Errorf("engine request %s %s: %s", req.Method, req.URL.Path, resp.Status)
				if !retryableStatus(resp.StatusCode) {
					return lastErr
				}
			}
		}
		if attempt < e.config.MaxAttempts {
			if e.logger != nil {
				e.logger.Warn("engine request retry", "url", req.URL.Path, "attempt", attempt, "error", lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.config.RetryInterval):
			}
		}
	}
	return lastErr
}
