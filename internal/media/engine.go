// Package media defines the contract between the control plane and the
// external media engine. The engine owns packet forwarding, codec
// negotiation, and transport-level security; the control plane only creates,
// links, and disposes of the opaque handles declared here.
package media

import (
	"context"
	"encoding/json"
)

// Kind identifies the media type carried by a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Direction distinguishes publishing transports from receiving transports.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Engine spawns media workers. Implementations must be safe for concurrent
// use; the pool manager calls SpawnWorker from multiple goroutines during
// startup and from the restart path after a crash.
type Engine interface {
	SpawnWorker(ctx context.Context, slot int) (Worker, error)
	Close(ctx context.Context) error
}

// Worker is a single media-processing unit. Its lifecycle is independent of
// any room; routers are created on it per room and removed when the room
// closes.
type Worker interface {
	// Identity returns the engine-side identifier (process or session ID).
	Identity() string

	CreateRouter(ctx context.Context, roomID string) (Router, error)

	// Terminated is closed (after receiving the cause, if any) when the
	// worker dies unexpectedly. A clean Close does not signal it.
	Terminated() <-chan error

	Close() error
}

// Router is the per-room routing context on one worker. All payload-bearing
// parameters are opaque JSON blobs produced and consumed by the engine and
// the client; the control plane never inspects them.
type Router interface {
	ID() string

	// Capabilities returns the negotiation blob clients need before
	// creating transports.
	Capabilities() json.RawMessage

	CreateTransport(ctx context.Context, dir Direction) (Transport, error)

	// CanConsume reports whether the router can route the producer's media
	// to a client with the given capabilities.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool

	// PipeTo links this router to one on another worker so that media
	// produced here becomes consumable there.
	PipeTo(ctx context.Context, target Router) (Bridge, error)

	Close() error
}

// TransportInfo carries the connection parameters a client needs to complete
// transport setup.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

// ProduceParams describes a media source being published on a transport.
type ProduceParams struct {
	Kind          Kind
	RTPParameters json.RawMessage
}

// ConsumeParams describes a per-viewer sink for an existing producer.
type ConsumeParams struct {
	ProducerID      string
	RTPCapabilities json.RawMessage
}

// Transport is a client-facing media channel on a router.
type Transport interface {
	ID() string
	Info() TransportInfo
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, params ProduceParams) (Producer, error)
	// Consume creates a paused consumer; the caller resumes it once the
	// client is ready.
	Consume(ctx context.Context, params ConsumeParams) (Consumer, error)
	Close() error
}

// Producer is a published media source.
type Producer interface {
	ID() string
	Kind() Kind
	Close() error
}

// Consumer is a per-viewer media sink.
type Consumer interface {
	ID() string
	Kind() Kind
	ProducerID() string
	RTPParameters() json.RawMessage
	Resume(ctx context.Context) error
	Close() error
}

// Bridge is a linked pair of routing primitives forwarding media between two
// routers on different workers.
type Bridge interface {
	Close() error
}
