// Package signal is the websocket boundary of the control plane. It frames
// client requests into orchestrator calls and fans orchestrator events back
// out to room members and lobby watchers.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"velostream/internal/media"
	"velostream/internal/room"
)

// Request message types accepted from clients.
const (
	TypeCreateRoom       = "create-room"
	TypeJoinRoom         = "join-room"
	TypeAdminRejoin      = "admin-rejoin"
	TypeLeaveRoom        = "leave-room"
	TypeListRooms        = "list-rooms"
	TypeCreateTransport  = "create-transport"
	TypeConnectTransport = "connect-transport"
	TypeProduce          = "produce"
	TypeListProducers    = "producers"
	TypeConsume          = "consume"
	TypeResumeConsumer   = "resume-consumer"
	TypeCloseProducer    = "close-producer"
	TypeUpdateMaxUsers   = "update-max-users"
	TypeCloseRoom        = "close-room"
)

// Event message types pushed to clients.
const (
	TypeError          = "error"
	TypeRoomCreated    = "room-created"
	TypeRoomUpdated    = "room-updated"
	TypeRoomDeleted    = "room-deleted"
	TypeRoomClosed     = "room-closed"
	TypeUserJoined     = "user-joined"
	TypeUserLeft       = "user-left"
	TypeStreamStarted  = "stream-started"
	TypeStreamPaused   = "stream-paused"
	TypeNewProducer    = "new-producer"
	TypeProducerClosed = "producer-closed"
)

// Envelope frames every message in both directions. ID correlates a response
// with its request and is echoed verbatim.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type createRoomPayload struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
	MaxUsers int    `json:"maxUsers,omitempty"`
}

type joinRoomPayload struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password,omitempty"`
}

type createTransportPayload struct {
	Direction media.Direction `json:"direction"`
}

type connectTransportPayload struct {
	Direction      media.Direction `json:"direction"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type producePayload struct {
	Kind          media.Kind      `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type consumePayload struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type resumeConsumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

type closeProducerPayload struct {
	ProducerID string `json:"producerId"`
}

type updateMaxUsersPayload struct {
	MaxUsers int `json:"maxUsers"`
}

type userPayload struct {
	RoomID    string `json:"roomId"`
	ConnID    string `json:"connId"`
	UserCount int    `json:"userCount"`
}

type roomClosedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type producerEventPayload struct {
	RoomID     string     `json:"roomId"`
	ProducerID string     `json:"producerId"`
	Kind       media.Kind `json:"kind,omitempty"`
}

type errorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RemainingAttempts *int   `json:"remainingAttempts,omitempty"`
	RetryAfterMS      *int64 `json:"retryAfterMs,omitempty"`
}

func decodePayload(envelope Envelope, out any) error {
	if len(envelope.Payload) == 0 {
		return fmt.Errorf("missing payload for %q", envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, out); err != nil {
		return fmt.Errorf("malformed payload for %q: %w", envelope.Type, err)
	}
	return nil
}

// errorCode translates orchestrator errors into stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "room-not-found"
	case errors.Is(err, room.ErrServerFull):
		return "server-full"
	case errors.Is(err, room.ErrRoomFull):
		return "room-full"
	case errors.Is(err, room.ErrPasswordRequired):
		return "password-required"
	case errors.Is(err, room.ErrAlreadyInRoom):
		return "already-in-room"
	case errors.Is(err, room.ErrNotInRoom):
		return "not-in-room"
	case errors.Is(err, room.ErrNotAdmin):
		return "not-admin"
	case errors.Is(err, room.ErrTransportNotFound):
		return "transport-not-found"
	case errors.Is(err, room.ErrProducerNotFound):
		return "producer-not-found"
	case errors.Is(err, room.ErrConsumerNotFound):
		return "consumer-not-found"
	case errors.Is(err, room.ErrCannotConsume):
		return "cannot-consume"
	default:
		var wrongPassword *room.WrongPasswordError
		if errors.As(err, &wrongPassword) {
			return "wrong-password"
		}
		var blocked *room.BlockedError
		if errors.As(err, &blocked) {
			return "blocked"
		}
		var invalid *room.ValidationError
		if errors.As(err, &invalid) {
			return "invalid-request"
		}
		return "internal"
	}
}

func errorEnvelope(id string, err error) Envelope {
	payload := errorPayload{Code: errorCode(err), Message: err.Error()}

	var wrongPassword *room.WrongPasswordError
	if errors.As(err, &wrongPassword) {
		remaining := wrongPassword.RemainingAttempts
		payload.RemainingAttempts = &remaining
		if wrongPassword.Blocked {
			retryAfter := wrongPassword.RetryAfter.Milliseconds()
			payload.RetryAfterMS = &retryAfter
		}
	}
	var blocked *room.BlockedError
	if errors.As(err, &blocked) {
		retryAfter := blocked.RetryAfter.Milliseconds()
		payload.RetryAfterMS = &retryAfter
	}

	return mustEnvelope(TypeError, id, payload)
}

func mustEnvelope(msgType, id string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payloads are our own structs; marshal cannot fail at runtime.
		panic(fmt.Sprintf("marshal %s payload: %v", msgType, err))
	}
	return Envelope{Type: msgType, ID: id, Payload: raw}
}
