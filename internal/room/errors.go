package room

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomExists        = errors.New("room already exists")
	ErrServerFull        = errors.New("room capacity reached on this server")
	ErrRoomFull          = errors.New("room is full")
	ErrPasswordRequired  = errors.New("room requires a password")
	ErrAlreadyInRoom     = errors.New("connection already belongs to a room")
	ErrNotInRoom         = errors.New("connection does not belong to a room")
	ErrNotAdmin          = errors.New("operation restricted to the room admin")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrCannotConsume     = errors.New("router cannot consume this producer")
)

// ValidationError reports a rejected request parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// WrongPasswordError reports a failed password attempt along with the
// limiter's verdict for the (address, room) pair.
type WrongPasswordError struct {
	RemainingAttempts int
	Blocked           bool
	RetryAfter        time.Duration
}

func (e *WrongPasswordError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("wrong password; blocked for %s", e.RetryAfter)
	}
	return fmt.Sprintf("wrong password; %d attempts remaining", e.RemainingAttempts)
}

// BlockedError reports that the pair is rate limited before any password was
// checked.
type BlockedError struct {
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("too many failed attempts; retry in %s", e.RetryAfter)
}
