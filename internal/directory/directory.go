// Package directory persists room metadata for the control plane. Two
// implementations are provided: a JSON-file store for single-node
// deployments and a Postgres store for installations that already run a
// database. Room state itself is memory-backed in the orchestrator; rows
// surviving a process restart are stale and wiped via Reset at startup.
package directory

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"

	"velostream/internal/models"
)

var (
	// ErrRoomExists indicates a create collided with an existing room ID.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomNotFound indicates the referenced room is not in the directory.
	ErrRoomNotFound = errors.New("room not found")
)

// CreateRoomParams captures the attributes set when a room is created. The
// password is hashed before it touches disk; an empty password creates a
// public room.
type CreateRoomParams struct {
	ID          string
	Name        string
	Password    string
	AdminConnID string
	WorkerIndex int
	MaxUsers    int
}

// Store exposes the directory operations required by the orchestrator and
// the HTTP surface.
type Store interface {
	CreateRoom(params CreateRoomParams) (models.Room, error)
	GetRoom(id string) (models.Room, bool)
	DeleteRoom(id string) error
	ListRooms() []models.Room
	RoomCount() int

	// VerifyPassword reports whether the candidate matches the room's
	// password. Public rooms accept any candidate.
	VerifyPassword(id, candidate string) bool

	SetStreaming(id string, streaming bool) error
	SetMaxUsers(id string, maxUsers int) error
	UpdateAdminConn(id, connID string) error

	// Reset removes every room. Called once at startup to clear rows
	// orphaned by a previous process.
	Reset() error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// NormalizeRoomName canonicalises a display name before validation and
// storage: surrounding whitespace is trimmed and the text is NFC-normalised
// so that byte length checks behave the same for composed and decomposed
// input.
func NormalizeRoomName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
