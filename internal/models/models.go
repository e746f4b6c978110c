// Package models contains the shared domain types exchanged between the room
// directory, the orchestrator, and the HTTP/signaling surfaces.
package models

import "time"

// Room is the persisted record for a relay room. PasswordHash is a salted
// PBKDF2 hash; the clear-text password is never stored.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	AdminConnID  string    `json:"adminConnId"`
	WorkerIndex  int       `json:"workerIndex"`
	MaxUsers     int       `json:"maxUsers"`
	IsStreaming  bool      `json:"isStreaming"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Locked reports whether the room requires a password to join.
func (r Room) Locked() bool {
	return r.PasswordHash != ""
}

// RoomSummary is the lobby-facing view of a room: directory metadata merged
// with the live member count. The password hash is never exposed.
type RoomSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Locked      bool      `json:"locked"`
	MaxUsers    int       `json:"maxUsers"`
	IsStreaming bool      `json:"isStreaming"`
	UserCount   int       `json:"userCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WorkerStats is a point-in-time snapshot of a media worker's load.
type WorkerStats struct {
	Index     int    `json:"index"`
	Identity  string `json:"identity"`
	Producers int    `json:"producers"`
	Consumers int    `json:"consumers"`
	Rooms     int    `json:"rooms"`
}

// Load is the balancing metric used when assigning rooms to workers.
func (w WorkerStats) Load() int {
	return w.Producers + w.Consumers
}
