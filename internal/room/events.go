package room

import "velostream/internal/media"

// Events receives orchestrator notifications. The signaling gateway
// implements it to fan messages out to connected clients; tests swap in a
// recording implementation. Callbacks run with the orchestrator lock
// released and must not block.
type Events interface {
	// Lobby-wide notifications.
	RoomCreated(summary RoomNotice)
	RoomUpdated(summary RoomNotice)
	RoomDeleted(roomID string)

	// Room-scoped notifications.
	RoomClosed(roomID, reason string)
	UserJoined(roomID, connID string, userCount int)
	UserLeft(roomID, connID string, userCount int)
	StreamStarted(roomID string)
	StreamPaused(roomID string)
	NewProducer(roomID, producerID string, kind media.Kind)
	ProducerClosed(roomID, producerID string)
}

// RoomNotice is the lobby-facing view of a room carried by Events.
type RoomNotice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Locked      bool   `json:"locked"`
	MaxUsers    int    `json:"maxUsers"`
	UserCount   int    `json:"userCount"`
	IsStreaming bool   `json:"isStreaming"`
}

// NopEvents discards every notification.
type NopEvents struct{}

func (NopEvents) RoomCreated(RoomNotice)                  {}
func (NopEvents) RoomUpdated(RoomNotice)                  {}
func (NopEvents) RoomDeleted(string)                      {}
func (NopEvents) RoomClosed(string, string)               {}
func (NopEvents) UserJoined(string, string, int)          {}
func (NopEvents) UserLeft(string, string, int)            {}
func (NopEvents) StreamStarted(string)                    {}
func (NopEvents) StreamPaused(string)                     {}
func (NopEvents) NewProducer(string, string, media.Kind)  {}
func (NopEvents) ProducerClosed(string, string)           {}

var _ Events = NopEvents{}
