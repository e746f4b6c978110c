package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"velostream/internal/models"
)

type dataset struct {
	Rooms map[string]models.Room `json:"rooms"`
}

func newDataset() dataset {
	return dataset{Rooms: make(map[string]models.Room)}
}

// JSONStore is a file-backed directory. Every mutation rewrites the file
// atomically (temp file plus rename), so a crash mid-write never corrupts
// the store.
type JSONStore struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// Option mutates JSON store configuration.
type Option func(*JSONStore)

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *JSONStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewJSONStore opens (or creates) the file-backed directory at path.
func NewJSONStore(path string, opts ...Option) (*JSONStore, error) {
	s := &JSONStore{
		filePath: path,
		data:     newDataset(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	file, err := os.Open(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Rooms == nil {
		s.data.Rooms = make(map[string]models.Room)
	}
	return nil
}

func (s *JSONStore) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "rooms-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *JSONStore) CreateRoom(params CreateRoomParams) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Rooms[params.ID]; exists {
		return models.Room{}, ErrRoomExists
	}

	room := models.Room{
		ID:          params.ID,
		Name:        params.Name,
		AdminConnID: params.AdminConnID,
		WorkerIndex: params.WorkerIndex,
		MaxUsers:    params.MaxUsers,
		CreatedAt:   s.now().UTC(),
	}
	if params.Password != "" {
		hashed, err := hashPassword(params.Password)
		if err != nil {
			return models.Room{}, err
		}
		room.PasswordHash = hashed
	}

	s.data.Rooms[params.ID] = room
	if err := s.persist(); err != nil {
		delete(s.data.Rooms, params.ID)
		return models.Room{}, err
	}
	return room, nil
}

func (s *JSONStore) GetRoom(id string) (models.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.data.Rooms[id]
	return room, ok
}

func (s *JSONStore) DeleteRoom(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.data.Rooms[id]
	if !ok {
		return nil
	}
	delete(s.data.Rooms, id)
	if err := s.persist(); err != nil {
		s.data.Rooms[id] = room
		return err
	}
	return nil
}

func (s *JSONStore) ListRooms() []models.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]models.Room, 0, len(s.data.Rooms))
	for _, room := range s.data.Rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms
}

func (s *JSONStore) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Rooms)
}

func (s *JSONStore) VerifyPassword(id, candidate string) bool {
	s.mu.RLock()
	room, ok := s.data.Rooms[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if room.PasswordHash == "" {
		return true
	}
	return verifyPasswordHash(room.PasswordHash, candidate) == nil
}

func (s *JSONStore) SetStreaming(id string, streaming bool) error {
	return s.updateRoom(id, func(room *models.Room) {
		room.IsStreaming = streaming
	})
}

func (s *JSONStore) SetMaxUsers(id string, maxUsers int) error {
	return s.updateRoom(id, func(room *models.Room) {
		room.MaxUsers = maxUsers
	})
}

func (s *JSONStore) UpdateAdminConn(id, connID string) error {
	return s.updateRoom(id, func(room *models.Room) {
		room.AdminConnID = connID
	})
}

func (s *JSONStore) updateRoom(id string, mutate func(*models.Room)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.data.Rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	previous := room
	mutate(&room)
	s.data.Rooms[id] = room
	if err := s.persist(); err != nil {
		s.data.Rooms[id] = previous
		return err
	}
	return nil
}

func (s *JSONStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data.Rooms) == 0 {
		return nil
	}
	previous := s.data.Rooms
	s.data.Rooms = make(map[string]models.Room)
	if err := s.persist(); err != nil {
		s.data.Rooms = previous
		return err
	}
	return nil
}

func (s *JSONStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *JSONStore) Close(ctx context.Context) error {
	return nil
}

var _ Store = (*JSONStore)(nil)
