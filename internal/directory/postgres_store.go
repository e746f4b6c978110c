package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"velostream/internal/models"
)

// PostgresConfig tunes the connection pool behind the Postgres-backed store.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

const defaultPostgresOpTimeout = 5 * time.Second

// PostgresStore persists the room directory in a rooms table. Migrations are
// minimal; ensureSchema creates the table on first use.
type PostgresStore struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

// NewPostgresStore opens a Postgres-backed directory.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	opTimeout := cfg.AcquireTimeout
	if opTimeout <= 0 {
		opTimeout = defaultPostgresOpTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool, opTimeout: opTimeout}
	if err := store.ensureSchema(); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema() error {
	ctx, cancel := s.opContext()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			admin_conn_id TEXT NOT NULL DEFAULT '',
			worker_index INTEGER NOT NULL,
			max_users INTEGER NOT NULL DEFAULT 100,
			is_streaming BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure rooms schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

func (s *PostgresStore) CreateRoom(params CreateRoomParams) (models.Room, error) {
	room := models.Room{
		ID:          params.ID,
		Name:        params.Name,
		AdminConnID: params.AdminConnID,
		WorkerIndex: params.WorkerIndex,
		MaxUsers:    params.MaxUsers,
		CreatedAt:   time.Now().UTC(),
	}
	if params.Password != "" {
		hashed, err := hashPassword(params.Password)
		if err != nil {
			return models.Room{}, err
		}
		room.PasswordHash = hashed
	}

	ctx, cancel := s.opContext()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, password_hash, admin_conn_id, worker_index, max_users, is_streaming, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		room.ID, room.Name, room.PasswordHash, room.AdminConnID, room.WorkerIndex, room.MaxUsers, room.IsStreaming, room.CreatedAt)
	if err != nil {
		return models.Room{}, fmt.Errorf("insert room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Room{}, ErrRoomExists
	}
	return room, nil
}

const roomColumns = "id, name, password_hash, admin_conn_id, worker_index, max_users, is_streaming, created_at"

func scanRoom(row pgx.Row) (models.Room, error) {
	var room models.Room
	err := row.Scan(&room.ID, &room.Name, &room.PasswordHash, &room.AdminConnID,
		&room.WorkerIndex, &room.MaxUsers, &room.IsStreaming, &room.CreatedAt)
	return room, err
}

func (s *PostgresStore) GetRoom(id string) (models.Room, bool) {
	ctx, cancel := s.opContext()
	defer cancel()
	room, err := scanRoom(s.pool.QueryRow(ctx, "SELECT "+roomColumns+" FROM rooms WHERE id = $1", id))
	if err != nil {
		return models.Room{}, false
	}
	return room, true
}

func (s *PostgresStore) DeleteRoom(id string) error {
	ctx, cancel := s.opContext()
	defer cancel()
	if _, err := s.pool.Exec(ctx, "DELETE FROM rooms WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRooms() []models.Room {
	ctx, cancel := s.opContext()
	defer cancel()
	rows, err := s.pool.Query(ctx, "SELECT "+roomColumns+" FROM rooms ORDER BY created_at DESC, id")
	if err != nil {
		return nil
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return rooms
		}
		rooms = append(rooms, room)
	}
	return rooms
}

func (s *PostgresStore) RoomCount() int {
	ctx, cancel := s.opContext()
	defer cancel()
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rooms").Scan(&count); err != nil {
		return 0
	}
	return count
}

func (s *PostgresStore) VerifyPassword(id, candidate string) bool {
	ctx, cancel := s.opContext()
	defer cancel()
	var hash string
	err := s.pool.QueryRow(ctx, "SELECT password_hash FROM rooms WHERE id = $1", id).Scan(&hash)
	if err != nil {
		return false
	}
	if hash == "" {
		return true
	}
	return verifyPasswordHash(hash, candidate) == nil
}

func (s *PostgresStore) SetStreaming(id string, streaming bool) error {
	return s.updateRoom("UPDATE rooms SET is_streaming = $2 WHERE id = $1", id, streaming)
}

func (s *PostgresStore) SetMaxUsers(id string, maxUsers int) error {
	return s.updateRoom("UPDATE rooms SET max_users = $2 WHERE id = $1", id, maxUsers)
}

func (s *PostgresStore) UpdateAdminConn(id, connID string) error {
	return s.updateRoom("UPDATE rooms SET admin_conn_id = $2 WHERE id = $1", id, connID)
}

func (s *PostgresStore) updateRoom(query, id string, arg interface{}) error {
	ctx, cancel := s.opContext()
	defer cancel()
	tag, err := s.pool.Exec(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *PostgresStore) Reset() error {
	ctx, cancel := s.opContext()
	defer cancel()
	if _, err := s.pool.Exec(ctx, "DELETE FROM rooms"); err != nil {
		return fmt.Errorf("reset rooms: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var _ Store = (*PostgresStore)(nil)
