package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/weftworks/loom/pkg/state"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLConfig configures a SQL-backed checkpointer.
// Supports PostgreSQL, MySQL, and SQLite via database/sql.
type SQLConfig struct {
	Driver   string `yaml:"driver" json:"driver"`
	DSN      string `yaml:"dsn" json:"dsn"`
	MaxConns int    `yaml:"max_conns,omitempty" json:"max_conns,omitempty"`
	MaxIdle  int    `yaml:"max_idle,omitempty" json:"max_idle,omitempty"`
}

func (c *SQLConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
}

func (c *SQLConfig) Validate() error {
	switch c.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported driver: %s (supported: postgres, mysql, sqlite)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

const createCheckpointsSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    thread_id VARCHAR(255) NOT NULL,
    checkpoint_id VARCHAR(64) NOT NULL,
    parent_checkpoint_id VARCHAR(64),
    state TEXT NOT NULL,
    message_count INTEGER NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (thread_id, checkpoint_id)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_id ON checkpoints(thread_id);
`

// SQL is a Checkpointer backed by a relational database.
//
// Checkpoint ids are minted under a per-thread lock so two saves on the same
// thread from this process never collide; saves on different threads do not
// contend.
type SQL struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
	stripes [32]sync.Mutex
}

var _ Checkpointer = (*SQL)(nil)

// NewSQL creates a SQL checkpointer on an existing connection and ensures
// the schema exists.
func NewSQL(db *sql.DB, dialect string) (*SQL, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQL{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLFromConfig opens a connection per the config and creates the
// checkpointer on it.
func NewSQLFromConfig(cfg *SQLConfig) (*SQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("SQL configuration is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Config uses "sqlite" but the go-sqlite3 driver registers as "sqlite3".
	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQL(db, cfg.Driver)
}

func (s *SQL) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createCheckpointsSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQL) Save(ctx context.Context, threadID string, st state.State) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("thread id cannot be empty")
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("serialize state: %w", err)
	}

	stripe := s.stripe(threadID)
	stripe.Lock()
	defer stripe.Unlock()

	lastID, err := s.latestID(ctx, threadID)
	if err != nil {
		return "", err
	}

	id := mintID(lastID)
	micros, _ := idMicros(id)

	query := `
INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, state, message_count, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, state, message_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	}

	_, err = s.db.ExecContext(ctx, query,
		threadID, id, lastID, string(payload), len(st.Messages), micros,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return id, nil
}

func (s *SQL) Load(ctx context.Context, threadID, checkpointID string) (state.State, error) {
	query := `
SELECT state FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?
`
	if s.dialect == "postgres" {
		query = `
SELECT state FROM checkpoints WHERE thread_id = $1 AND checkpoint_id = $2
`
	}

	var payload string
	err := s.db.QueryRowContext(ctx, query, threadID, checkpointID).Scan(&payload)
	if err == sql.ErrNoRows {
		return state.State{}, fmt.Errorf("thread %q checkpoint %q: %w", threadID, checkpointID, ErrNotFound)
	}
	if err != nil {
		return state.State{}, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return decodeState([]byte(payload))
}

func (s *SQL) LoadLatest(ctx context.Context, threadID string) (*state.State, error) {
	query := `
SELECT state FROM checkpoints WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1
`
	if s.dialect == "postgres" {
		query = `
SELECT state FROM checkpoints WHERE thread_id = $1 ORDER BY checkpoint_id DESC LIMIT 1
`
	}

	var payload string
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest checkpoint: %w", err)
	}

	st, err := decodeState([]byte(payload))
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQL) List(ctx context.Context, threadID string) ([]Info, error) {
	query := `
SELECT thread_id, checkpoint_id, parent_checkpoint_id, message_count, created_at
FROM checkpoints
WHERE thread_id = ?
ORDER BY checkpoint_id DESC
`
	if s.dialect == "postgres" {
		query = `
SELECT thread_id, checkpoint_id, parent_checkpoint_id, message_count, created_at
FROM checkpoints
WHERE thread_id = $1
ORDER BY checkpoint_id DESC
`
	}

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		var parent sql.NullString
		if err := rows.Scan(&info.ThreadID, &info.CheckpointID, &parent, &info.MessageCount, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		info.ParentCheckpointID = parent.String
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return infos, nil
}

func (s *SQL) Delete(ctx context.Context, threadID, checkpointID string) (bool, error) {
	query := `
DELETE FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?
`
	if s.dialect == "postgres" {
		query = `
DELETE FROM checkpoints WHERE thread_id = $1 AND checkpoint_id = $2
`
	}

	res, err := s.db.ExecContext(ctx, query, threadID, checkpointID)
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return affected > 0, nil
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) latestID(ctx context.Context, threadID string) (string, error) {
	query := `
SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1
`
	if s.dialect == "postgres" {
		query = `
SELECT checkpoint_id FROM checkpoints WHERE thread_id = $1 ORDER BY checkpoint_id DESC LIMIT 1
`
	}

	var id string
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest checkpoint id: %w", err)
	}
	return id, nil
}

func (s *SQL) stripe(threadID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}
