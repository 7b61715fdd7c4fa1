package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
)

const busyTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS workspace_snapshot (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS message_sessions (
	conversation_id INTEGER PRIMARY KEY,
	data            TEXT NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
`

// SQLiteStore persists the Pylon state to a single SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// OpenSQLite opens (creating if needed) the Pylon database.
//
// Writer DSN settings:
//   - busy_timeout: wait briefly on locks to reduce transient "database is locked".
//   - journal_mode=WAL: better read concurrency with a single writer.
//   - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
func OpenSQLite(dbPath string, log *logger.Logger) (*SQLiteStore, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info("database initialized", zap.String("db_path", normalized))
	return &SQLiteStore{
		db:     db,
		logger: log.WithComponent("persistence"),
	}, nil
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// SaveWorkspaceSnapshot stores the full workspace snapshot.
func (s *SQLiteStore) SaveWorkspaceSnapshot(data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO workspace_snapshot (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), time.Now().UTC())
	return err
}

// LoadWorkspaceSnapshot returns the stored snapshot, or nil when none exists.
func (s *SQLiteStore) LoadWorkspaceSnapshot() ([]byte, error) {
	var data string
	err := s.db.Get(&data, `SELECT data FROM workspace_snapshot WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// SaveMessageSession stores one conversation's full message log as JSON.
func (s *SQLiteStore) SaveMessageSession(id identity.ConversationID, msgs []*messages.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to serialize message session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO message_sessions (conversation_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, int64(id), string(data), time.Now().UTC())
	return err
}

// LoadMessageSession returns one conversation's log, or nil when none exists.
func (s *SQLiteStore) LoadMessageSession(id identity.ConversationID) ([]*messages.Message, error) {
	var data string
	err := s.db.Get(&data, `SELECT data FROM message_sessions WHERE conversation_id = ?`, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []*messages.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("failed to deserialize message session: %w", err)
	}
	return msgs, nil
}

// DeleteMessageSession removes a conversation's stored log.
func (s *SQLiteStore) DeleteMessageSession(id identity.ConversationID) error {
	_, err := s.db.Exec(`DELETE FROM message_sessions WHERE conversation_id = ?`, int64(id))
	return err
}

// FlushAll checkpoints the WAL so all state is in the main database file.
func (s *SQLiteStore) FlushAll() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Close runs PRAGMA optimize and closes the database.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec(`PRAGMA optimize`)
	return s.db.Close()
}

var _ Persistence = (*SQLiteStore)(nil)
