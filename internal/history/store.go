// Package history persists executed console commands to a local SQLite
// database so past commands survive restarts and can be queried from
// the CLI and the API.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Entry is one recorded command execution.
type Entry struct {
	ID           int64     `json:"id"`
	Server       string    `json:"server"`
	Command      string    `json:"command"`
	Outcome      string    `json:"outcome"`
	ResponseSize int       `json:"response_size"`
	DurationMS   int64     `json:"duration_ms"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// Store wraps the SQLite command history with serialized write access.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens or creates the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database %s: %w", dbPath, err)
	}

	// SQLite doesn't support concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		log.Warn().Err(err).Msg("failed to set busy timeout")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("history database ping failed: %w", err)
	}

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: log.With().Str("component", "history").Logger(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", dbPath).Msg("history database opened")
	return s, nil
}

// migrate creates the schema. executed_at is stored as unix
// milliseconds to keep ordering and pruning independent of driver
// datetime handling.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS command_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server TEXT NOT NULL,
			command TEXT NOT NULL,
			outcome TEXT NOT NULL,
			response_size INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			executed_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_server ON command_history(server);
		CREATE INDEX IF NOT EXISTS idx_history_executed_at ON command_history(executed_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("history schema migration failed: %w", err)
	}

	s.logger.Debug().Msg("history schema migrated")
	return nil
}

// Record appends one entry. A zero ExecutedAt means now.
func (s *Store) Record(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO command_history (server, command, outcome, response_size, duration_ms, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Server, entry.Command, entry.Outcome, entry.ResponseSize, entry.DurationMS,
		entry.ExecutedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record history entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first. An empty server
// matches all servers; limit <= 0 falls back to 50.
func (s *Store) Recent(server string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, server, command, outcome, response_size, duration_ms, executed_at
	          FROM command_history`
	args := []interface{}{}
	if server != "" {
		query += ` WHERE server = ?`
		args = append(args, server)
	}
	query += ` ORDER BY executed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Server, &e.Command, &e.Outcome, &e.ResponseSize, &e.DurationMS, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.ExecutedAt = time.UnixMilli(ms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than retention and reports how many were
// removed.
func (s *Store) Prune(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM command_history WHERE executed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("pruned old history entries")
	}
	return removed, nil
}

// Count returns the total number of stored entries.
func (s *Store) Count() (int64, error) {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM command_history`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history entries: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
