package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/symbol-reader-service/models"
	_ "github.com/mattn/go-sqlite3"
)

const DefaultLimit = 50

// Store keeps a summary of every pipeline run in SQLite.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		confidence REAL DEFAULT 0,
		box_count INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// Insert stores rec and returns its id. A zero CreatedAt is set to now.
func (s *Store) Insert(rec *models.RunRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`
		INSERT INTO runs (request_id, text, confidence, box_count, failures, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RequestID, rec.Text, rec.Confidence, rec.BoxCount, rec.Failures, rec.Error, rec.Duration, rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT id, request_id, text, confidence, box_count, failures, error, duration_ms, created_at
		FROM runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	records := []models.RunRecord{}
	for rows.Next() {
		var rec models.RunRecord
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Text, &rec.Confidence, &rec.BoxCount,
			&rec.Failures, &rec.Error, &rec.Duration, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Close() error {
	return s.conn.Close()
}
