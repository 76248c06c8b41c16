// Package store provides workspace persistence and retrieval.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sevir/atalaya/pkg/models"
)

// Store defines the interface for workspace storage.
type Store interface {
	Save(ws *models.Workspace) error
	Get(id string) (*models.Workspace, error)
	List() ([]*models.Workspace, error)
	Delete(id string) error
	UpdateLastModel(id, model string) error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	remote_url TEXT NOT NULL DEFAULT '',
	last_model TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
`

// SQLiteStore implements Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save inserts or replaces a workspace row. Connection state and live
// session lists are runtime-only and not persisted.
func (s *SQLiteStore) Save(ws *models.Workspace) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO workspaces (id, path, remote_url, last_model, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.Path, ws.RemoteURL, ws.LastModel, ws.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save workspace: %w", err)
	}
	return nil
}

// Get retrieves a workspace by ID.
func (s *SQLiteStore) Get(id string) (*models.Workspace, error) {
	row := s.db.QueryRow(
		`SELECT id, path, remote_url, last_model, created_at FROM workspaces WHERE id = ?`, id,
	)
	ws, err := scanWorkspace(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workspace %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// List retrieves all workspaces, newest first.
func (s *SQLiteStore) List() ([]*models.Workspace, error) {
	rows, err := s.db.Query(
		`SELECT id, path, remote_url, last_model, created_at FROM workspaces ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Delete removes a workspace by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: workspace %s", models.ErrNotFound, id)
	}
	return nil
}

// UpdateLastModel records the model last used in a workspace so new
// sessions can default to it.
func (s *SQLiteStore) UpdateLastModel(id, model string) error {
	res, err := s.db.Exec(`UPDATE workspaces SET last_model = ? WHERE id = ?`, model, id)
	if err != nil {
		return fmt.Errorf("failed to update last model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update last model: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: workspace %s", models.ErrNotFound, id)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanWorkspace(scan func(dest ...any) error) (*models.Workspace, error) {
	var ws models.Workspace
	var created string
	if err := scan(&ws.ID, &ws.Path, &ws.RemoteURL, &ws.LastModel, &created); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", created, err)
	}
	ws.CreatedAt = t
	ws.ConnState = models.ConnDisconnected
	return &ws, nil
}
