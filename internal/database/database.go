// Package database stores the source catalog in SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a catalog entry does not exist.
var ErrNotFound = errors.New("source not found")

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// SourceRecord is a source added through the CLI.
type SourceRecord struct {
	ID         string
	Name       string
	Locator    string
	Width      int
	Height     int
	InputSize  int
	Confidence float64
	Position   int
	CreatedAt  time.Time
}

// New opens the database at dbPath.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time keeps the position counter consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			locator TEXT NOT NULL,
			width INTEGER DEFAULT 0,
			height INTEGER DEFAULT 0,
			input_size INTEGER DEFAULT 0,
			confidence REAL DEFAULT 0,
			position INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_position ON sources(position)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// AddSource appends a source to the end of the catalog and fills in its ID,
// Position and CreatedAt.
func (d *Database) AddSource(ctx context.Context, src *SourceRecord) error {
	if strings.TrimSpace(src.Locator) == "" {
		return errors.New("locator is required")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM sources`).Scan(&next); err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}

	src.ID = uuid.NewString()
	src.Position = next
	src.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sources (id, name, locator, width, height, input_size, confidence, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, src.ID, src.Name, src.Locator, src.Width, src.Height,
		src.InputSize, src.Confidence, src.Position, src.CreatedAt); err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return tx.Commit()
}

// ListSources returns the catalog in insertion order.
func (d *Database) ListSources(ctx context.Context) ([]*SourceRecord, error) {
	query := `SELECT id, name, locator, width, height, input_size, confidence, position, created_at
		FROM sources ORDER BY position ASC`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*SourceRecord
	for rows.Next() {
		var s SourceRecord
		if err := rows.Scan(&s.ID, &s.Name, &s.Locator, &s.Width, &s.Height,
			&s.InputSize, &s.Confidence, &s.Position, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, &s)
	}
	return sources, rows.Err()
}

// RemoveSource deletes a source by ID. Positions of the remaining sources
// are left untouched, so their relative order is stable.
func (d *Database) RemoveSource(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
