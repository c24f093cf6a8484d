// Package store persists named session-context snapshots in SQLite so a
// conversation prefix can be restored into a new session later.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sessiond/internal/errkind"
	"sessiond/internal/session"
)

// ErrNotFound is returned when no snapshot has the requested name.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a stored SessionContext.
type Snapshot struct {
	Name      string
	ModelPath string
	Context   session.SessionContext
	CreatedAt time.Time
}

// Store wraps a SQLite database of snapshots.
type Store struct {
	db *sql.DB
}

// Open opens (and initializes) the database file at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errkind.New(errkind.InvalidArguments, "empty snapshot database path")
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("snapshot store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			name TEXT PRIMARY KEY,
			model_path TEXT NOT NULL,
			text TEXT NOT NULL,
			tokens TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create snapshots table: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func validName(name string) error {
	if strings.TrimSpace(name) == "" || len(name) > 128 || strings.ContainsAny(name, "/\\") {
		return errkind.New(errkind.InvalidArguments, fmt.Sprintf("invalid snapshot name %q", name))
	}
	return nil
}

// Save stores c under name, replacing any snapshot with that name.
func (s *Store) Save(ctx context.Context, name, modelPath string, c session.SessionContext) error {
	if err := validName(name); err != nil {
		return err
	}
	tokens := c.Tokens
	if tokens == nil {
		tokens = []session.SessionContextToken{}
	}
	b, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (name, model_path, text, tokens, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			model_path = excluded.model_path,
			text = excluded.text,
			tokens = excluded.tokens,
			created_at = excluded.created_at`,
		name, modelPath, c.Text, string(b), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", name, err)
	}
	return nil
}

// Get returns the snapshot stored under name.
func (s *Store) Get(ctx context.Context, name string) (Snapshot, error) {
	var (
		snap   Snapshot
		tokens string
		ts     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, model_path, text, tokens, created_at FROM snapshots WHERE name = ?`, name).
		Scan(&snap.Name, &snap.ModelPath, &snap.Context.Text, &tokens, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(tokens), &snap.Context.Tokens); err != nil {
		return Snapshot{}, errkind.Wrap(errkind.SessionContextUnavailable, "decode snapshot "+name, err)
	}
	snap.CreatedAt = time.Unix(0, ts)
	return snap, nil
}

// List returns all snapshots ordered by name, without their tokens.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, model_path, text, json_array_length(tokens), created_at FROM snapshots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	out := []Snapshot{}
	for rows.Next() {
		var (
			snap Snapshot
			n    int
			ts   int64
		)
		if err := rows.Scan(&snap.Name, &snap.ModelPath, &snap.Context.Text, &n, &ts); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snap.Context.Tokens = make([]session.SessionContextToken, n)
		snap.CreatedAt = time.Unix(0, ts)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// Delete removes the snapshot stored under name.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return nil
}

// ExportCache writes the snapshot's tokens as a session-cache file at path
// and returns how many tokens it wrote. A session configured with that
// cache reuses the snapshot's prefix.
func (s *Store) ExportCache(ctx context.Context, name, path string) (int, error) {
	if path == "" {
		return 0, errkind.New(errkind.InvalidArguments, "empty export path")
	}
	snap, err := s.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	ids := snap.Context.TokenIDs()
	if err := session.WriteTokens(path, ids); err != nil {
		return 0, err
	}
	// engine state saved for an earlier cache at path no longer matches
	_ = os.Remove(session.StatePath(path))
	return len(ids), nil
}
