// Package nodestore persists the node's own state (its ring location and
// how far it has moved) in a small SQLite file.
package nodestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const createNodeTable = `
CREATE TABLE IF NOT EXISTS node_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  location REAL NOT NULL,
  loc_change_session REAL NOT NULL,
  updated_at_unix INTEGER NOT NULL
);`

const busyTimeout = 5 * time.Second

// ErrClosed is returned when using a closed store.
var ErrClosed = errors.New("node store not initialized")

// State is what survives a restart.
type State struct {
	Location         float64   `db:"location"`
	LocChangeSession float64   `db:"loc_change_session"`
	UpdatedAt        time.Time `db:"-"`
}

// Store is a single-row table holding the node state.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, errors.Errorf("cannot open node database: %w", err)
	}
	// one connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", int64(busyTimeout/time.Millisecond)),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Errorf("cannot set node database parameter: %w", err)
		}
	}
	if _, err := db.Exec(createNodeTable); err != nil {
		_ = db.Close()
		return nil, errors.Errorf("cannot create node_state table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Load returns the saved state. ok is false when nothing was saved yet.
func (s *Store) Load(ctx context.Context) (State, bool, error) {
	if s == nil || s.db == nil {
		return State{}, false, ErrClosed
	}
	var row struct {
		State
		UpdatedAtUnix int64 `db:"updated_at_unix"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT location, loc_change_session, updated_at_unix FROM node_state WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, false, nil
		}
		return State{}, false, errors.Errorf("query node_state: %w", err)
	}
	st := row.State
	st.UpdatedAt = time.Unix(row.UpdatedAtUnix, 0)
	return st, true, nil
}

// SaveLocation replaces the saved state.
func (s *Store) SaveLocation(ctx context.Context, loc, changeSession float64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_state (id, location, loc_change_session, updated_at_unix)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   location=excluded.location,
		   loc_change_session=excluded.loc_change_session,
		   updated_at_unix=excluded.updated_at_unix`,
		loc, changeSession, s.now().Unix(),
	)
	if err != nil {
		return errors.Errorf("upsert node_state: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
