package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nomis52/phaseflow/approval"
	"github.com/nomis52/phaseflow/workflow"
)

// SQLite is a Store backed by a SQLite database through modernc.org/sqlite.
// Records are kept as JSON bodies next to the columns used for lookups.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path. An empty path opens a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// A single connection keeps writers from tripping over SQLITE_BUSY and keeps
	// an in-memory database alive between calls.
	db.SetMaxOpenConns(1)

	s, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite initializes the schema in db and returns a store using it.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing sqlite schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying database, for sharing with SQLiteBooks.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		template TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		state TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS instances_run ON instances (run_id)`,
	`CREATE TABLE IF NOT EXISTS versions (
		phase TEXT NOT NULL,
		number INTEGER NOT NULL,
		status TEXT NOT NULL,
		is_final INTEGER NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (phase, number)
	)`,
	`CREATE TABLE IF NOT EXISTS version_books (
		phase TEXT PRIMARY KEY,
		token INTEGER NOT NULL,
		body TEXT NOT NULL
	)`,
}

func (s *SQLite) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) PersistInstance(ctx context.Context, inst workflow.Instance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encoding instance %s: %w", inst.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, run_id, template, partition_key, state, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		inst.ID,
		inst.RunID,
		inst.Template.String(),
		inst.PartitionKey,
		inst.State.String(),
		string(body),
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("writing instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *SQLite) PersistVersion(ctx context.Context, v approval.PhaseVersion) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding version %s/%d: %w", v.Phase, v.Number, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO versions (phase, number, status, is_final, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (phase, number) DO UPDATE SET
			status = excluded.status,
			is_final = excluded.is_final,
			body = excluded.body`,
		v.Phase,
		v.Number,
		string(v.Status),
		v.IsFinal,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("writing version %s/%d: %w", v.Phase, v.Number, err)
	}
	return nil
}

func (s *SQLite) Instance(ctx context.Context, id string) (workflow.Instance, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM instances WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("reading instance %s: %w", id, err)
	}
	var inst workflow.Instance
	if err := json.Unmarshal([]byte(body), &inst); err != nil {
		return workflow.Instance{}, fmt.Errorf("decoding instance %s: %w", id, err)
	}
	return inst, nil
}

func (s *SQLite) Instances(ctx context.Context, runID string) ([]workflow.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM instances WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing instances of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []workflow.Instance
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var inst workflow.Instance
		if err := json.Unmarshal([]byte(body), &inst); err != nil {
			return nil, fmt.Errorf("decoding instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLite) Versions(ctx context.Context, phase string) ([]approval.PhaseVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM versions WHERE phase = ? ORDER BY number`, phase)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", phase, err)
	}
	defer rows.Close()

	var out []approval.PhaseVersion
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v approval.PhaseVersion
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decoding version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// SQLiteBooks is an approval.Store keeping version books in the same database.
// The compare-and-swap is a conditional UPDATE on the token column.
type SQLiteBooks struct {
	db *sql.DB
}

var _ approval.Store = (*SQLiteBooks)(nil)

// NewSQLiteBooks returns a book store sharing the database of s.
func NewSQLiteBooks(s *SQLite) *SQLiteBooks {
	return &SQLiteBooks{db: s.db}
}

func (b *SQLiteBooks) Load(ctx context.Context, phase string) (approval.Book, error) {
	var body string
	err := b.db.QueryRowContext(ctx, `SELECT body FROM version_books WHERE phase = ?`, phase).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Book{Phase: phase}, nil
	}
	if err != nil {
		return approval.Book{}, fmt.Errorf("reading book %s: %w", phase, err)
	}
	var book approval.Book
	if err := json.Unmarshal([]byte(body), &book); err != nil {
		return approval.Book{}, fmt.Errorf("decoding book %s: %w", phase, err)
	}
	return book, nil
}

func (b *SQLiteBooks) CompareAndSwap(ctx context.Context, book approval.Book, expected uint64) error {
	body, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("encoding book %s: %w", book.Phase, err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = b.db.ExecContext(ctx, `
			INSERT INTO version_books (phase, token, body) VALUES (?, ?, ?)
			ON CONFLICT (phase) DO NOTHING`,
			book.Phase, int64(book.Token), string(body))
	} else {
		res, err = b.db.ExecContext(ctx, `
			UPDATE version_books SET token = ?, body = ? WHERE phase = ? AND token = ?`,
			int64(book.Token), string(body), book.Phase, int64(expected))
	}
	if err != nil {
		return fmt.Errorf("writing book %s: %w", book.Phase, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return approval.ErrStale
	}
	return nil
}
