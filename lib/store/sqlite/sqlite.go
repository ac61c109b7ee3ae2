package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/store"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// row mirrors the captchas table.
type row struct {
	Key       string `db:"key"`
	Text      string `db:"text"`
	CreatedAt int64  `db:"created_at"`
}

func (r row) record() challenge.Record {
	return challenge.Record{
		Token:    r.Key,
		Answer:   r.Text,
		IssuedAt: time.UnixMilli(r.CreatedAt),
	}
}

// Store implements store.Interface on a SQLite database file.
//
// The pool is limited to one connection. SQLite has a single writer anyway,
// and it serializes Take against the sweep without extra locking.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the database at path and applies the schema. It is
// safe to call on an existing database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("can't open sqlite database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, rec challenge.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captchas (key, text, created_at) VALUES (?, ?, ?)`,
		rec.Token, rec.Answer, rec.IssuedAt.UnixMilli(),
	)

	var serr sqlite3.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint:
		return fmt.Errorf("%w: %q", store.ErrConflict, rec.Token)
	default:
		return fmt.Errorf("can't insert %q: %w", rec.Token, err)
	}
}

func (s *Store) Get(ctx context.Context, token string) (challenge.Record, error) {
	var r row
	if err := s.db.GetContext(ctx, &r, `SELECT key, text, created_at FROM captchas WHERE key = ?`, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return challenge.Record{}, fmt.Errorf("%w: %q", store.ErrNotFound, token)
		}

		return challenge.Record{}, fmt.Errorf("can't select %q: %w", token, err)
	}

	return r.record(), nil
}

func (s *Store) Take(ctx context.Context, token string) (challenge.Record, error) {
	var r row
	if err := s.db.GetContext(ctx, &r, `DELETE FROM captchas WHERE key = ? RETURNING key, text, created_at`, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return challenge.Record{}, fmt.Errorf("%w: %q", store.ErrNotFound, token)
		}

		return challenge.Record{}, fmt.Errorf("can't take %q: %w", token, err)
	}

	return r.record(), nil
}

func (s *Store) Delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM captchas WHERE key = ?`, token); err != nil {
		return fmt.Errorf("can't delete %q: %w", token, err)
	}

	return nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM captchas WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("can't delete expired captchas: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("can't count deleted captchas: %w", err)
	}

	return int(n), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM captchas`); err != nil {
		return 0, fmt.Errorf("can't count captchas: %w", err)
	}

	return n, nil
}

func (s *Store) List(ctx context.Context) ([]challenge.Record, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, text, created_at FROM captchas ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("can't list captchas: %w", err)
	}

	result := make([]challenge.Record, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.record())
	}

	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
