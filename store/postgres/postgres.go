// Package postgres stores entries in a PostgreSQL table through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mace/store"
)

func init() {
	open := func(ctx context.Context, uri, collection string) (store.Store, error) {
		return Open(ctx, uri, collection)
	}
	store.Register("postgres", open)
	store.Register("postgresql", open)
}

type Store struct {
	pool  *pgxpool.Pool
	table string
}

// Open connects to databaseURL and makes sure table exists.
func Open(ctx context.Context, databaseURL, table string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{pool: pool, table: table}
	if err := s.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// Init creates the table and its lookup index.
func (s *Store) Init(ctx context.Context) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		identity_key TEXT NOT NULL,
		editor_id TEXT NOT NULL,
		origin TEXT NOT NULL,
		client TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		body JSONB NOT NULL,
		versions JSONB NOT NULL
	)`, s.ident())
	if _, err := s.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (identity_key, editor_id, ts DESC)`,
		pgx.Identifier{s.table + "_latest"}.Sanitize(), s.ident())
	if _, err := s.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("create index on %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, e store.Entry) error {
	body, err := json.Marshal(e.Update)
	if err != nil {
		return err
	}
	versions, err := json.Marshal(e.Versions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity_key, editor_id, origin, client, email, ts, body, versions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.ident()),
		e.IdentityKey, e.EditorID, e.Origin, e.Client, e.Email, e.Timestamp, body, versions)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, identityKey, editorID string) (*store.Entry, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT origin, client, email, ts, body, versions FROM %s
			WHERE identity_key = $1 AND editor_id = $2 ORDER BY ts DESC LIMIT 1`, s.ident()),
		identityKey, editorID)

	e := store.Entry{IdentityKey: identityKey, EditorID: editorID}
	var body, versions []byte
	if err := row.Scan(&e.Origin, &e.Client, &e.Email, &e.Timestamp, &body, &versions); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	if err := json.Unmarshal(body, &e.Update); err != nil {
		return nil, fmt.Errorf("decode stored update: %w", err)
	}
	if err := json.Unmarshal(versions, &e.Versions); err != nil {
		return nil, fmt.Errorf("decode stored versions: %w", err)
	}
	return &e, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
