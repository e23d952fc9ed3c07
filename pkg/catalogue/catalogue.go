// Copyright 2024 The Briefwire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catalogue is the single SQLite-backed source of truth for
// Briefwire: sources and categories, collected articles, scores and reviews,
// users, pipelines and their child configuration rows, and run records.
//
// All writes funnel through one process-wide writer lock. SQLite serializes
// writers anyway; taking the lock in Go keeps multi-statement invariants
// (class allow-lists, exactly-one-delivery) atomic without busy-retry loops.
package catalogue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the catalogue database. Safe for concurrent use.
type Store struct {
	logger log.Logger
	db     *sqlx.DB

	// writeMu serializes all write transactions.
	writeMu sync.Mutex
}

// Open opens (creating if absent) the catalogue at path and applies pending
// migrations. Use ":memory:" for an ephemeral store in tests.
func Open(logger log.Logger, path string) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", url.PathEscape(path))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalogue %q: %w", path, err)
	}
	// A single connection sidesteps table-lock races between the pooled
	// connections; the writer mutex above does the real serialization.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate catalogue: %w", err)
	}
	_ = level.Debug(logger).Log("msg", "catalogue opened", "path", path)
	return &Store{logger: logger, db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteTx runs fn inside a write transaction under the writer lock. The
// transaction commits iff fn returns nil.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			_ = level.Warn(s.logger).Log("msg", "rollback failed", "err", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// getOne runs a single-row query mapping sql.ErrNoRows to ErrNotFound.
func getOne[T any](ctx context.Context, s *Store, query string, args ...any) (T, error) {
	var out T
	if err := s.db.GetContext(ctx, &out, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, ErrNotFound
		}
		return out, err
	}
	return out, nil
}
