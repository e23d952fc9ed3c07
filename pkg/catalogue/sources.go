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

package catalogue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateCategory inserts a category. The key must be unique.
func (s *Store) CreateCategory(ctx context.Context, c *Category) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO categories (key, label, enabled, allow_parallel) VALUES (?, ?, ?, ?)`,
			c.Key, c.Label, c.Enabled, c.AllowParallel)
		if err != nil {
			return mapSQLiteErr("create category", err)
		}
		c.ID, _ = res.LastInsertId()
		return nil
	})
}

// UpdateCategory updates label/enabled/allow_parallel by key.
func (s *Store) UpdateCategory(ctx context.Context, c Category) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE categories SET label = ?, enabled = ?, allow_parallel = ? WHERE key = ?`,
			c.Label, c.Enabled, c.AllowParallel, c.Key)
		if err != nil {
			return mapSQLiteErr("update category", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListCategories returns all categories ordered by key.
func (s *Store) ListCategories(ctx context.Context) ([]Category, error) {
	var out []Category
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM categories ORDER BY key`)
	return out, err
}

// GetCategory looks a category up by key.
func (s *Store) GetCategory(ctx context.Context, key string) (Category, error) {
	return getOne[Category](ctx, s, `SELECT * FROM categories WHERE key = ?`, key)
}

// CreateSource inserts a source with its addresses in one transaction. An
// enabled source must carry at least one address.
func (s *Store) CreateSource(ctx context.Context, src *Source) error {
	if src.Enabled && len(src.Addresses) == 0 {
		return invalidf("enabled source %q needs at least one address", src.Key)
	}
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sources (key, label, category_key, enabled, script_path) VALUES (?, ?, ?, ?, ?)`,
			src.Key, src.Label, src.CategoryKey, src.Enabled, src.ScriptPath)
		if err != nil {
			return mapSQLiteErr("create source", err)
		}
		src.ID, _ = res.LastInsertId()
		return replaceAddresses(ctx, tx, src.ID, src.Addresses)
	})
}

// UpdateSource updates a source by key and replaces its address list.
func (s *Store) UpdateSource(ctx context.Context, src Source) error {
	if src.Enabled && len(src.Addresses) == 0 {
		return invalidf("enabled source %q needs at least one address", src.Key)
	}
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		if err := tx.GetContext(ctx, &id, `SELECT id FROM sources WHERE key = ?`, src.Key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE sources SET label = ?, category_key = ?, enabled = ?, script_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			src.Label, src.CategoryKey, src.Enabled, src.ScriptPath, id)
		if err != nil {
			return mapSQLiteErr("update source", err)
		}
		return replaceAddresses(ctx, tx, id, src.Addresses)
	})
}

func replaceAddresses(ctx context.Context, tx *sqlx.Tx, sourceID int64, addrs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM source_addresses WHERE source_id = ?`, sourceID); err != nil {
		return mapSQLiteErr("replace addresses", err)
	}
	for i, a := range addrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_addresses (source_id, address, sort_order) VALUES (?, ?, ?)`,
			sourceID, a, i); err != nil {
			return mapSQLiteErr("replace addresses", err)
		}
	}
	return nil
}

// DeleteSource removes a source by key; its addresses cascade.
func (s *Store) DeleteSource(ctx context.Context, key string) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE key = ?`, key)
		if err != nil {
			return mapSQLiteErr("delete source", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetSource returns one source with addresses.
func (s *Store) GetSource(ctx context.Context, key string) (Source, error) {
	src, err := getOne[Source](ctx, s, `SELECT * FROM sources WHERE key = ?`, key)
	if err != nil {
		return Source{}, err
	}
	if err := s.loadAddresses(ctx, &src); err != nil {
		return Source{}, err
	}
	return src, nil
}

func (s *Store) loadAddresses(ctx context.Context, src *Source) error {
	return s.db.SelectContext(ctx, &src.Addresses,
		`SELECT address FROM source_addresses WHERE source_id = ? ORDER BY sort_order`, src.ID)
}

// ListSources returns all sources with addresses, ordered by key.
func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	var out []Source
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM sources ORDER BY key`); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadAddresses(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListEnabledSources returns enabled sources in enabled categories, with
// addresses, optionally restricted to the given category and source keys
// (nil slice means unrestricted).
func (s *Store) ListEnabledSources(ctx context.Context, categoryKeys, sourceKeys []string) ([]Source, error) {
	q := `SELECT s.* FROM sources s
	      JOIN categories c ON c.key = s.category_key
	      WHERE s.enabled = 1 AND c.enabled = 1`
	var args []any
	if categoryKeys != nil {
		in, inArgs, err := sqlx.In(` AND s.category_key IN (?)`, categoryKeys)
		if err != nil {
			return nil, err
		}
		q += in
		args = append(args, inArgs...)
	}
	if sourceKeys != nil {
		in, inArgs, err := sqlx.In(` AND s.key IN (?)`, sourceKeys)
		if err != nil {
			return nil, err
		}
		q += in
		args = append(args, inArgs...)
	}
	q += ` ORDER BY s.key`
	var out []Source
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadAddresses(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetSourceRun returns the last successful collection time for a source, or
// ErrNotFound if it has never run.
func (s *Store) GetSourceRun(ctx context.Context, sourceID int64) (SourceRun, error) {
	return getOne[SourceRun](ctx, s, `SELECT * FROM source_runs WHERE source_id = ?`, sourceID)
}

// UpsertSourceRun records a successful collection for a source.
func (s *Store) UpsertSourceRun(ctx context.Context, sourceID int64, at time.Time) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_runs (source_id, last_run_at) VALUES (?, ?)
			 ON CONFLICT (source_id) DO UPDATE SET last_run_at = excluded.last_run_at`,
			sourceID, at.UTC())
		return mapSQLiteErr("upsert source run", err)
	})
}
