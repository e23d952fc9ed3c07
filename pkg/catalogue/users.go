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

	"github.com/jmoiron/sqlx"
)

// CreateUser inserts a user. Email must be unique.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (email, name, is_admin, enabled) VALUES (?, ?, ?, ?)`,
			u.Email, u.Name, u.IsAdmin, u.Enabled)
		if err != nil {
			return mapSQLiteErr("create user", err)
		}
		u.ID, _ = res.LastInsertId()
		return nil
	})
}

// GetUser returns one user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	return getOne[User](ctx, s, `SELECT * FROM users WHERE id = ?`, id)
}

// GetUserByEmail returns one user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return getOne[User](ctx, s, `SELECT * FROM users WHERE email = ?`, email)
}

// ListUsers returns all users ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM users ORDER BY email`)
	return out, err
}

// UpdateUser updates the admin-editable user fields by id.
func (s *Store) UpdateUser(ctx context.Context, u User) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET email = ?, name = ?, is_admin = ?, enabled = ? WHERE id = ?`,
			u.Email, u.Name, u.IsAdmin, u.Enabled, u.ID)
		if err != nil {
			return mapSQLiteErr("update user", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DisableUserByEmail flips enabled off; used by the unsubscribe endpoint.
// Unsubscribing an unknown address is not an error.
func (s *Store) DisableUserByEmail(ctx context.Context, email string) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE users SET enabled = 0 WHERE email = ?`, email)
		return mapSQLiteErr("disable user", err)
	})
}

// MutateUserPushState reads the user's push-gate fields and writes fn's
// mutation back inside one write transaction, so a concurrent gate check
// never observes a half-applied count/date/timestamp triple. fn returning an
// error aborts without writing.
func (s *Store) MutateUserPushState(ctx context.Context, userID int64, fn func(u *User) error) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		var u User
		if err := tx.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE users SET manual_push_count = ?, manual_push_date = ?, manual_push_last_at = ? WHERE id = ?`,
			u.ManualPushCount, u.ManualPushDate, u.ManualPushLastAt, u.ID)
		return mapSQLiteErr("update push state", err)
	})
}
