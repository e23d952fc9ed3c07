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
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Sentinel error kinds. Callers (the admin API in particular) map these to
// response codes, so wrap them rather than inventing parallel types.
var (
	// ErrNotFound: the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a uniqueness or referential constraint was violated.
	ErrConflict = errors.New("conflict")
	// ErrInvalidWrite: the write is structurally valid SQL-wise but breaks a
	// catalogue invariant (class allow-lists, exactly-one-delivery, etc).
	ErrInvalidWrite = errors.New("invalid write")
)

// mapSQLiteErr converts driver-level constraint failures into the sentinel
// kinds above. Anything else passes through wrapped.
func mapSQLiteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		switch serr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, serr.Error())
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, serr.Error())
		case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
			return fmt.Errorf("%s: %w: %s", op, ErrInvalidWrite, serr.Error())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidWrite, fmt.Sprintf(format, args...))
}
