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

// Package weekday is the single source of truth for pipeline weekday sets.
//
// A set is three-valued: absent (no restriction), empty (never run, a soft
// pause), or a non-empty subset of the ISO weekdays 1 (Monday) through
// 7 (Sunday). Every component that stores, transports or checks weekday
// state goes through this package; nothing else may interpret the raw JSON.
package weekday

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Days is a weekday restriction. The zero value is "no restriction".
type Days struct {
	set     []int
	present bool
}

// None is the unrestricted value.
var None = Days{}

// Some builds a restriction from the given ISO weekdays, normalized.
func Some(days ...int) Days {
	return Days{set: Normalize(days), present: true}
}

// Present reports whether a restriction exists at all (NULL vs array).
func (d Days) Present() bool { return d.present }

// List returns the normalized weekdays, nil when unrestricted.
func (d Days) List() []int {
	if !d.present {
		return nil
	}
	out := make([]int, len(d.set))
	copy(out, d.set)
	return out
}

// Parse strictly parses a stored or transported weekday payload: JSON null
// (or no payload at all) means unrestricted, a JSON array of integers is a
// restriction. Anything else is a validation error; the caller drops the
// offending write.
func Parse(raw []byte) (Days, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return None, nil
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return None, fmt.Errorf("weekdays must be null or an array of integers: %w", err)
	}
	for _, d := range ints {
		if d < 1 || d > 7 {
			return None, fmt.Errorf("weekday %d outside 1..7", d)
		}
	}
	return Days{set: Normalize(ints), present: true}, nil
}

// Coerce is the tolerant reader for legacy payloads: in addition to the
// strict forms it accepts a single integer ("3"), a quoted comma-separated
// string ("\"1,2,3\""), or a bare comma-separated string. It reports whether
// coercion beyond Parse happened so the caller can log a deprecation
// warning.
func Coerce(raw []byte) (Days, bool, error) {
	if d, err := Parse(raw); err == nil {
		return d, false, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if n, err := strconv.Atoi(trimmed); err == nil {
		if n < 1 || n > 7 {
			return None, false, fmt.Errorf("weekday %d outside 1..7", n)
		}
		return Some(n), true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		trimmed = s
	}
	var days []int
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 7 {
			return None, false, fmt.Errorf("cannot coerce weekday payload %q", string(raw))
		}
		days = append(days, n)
	}
	if len(days) == 0 {
		return None, false, fmt.Errorf("cannot coerce weekday payload %q", string(raw))
	}
	return Some(days...), true, nil
}

// Normalize dedupes, sorts and clips to the 1..7 range.
func Normalize(days []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(days))
	for _, d := range days {
		if d < 1 || d > 7 || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// isoWeekday maps time.Weekday (Sunday=0) to ISO (Monday=1 .. Sunday=7).
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// IsAllowed decides whether an instant falls inside the restriction,
// evaluated in the given location. Unrestricted always allows; an empty set
// never allows.
func (d Days) IsAllowed(instant time.Time, loc *time.Location) bool {
	if !d.present {
		return true
	}
	if len(d.set) == 0 {
		return false
	}
	iso := isoWeekday(instant.In(loc))
	for _, day := range d.set {
		if day == iso {
			return true
		}
	}
	return false
}

// UI summary tags.
const (
	TagUnrestricted = "unrestricted"
	TagNever        = "never"
	TagEveryDay     = "every_day"
	TagWeekday      = "weekday"
	TagWeekend      = "weekend"
	TagCustom       = "custom"
)

// Tag summarizes the set for UI listings.
func (d Days) Tag() string {
	if !d.present {
		return TagUnrestricted
	}
	switch {
	case len(d.set) == 0:
		return TagNever
	case equal(d.set, []int{1, 2, 3, 4, 5, 6, 7}):
		return TagEveryDay
	case equal(d.set, []int{1, 2, 3, 4, 5}):
		return TagWeekday
	case equal(d.set, []int{6, 7}):
		return TagWeekend
	default:
		return TagCustom
	}
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarshalJSON writes null for unrestricted and the normalized array
// otherwise, so storage round-trips preserve the three-valued distinction.
func (d Days) MarshalJSON() ([]byte, error) {
	if !d.present {
		return []byte("null"), nil
	}
	if len(d.set) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(d.set)
}

// UnmarshalJSON is the strict Parse.
func (d *Days) UnmarshalJSON(raw []byte) error {
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// String renders the stored form, for logs and the catalogue column.
func (d Days) String() string {
	b, _ := d.MarshalJSON()
	return string(b)
}

// FromColumn parses the nullable catalogue column (nil pointer = NULL).
func FromColumn(col *string) (Days, error) {
	if col == nil {
		return None, nil
	}
	return Parse([]byte(*col))
}

// ToColumn renders for the nullable catalogue column.
func (d Days) ToColumn() *string {
	if !d.present {
		return nil
	}
	s := d.String()
	return &s
}
