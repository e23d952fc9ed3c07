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

package weekday

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		name    string
		raw     string
		want    Days
		wantErr bool
	}{
		{name: "null", raw: `null`, want: None},
		{name: "empty payload", raw: ``, want: None},
		{name: "empty array", raw: `[]`, want: Some()},
		{name: "subset", raw: `[1,3,5]`, want: Some(1, 3, 5)},
		{name: "dedupe and sort", raw: `[5,1,5,3]`, want: Some(1, 3, 5)},
		{name: "out of range", raw: `[0,1]`, wantErr: true},
		{name: "eight", raw: `[8]`, wantErr: true},
		{name: "string payload", raw: `"1,2"`, wantErr: true},
		{name: "object payload", raw: `{"days":[1]}`, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %s", err)
			}
			if got.Present() != tc.want.Present() {
				t.Errorf("present: want %v, got %v", tc.want.Present(), got.Present())
			}
			if diff := cmp.Diff(tc.want.List(), got.List()); diff != "" {
				t.Errorf("days differ (-want +got): %s", diff)
			}
		})
	}
}

func TestCoerce(t *testing.T) {
	for _, tc := range []struct {
		name       string
		raw        string
		want       Days
		wantLegacy bool
		wantErr    bool
	}{
		{name: "strict passthrough", raw: `[2,4]`, want: Some(2, 4)},
		{name: "null passthrough", raw: `null`, want: None},
		{name: "single integer", raw: `3`, want: Some(3), wantLegacy: true},
		{name: "quoted csv", raw: `"1, 2,3"`, want: Some(1, 2, 3), wantLegacy: true},
		{name: "bare csv", raw: `6,7`, want: Some(6, 7), wantLegacy: true},
		{name: "garbage", raw: `monday`, wantErr: true},
		{name: "out of range csv", raw: `"0,9"`, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, legacy, err := Coerce([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("coerce: %s", err)
			}
			if legacy != tc.wantLegacy {
				t.Errorf("legacy: want %v, got %v", tc.wantLegacy, legacy)
			}
			if diff := cmp.Diff(tc.want.List(), got.List()); diff != "" {
				t.Errorf("days differ (-want +got): %s", diff)
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatalf("load tz: %s", err)
	}
	// 2026-08-24 is a Monday; 07:00 UTC is 15:00 in Shanghai the same day,
	// but 23:00 UTC on Sunday 2026-08-23 is already Monday in Shanghai.
	monday := time.Date(2026, 8, 24, 7, 0, 0, 0, time.UTC)
	sundayLateUTC := time.Date(2026, 8, 23, 23, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name    string
		days    Days
		instant time.Time
		loc     *time.Location
		want    bool
	}{
		{name: "null allows", days: None, instant: monday, loc: shanghai, want: true},
		{name: "empty denies", days: Some(), instant: monday, loc: shanghai, want: false},
		{name: "member allows", days: Some(1, 5), instant: monday, loc: shanghai, want: true},
		{name: "non-member denies", days: Some(2, 3), instant: monday, loc: shanghai, want: false},
		{name: "tz shifts the day", days: Some(1), instant: sundayLateUTC, loc: shanghai, want: true},
		{name: "utc stays sunday", days: Some(1), instant: sundayLateUTC, loc: time.UTC, want: false},
		{name: "sunday is seven", days: Some(7), instant: sundayLateUTC, loc: time.UTC, want: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.days.IsAllowed(tc.instant, tc.loc); got != tc.want {
				t.Errorf("want %v, got %v", tc.want, got)
			}
		})
	}
}

func TestTag(t *testing.T) {
	for _, tc := range []struct {
		days Days
		want string
	}{
		{None, TagUnrestricted},
		{Some(), TagNever},
		{Some(1, 2, 3, 4, 5, 6, 7), TagEveryDay},
		{Some(1, 2, 3, 4, 5), TagWeekday},
		{Some(6, 7), TagWeekend},
		{Some(1, 3), TagCustom},
	} {
		if got := tc.days.Tag(); got != tc.want {
			t.Errorf("%v: want %q, got %q", tc.days.List(), tc.want, got)
		}
	}
}

func TestColumnRoundTrip(t *testing.T) {
	for _, d := range []Days{None, Some(), Some(2, 4)} {
		col := d.ToColumn()
		got, err := FromColumn(col)
		if err != nil {
			t.Fatalf("from column: %s", err)
		}
		if got.Present() != d.Present() {
			t.Errorf("present lost in round trip: %v", d)
		}
		if diff := cmp.Diff(d.List(), got.List()); diff != "" {
			t.Errorf("days differ (-want +got): %s", diff)
		}
	}
	if Some().ToColumn() == nil {
		t.Error("empty set must persist as [] not NULL")
	}
	if None.ToColumn() != nil {
		t.Error("unrestricted must persist as NULL")
	}
}
