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

// Package pushgate enforces the per-user cooldown and daily cap on manual
// pipeline invocations. The counters live on the user row; the check and
// the increment happen in one catalogue transaction so rejected attempts
// never consume budget.
package pushgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/briefwire/briefwire/pkg/catalogue"
)

// Throttle rejections. Both map to HTTP 429 at the API edge.
var (
	ErrTooFast    = errors.New("too fast")
	ErrDailyLimit = errors.New("daily limit reached")
)

// ErrNotOwner rejects pushes on pipelines the user neither owns nor
// administers.
var ErrNotOwner = errors.New("not pipeline owner")

// Options configure the gate.
type Options struct {
	Cooldown   time.Duration
	DailyLimit int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{Cooldown: 10 * time.Second, DailyLimit: 20}
}

// Gate decides manual-push admission.
type Gate struct {
	logger log.Logger
	store  *catalogue.Store
	opts   Options
	loc    *time.Location
	now    func() time.Time
}

// New builds a gate. loc decides what "today" means for the daily counter.
func New(logger log.Logger, store *catalogue.Store, loc *time.Location, opts Options) *Gate {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	def := DefaultOptions()
	if opts.Cooldown <= 0 {
		opts.Cooldown = def.Cooldown
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = def.DailyLimit
	}
	return &Gate{logger: logger, store: store, opts: opts, loc: loc, now: time.Now}
}

// Admit checks ownership, cooldown and the daily cap, and on success
// consumes one push from the user's budget. A rejection leaves the counters
// untouched.
func (g *Gate) Admit(ctx context.Context, userID int64, p catalogue.Pipeline) error {
	user, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", userID, err)
	}
	if p.OwnerUserID != userID && !user.IsAdmin {
		return fmt.Errorf("%w: user %d, pipeline %d", ErrNotOwner, userID, p.ID)
	}

	now := g.now()
	today := now.In(g.loc).Format("2006-01-02")

	err = g.store.MutateUserPushState(ctx, userID, func(u *catalogue.User) error {
		if u.ManualPushDate != today {
			u.ManualPushCount = 0
			u.ManualPushDate = today
		}
		if u.ManualPushLastAt != nil {
			if since := now.Sub(*u.ManualPushLastAt); since < g.opts.Cooldown {
				return fmt.Errorf("%w: %s since last push", ErrTooFast, since.Round(time.Millisecond))
			}
		}
		if u.ManualPushCount >= g.opts.DailyLimit {
			return fmt.Errorf("%w: %d today", ErrDailyLimit, u.ManualPushCount)
		}
		u.ManualPushCount++
		t := now
		u.ManualPushLastAt = &t
		return nil
	})
	if err != nil {
		_ = level.Info(g.logger).Log("msg", "manual push rejected", "user", userID, "pipeline", p.ID, "err", err)
		return err
	}
	_ = level.Info(g.logger).Log("msg", "manual push admitted", "user", userID, "pipeline", p.ID)
	return nil
}
