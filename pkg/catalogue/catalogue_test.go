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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(log.NewNopLogger(), filepath.Join(t.TempDir(), "catalogue.db"))
	if err != nil {
		t.Fatalf("open store: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCategoryAndSource(t *testing.T, s *Store) Source {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateCategory(ctx, &Category{Key: "tech", Label: "Tech", Enabled: true}); err != nil {
		t.Fatalf("create category: %s", err)
	}
	src := Source{
		Key: "hn", Label: "Hacker News", CategoryKey: "tech", Enabled: true,
		ScriptPath: "rss", Addresses: []string{"https://example.com/rss"},
	}
	if err := s.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create source: %s", err)
	}
	return src
}

func TestSourceRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	src := seedCategoryAndSource(t, s)

	got, err := s.GetSource(ctx, "hn")
	if err != nil {
		t.Fatalf("get source: %s", err)
	}
	if got.Key != src.Key || got.CategoryKey != "tech" || got.ScriptPath != "rss" {
		t.Errorf("unexpected source %+v", got)
	}
	if diff := cmp.Diff([]string{"https://example.com/rss"}, got.Addresses); diff != "" {
		t.Errorf("addresses differ (-want +got): %s", diff)
	}
}

func TestCreateSourceEnabledNeedsAddress(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.CreateCategory(ctx, &Category{Key: "tech", Label: "Tech", Enabled: true}); err != nil {
		t.Fatalf("create category: %s", err)
	}
	err := s.CreateSource(ctx, &Source{Key: "bare", Label: "Bare", CategoryKey: "tech", Enabled: true, ScriptPath: "rss"})
	if !errors.Is(err, ErrInvalidWrite) {
		t.Errorf("want ErrInvalidWrite, got %v", err)
	}
}

func TestListEnabledSourcesFiltering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedCategoryAndSource(t, s)
	if err := s.CreateCategory(ctx, &Category{Key: "finance", Label: "Finance", Enabled: false}); err != nil {
		t.Fatalf("create category: %s", err)
	}
	// Enabled source in a disabled category must not be returned.
	if err := s.CreateSource(ctx, &Source{
		Key: "ft", Label: "FT", CategoryKey: "finance", Enabled: true,
		ScriptPath: "rss", Addresses: []string{"https://example.com/ft"},
	}); err != nil {
		t.Fatalf("create source: %s", err)
	}

	got, err := s.ListEnabledSources(ctx, nil, nil)
	if err != nil {
		t.Fatalf("list enabled: %s", err)
	}
	if len(got) != 1 || got[0].Key != "hn" {
		t.Errorf("want [hn], got %+v", got)
	}

	got, err = s.ListEnabledSources(ctx, []string{"tech"}, []string{"other"})
	if err != nil {
		t.Fatalf("list enabled: %s", err)
	}
	if len(got) != 0 {
		t.Errorf("want empty, got %+v", got)
	}
}

func TestArticleDuplicateLink(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := Article{Source: "hn", Publish: "2026-08-20T10:00:00Z", Title: "One", Link: "https://example.com/a"}
	if err := s.InsertArticle(ctx, &a); err != nil {
		t.Fatalf("insert: %s", err)
	}
	dup := Article{Source: "hn", Publish: "2026-08-21T10:00:00Z", Title: "Two", Link: "https://example.com/a"}
	if err := s.InsertArticle(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("want ErrConflict, got %v", err)
	}
	ok, err := s.ArticleExistsByLink(ctx, "https://example.com/a")
	if err != nil || !ok {
		t.Errorf("want exists=true, got %v, %v", ok, err)
	}
}

func TestSaveEvaluationUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := Article{Source: "hn", Publish: "2026-08-20", Title: "T", Link: "https://example.com/t"}
	if err := s.InsertArticle(ctx, &a); err != nil {
		t.Fatalf("insert article: %s", err)
	}
	m := Metric{Key: "depth", Label: "Depth", Active: true}
	if err := s.CreateMetric(ctx, &m); err != nil {
		t.Fatalf("create metric: %s", err)
	}
	ev := Evaluator{Key: "daily", Label: "Daily", Active: true}
	if err := s.CreateEvaluator(ctx, &ev, []string{"depth"}); err != nil {
		t.Fatalf("create evaluator: %s", err)
	}

	rev := Review{ArticleID: a.ID, EvaluatorKey: "daily", FinalScore: 3.5, AIComment: "fine", AISummary: "sum"}
	if err := s.SaveEvaluation(ctx, map[int64]int{m.ID: 4}, rev); err != nil {
		t.Fatalf("save evaluation: %s", err)
	}
	// A second save for the same (article, evaluator) overwrites.
	rev.FinalScore = 4.25
	if err := s.SaveEvaluation(ctx, map[int64]int{m.ID: 5}, rev); err != nil {
		t.Fatalf("save evaluation again: %s", err)
	}

	got, err := s.ListReviewedArticles(ctx, "daily", nil)
	if err != nil {
		t.Fatalf("list reviewed: %s", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 reviewed article, got %d", len(got))
	}
	if got[0].Review.FinalScore != 4.25 {
		t.Errorf("want final score 4.25, got %v", got[0].Review.FinalScore)
	}
	if got[0].Scores[m.ID] != 5 {
		t.Errorf("want score 5, got %d", got[0].Scores[m.ID])
	}

	// Pending list is empty once the evaluator has reviewed everything.
	pending, err := s.ListArticlesNeedingReview(ctx, "daily", nil, 0)
	if err != nil {
		t.Fatalf("list pending: %s", err)
	}
	if len(pending) != 0 {
		t.Errorf("want no pending articles, got %d", len(pending))
	}
}

func TestListArticlesNeedingReview(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	detail := "full body"
	withDetail := Article{Source: "hn", Publish: "2026-08-20", Title: "With", Link: "https://example.com/w", Detail: &detail}
	if err := s.InsertArticle(ctx, &withDetail); err != nil {
		t.Fatalf("insert: %s", err)
	}
	// Detail backfill only covers a small batch per run; an article whose
	// body never arrived must still reach the evaluator.
	noDetail := Article{Source: "hn", Publish: "2026-08-20", Title: "Without", Link: "https://example.com/wo"}
	if err := s.InsertArticle(ctx, &noDetail); err != nil {
		t.Fatalf("insert: %s", err)
	}
	other := Article{Source: "lobsters", Publish: "2026-08-20", Title: "Other", Link: "https://example.com/o"}
	if err := s.InsertArticle(ctx, &other); err != nil {
		t.Fatalf("insert: %s", err)
	}

	pending, err := s.ListArticlesNeedingReview(ctx, "daily", nil, 0)
	if err != nil {
		t.Fatalf("list pending: %s", err)
	}
	if len(pending) != 3 {
		t.Fatalf("want 3 pending articles, got %d", len(pending))
	}

	pending, err = s.ListArticlesNeedingReview(ctx, "daily", []string{"hn"}, 0)
	if err != nil {
		t.Fatalf("list pending by source: %s", err)
	}
	if len(pending) != 2 {
		t.Fatalf("want 2 pending hn articles, got %d", len(pending))
	}
	for _, a := range pending {
		if a.Source != "hn" {
			t.Errorf("unexpected source %q", a.Source)
		}
	}

	pending, err = s.ListArticlesNeedingReview(ctx, "daily", []string{"hn"}, 1)
	if err != nil {
		t.Fatalf("list pending with limit: %s", err)
	}
	if len(pending) != 1 || pending[0].Title != "With" {
		t.Errorf("want oldest hn article only, got %+v", pending)
	}
}

func TestDeleteSourceCascadesAddresses(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateCategory(ctx, &Category{Key: "tech", Label: "Tech", Enabled: true}); err != nil {
		t.Fatalf("create category: %s", err)
	}
	src := Source{
		Key: "hn", Label: "HN", CategoryKey: "tech", Enabled: true,
		ScriptPath: "rss", Addresses: []string{"https://example.com/a", "https://example.com/b"},
	}
	if err := s.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create source: %s", err)
	}

	if err := s.DeleteSource(ctx, "hn"); err != nil {
		t.Fatalf("delete source: %s", err)
	}
	if _, err := s.GetSource(ctx, "hn"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteSource(ctx, "hn"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound for second delete, got %v", err)
	}

	// The key is fully reusable: the address rows went with the source.
	again := src
	again.ID = 0
	if err := s.CreateSource(ctx, &again); err != nil {
		t.Fatalf("recreate source: %s", err)
	}
	got, err := s.GetSource(ctx, "hn")
	if err != nil {
		t.Fatalf("get recreated source: %s", err)
	}
	if len(got.Addresses) != 2 {
		t.Errorf("want 2 addresses, got %v", got.Addresses)
	}
}

func TestDeleteMetricGuardedByScores(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	scored := Metric{Key: "depth", Label: "Depth", Active: true}
	unused := Metric{Key: "novelty", Label: "Novelty", Active: true}
	for _, m := range []*Metric{&scored, &unused} {
		if err := s.CreateMetric(ctx, m); err != nil {
			t.Fatalf("create metric: %s", err)
		}
	}
	ev := Evaluator{Key: "daily", Label: "Daily", Active: true}
	if err := s.CreateEvaluator(ctx, &ev, []string{"depth"}); err != nil {
		t.Fatalf("create evaluator: %s", err)
	}
	a := Article{Source: "hn", Publish: "2026-08-20", Title: "T", Link: "https://example.com/t"}
	if err := s.InsertArticle(ctx, &a); err != nil {
		t.Fatalf("insert article: %s", err)
	}
	rev := Review{ArticleID: a.ID, EvaluatorKey: "daily", FinalScore: 4, AIComment: "c", AISummary: "s"}
	if err := s.SaveEvaluation(ctx, map[int64]int{scored.ID: 4}, rev); err != nil {
		t.Fatalf("save evaluation: %s", err)
	}

	if err := s.DeleteMetric(ctx, "depth"); !errors.Is(err, ErrConflict) {
		t.Errorf("want ErrConflict for scored metric, got %v", err)
	}
	if err := s.DeleteMetric(ctx, "novelty"); err != nil {
		t.Fatalf("delete unused metric: %s", err)
	}
	if err := s.DeleteMetric(ctx, "novelty"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound for second delete, got %v", err)
	}
	all, err := s.ListMetrics(ctx, false)
	if err != nil {
		t.Fatalf("list metrics: %s", err)
	}
	if len(all) != 1 || all[0].Key != "depth" {
		t.Errorf("want only depth left, got %+v", all)
	}
}

func seedPipelineFixtures(t *testing.T, s *Store) (PipelineClass, User) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateCategory(ctx, &Category{Key: "tech", Label: "Tech", Enabled: true}); err != nil {
		t.Fatalf("create category: %s", err)
	}
	ev := Evaluator{Key: "daily", Label: "Daily", Active: true}
	if err := s.CreateEvaluator(ctx, &ev, nil); err != nil {
		t.Fatalf("create evaluator: %s", err)
	}
	class := PipelineClass{
		Key: "standard", Enabled: true,
		Categories: []string{"tech"}, Evaluators: []string{"daily"}, Writers: []string{"daily_digest"},
	}
	if err := s.CreatePipelineClass(ctx, &class); err != nil {
		t.Fatalf("create class: %s", err)
	}
	u := User{Email: "owner@example.com", Name: "Owner", Enabled: true}
	if err := s.CreateUser(ctx, &u); err != nil {
		t.Fatalf("create user: %s", err)
	}
	return class, u
}

func validBundle(class PipelineClass, owner User) *PipelineBundle {
	return &PipelineBundle{
		Pipeline: Pipeline{
			Name: "morning", Enabled: true, PipelineClassID: class.ID,
			EvaluatorKey: "daily", OwnerUserID: owner.ID,
		},
		Filter: PipelineFilter{AllCategories: true, AllSrc: true},
		Writer: PipelineWriter{Type: "daily_digest", Hours: 24},
		Email:  &EmailDelivery{Email: "owner@example.com", SubjectTemplate: "Brief ${date_zh}"},
	}
}

func TestCreatePipelineValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	class, owner := seedPipelineFixtures(t, s)

	for _, tc := range []struct {
		name   string
		mutate func(b *PipelineBundle)
	}{
		{"evaluator outside class", func(b *PipelineBundle) { b.Pipeline.EvaluatorKey = "weekly" }},
		{"writer type outside class", func(b *PipelineBundle) { b.Writer.Type = "weekly_digest" }},
		{"category outside class", func(b *PipelineBundle) {
			b.Filter.AllCategories = false
			b.Filter.CategoriesJSON = `["finance"]`
		}},
		{"no delivery", func(b *PipelineBundle) { b.Email = nil }},
		{"both deliveries", func(b *PipelineBundle) {
			b.Chat = &ChatDelivery{AppID: "app", AppSecret: "sec", ToAllChat: true}
		}},
		{"chat without chat id", func(b *PipelineBundle) {
			b.Email = nil
			b.Chat = &ChatDelivery{AppID: "app", AppSecret: "sec"}
		}},
		{"non-positive hours", func(b *PipelineBundle) { b.Writer.Hours = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := validBundle(class, owner)
			tc.mutate(b)
			if err := s.CreatePipeline(ctx, b); !errors.Is(err, ErrInvalidWrite) {
				t.Errorf("want ErrInvalidWrite, got %v", err)
			}
		})
	}

	b := validBundle(class, owner)
	if err := s.CreatePipeline(ctx, b); err != nil {
		t.Fatalf("create valid pipeline: %s", err)
	}
	got, err := s.GetPipelineBundle(ctx, b.Pipeline.ID)
	if err != nil {
		t.Fatalf("get bundle: %s", err)
	}
	if got.Email == nil || got.Chat != nil {
		t.Errorf("want email-only delivery, got email=%v chat=%v", got.Email, got.Chat)
	}
	if got.Pipeline.WeekdaysJSON != nil {
		t.Errorf("want nil weekdays, got %q", *got.Pipeline.WeekdaysJSON)
	}
}

func TestUpdatePipelineSwitchesDelivery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	class, owner := seedPipelineFixtures(t, s)
	b := validBundle(class, owner)
	if err := s.CreatePipeline(ctx, b); err != nil {
		t.Fatalf("create: %s", err)
	}

	chatID := "oc_123"
	b.Email = nil
	b.Chat = &ChatDelivery{AppID: "app", AppSecret: "sec", ChatID: &chatID, TitleTemplate: "Brief ${date_zh}"}
	if err := s.UpdatePipeline(ctx, b); err != nil {
		t.Fatalf("update: %s", err)
	}

	got, err := s.GetPipelineBundle(ctx, b.Pipeline.ID)
	if err != nil {
		t.Fatalf("get bundle: %s", err)
	}
	if got.Email != nil || got.Chat == nil {
		t.Fatalf("want chat-only delivery, got email=%v chat=%v", got.Email, got.Chat)
	}
	if got.Chat.ChatID == nil || *got.Chat.ChatID != chatID {
		t.Errorf("want chat id %q, got %v", chatID, got.Chat.ChatID)
	}
}

func TestPipelineRunsAppendOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	class, owner := seedPipelineFixtures(t, s)
	b := validBundle(class, owner)
	if err := s.CreatePipeline(ctx, b); err != nil {
		t.Fatalf("create: %s", err)
	}

	base := time.Date(2026, 8, 20, 7, 0, 0, 0, time.UTC)
	for i, status := range []string{RunOK, RunPartial, RunSkippedWeekday} {
		r := PipelineRun{
			PipelineID: b.Pipeline.ID,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Status:     status,
		}
		if err := s.AppendPipelineRun(ctx, &r); err != nil {
			t.Fatalf("append run: %s", err)
		}
	}
	runs, err := s.ListPipelineRuns(ctx, b.Pipeline.ID, 2)
	if err != nil {
		t.Fatalf("list runs: %s", err)
	}
	if len(runs) != 2 {
		t.Fatalf("want 2 runs, got %d", len(runs))
	}
	if runs[0].Status != RunSkippedWeekday || runs[1].Status != RunPartial {
		t.Errorf("want newest first, got %q then %q", runs[0].Status, runs[1].Status)
	}
}

func TestMutateUserPushState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := User{Email: "a@example.com", Enabled: true}
	if err := s.CreateUser(ctx, &u); err != nil {
		t.Fatalf("create user: %s", err)
	}
	now := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)
	err := s.MutateUserPushState(ctx, u.ID, func(u *User) error {
		u.ManualPushCount = 3
		u.ManualPushDate = "2026-08-20"
		u.ManualPushLastAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %s", err)
	}
	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %s", err)
	}
	if got.ManualPushCount != 3 || got.ManualPushDate != "2026-08-20" || got.ManualPushLastAt == nil {
		t.Errorf("push state not persisted: %+v", got)
	}

	// fn error aborts the write.
	wantErr := errors.New("gate closed")
	if err := s.MutateUserPushState(ctx, u.ID, func(*User) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("want fn error, got %v", err)
	}
	if err := s.MutateUserPushState(ctx, 9999, func(*User) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestDisableUserByEmail(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := User{Email: "sub@example.com", Enabled: true}
	if err := s.CreateUser(ctx, &u); err != nil {
		t.Fatalf("create user: %s", err)
	}
	if err := s.DisableUserByEmail(ctx, "sub@example.com"); err != nil {
		t.Fatalf("disable: %s", err)
	}
	got, _ := s.GetUserByEmail(ctx, "sub@example.com")
	if got.Enabled {
		t.Error("user still enabled after unsubscribe")
	}
	// Unknown address is a no-op, not an error.
	if err := s.DisableUserByEmail(ctx, "nobody@example.com"); err != nil {
		t.Errorf("unexpected error for unknown email: %s", err)
	}
}
