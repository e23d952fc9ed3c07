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

package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/collect"
	"github.com/briefwire/briefwire/pkg/deliver"
	"github.com/briefwire/briefwire/pkg/evaluate"
	"github.com/briefwire/briefwire/pkg/rank"
	"github.com/briefwire/briefwire/pkg/write"
)

type fakeCollector struct{ calls int }

func (f *fakeCollector) Run(context.Context, []catalogue.Source) (collect.Stats, error) {
	f.calls++
	return collect.Stats{ArticlesInserted: 2, SourcesFetched: 1}, nil
}

type fakeEvaluator struct {
	calls      int
	sourceKeys []string
	hours      int
}

func (f *fakeEvaluator) Run(_ context.Context, _ string, sourceKeys []string, hours int) (evaluate.Stats, error) {
	f.calls++
	f.sourceKeys = sourceKeys
	f.hours = hours
	return evaluate.Stats{Evaluated: 2}, nil
}

type fakeWriter struct {
	calls int
	kind  string
}

func (f *fakeWriter) Render(p catalogue.Pipeline, kind string, groups []rank.Group, _ *time.Location) (write.Artifact, error) {
	f.calls++
	f.kind = kind
	return write.Artifact{Kind: kind, Path: "output/test", Items: 3, Body: "body"}, nil
}

type fakeDeliverer struct {
	calls   int
	outcome deliver.Outcome
}

func (f *fakeDeliverer) Deliver(context.Context, *catalogue.PipelineBundle, write.Artifact, time.Time, *time.Location) deliver.Outcome {
	f.calls++
	return f.outcome
}

type fixture struct {
	orch      *Orchestrator
	store     *catalogue.Store
	collector *fakeCollector
	evaluator *fakeEvaluator
	writer    *fakeWriter
	deliverer *fakeDeliverer
}

func setup(t *testing.T, mutate func(b *catalogue.PipelineBundle)) (*fixture, int64) {
	t.Helper()
	store, err := catalogue.Open(log.NewNopLogger(), filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatalf("open store: %s", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	if err := store.CreateCategory(ctx, &catalogue.Category{Key: "tech", Label: "Tech", Enabled: true}); err != nil {
		t.Fatalf("create category: %s", err)
	}
	src := catalogue.Source{
		Key: "hn", Label: "HN", CategoryKey: "tech", Enabled: true,
		ScriptPath: "rss", Addresses: []string{"https://example.com/rss"},
	}
	if err := store.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create source: %s", err)
	}
	ev := catalogue.Evaluator{Key: "daily", Label: "Daily", Active: true}
	if err := store.CreateEvaluator(ctx, &ev, nil); err != nil {
		t.Fatalf("create evaluator: %s", err)
	}
	class := catalogue.PipelineClass{
		Key: "standard", Enabled: true,
		Categories: []string{"tech"}, Evaluators: []string{"daily"}, Writers: []string{"daily_digest"},
	}
	if err := store.CreatePipelineClass(ctx, &class); err != nil {
		t.Fatalf("create class: %s", err)
	}
	owner := catalogue.User{Email: "o@example.com", Enabled: true}
	if err := store.CreateUser(ctx, &owner); err != nil {
		t.Fatalf("create user: %s", err)
	}

	b := &catalogue.PipelineBundle{
		Pipeline: catalogue.Pipeline{
			Name: "morning", Enabled: true, PipelineClassID: class.ID,
			EvaluatorKey: "daily", OwnerUserID: owner.ID,
		},
		Filter: catalogue.PipelineFilter{AllCategories: true, AllSrc: true},
		Writer: catalogue.PipelineWriter{Type: "daily_digest", Hours: 24},
		Email:  &catalogue.EmailDelivery{Email: "o@example.com", SubjectTemplate: "Brief"},
	}
	if mutate != nil {
		mutate(b)
	}
	if err := store.CreatePipeline(ctx, b); err != nil {
		t.Fatalf("create pipeline: %s", err)
	}

	f := &fixture{
		store:     store,
		collector: &fakeCollector{},
		evaluator: &fakeEvaluator{},
		writer:    &fakeWriter{},
		deliverer: &fakeDeliverer{outcome: deliver.Outcome{Status: deliver.StatusOK, Sent: 1, Summary: "email sent"}},
	}
	f.orch = New(log.NewNopLogger(), nil, store, f.collector, f.evaluator, f.writer, f.deliverer, Options{Location: time.UTC})
	return f, b.Pipeline.ID
}

func lastRun(t *testing.T, store *catalogue.Store, pipelineID int64) catalogue.PipelineRun {
	t.Helper()
	runs, err := store.ListPipelineRuns(context.Background(), pipelineID, 1)
	if err != nil || len(runs) == 0 {
		t.Fatalf("no run recorded: %v", err)
	}
	return runs[0]
}

func TestRunOneFullSuccess(t *testing.T) {
	f, id := setup(t, nil)
	status, err := f.orch.RunOne(context.Background(), id, Invocation{})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if status != catalogue.RunOK {
		t.Errorf("want ok, got %s", status)
	}
	if f.collector.calls != 1 || f.evaluator.calls != 1 || f.writer.calls != 1 || f.deliverer.calls != 1 {
		t.Errorf("phase calls: collect=%d evaluate=%d write=%d deliver=%d",
			f.collector.calls, f.evaluator.calls, f.writer.calls, f.deliverer.calls)
	}
	if f.writer.kind != write.KindHTML {
		t.Errorf("email pipeline must render html, got %s", f.writer.kind)
	}
	// Evaluation is scoped to the selection set and candidate window.
	if len(f.evaluator.sourceKeys) != 1 || f.evaluator.sourceKeys[0] != "hn" {
		t.Errorf("evaluator source keys: %v", f.evaluator.sourceKeys)
	}
	if f.evaluator.hours != 24 {
		t.Errorf("evaluator hours: want 24, got %d", f.evaluator.hours)
	}
	if run := lastRun(t, f.store, id); run.Status != catalogue.RunOK {
		t.Errorf("recorded status %s", run.Status)
	}
}

func TestWeekdaySoftPause(t *testing.T) {
	empty := "[]"
	f, id := setup(t, func(b *catalogue.PipelineBundle) {
		b.Pipeline.WeekdaysJSON = &empty
	})
	status, err := f.orch.RunOne(context.Background(), id, Invocation{})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if status != catalogue.RunSkippedWeekday {
		t.Errorf("want skipped:weekday, got %s", status)
	}
	// No phase may have executed.
	if f.collector.calls != 0 || f.evaluator.calls != 0 || f.writer.calls != 0 || f.deliverer.calls != 0 {
		t.Errorf("phases ran despite soft pause: collect=%d evaluate=%d write=%d deliver=%d",
			f.collector.calls, f.evaluator.calls, f.writer.calls, f.deliverer.calls)
	}
	if run := lastRun(t, f.store, id); run.Status != catalogue.RunSkippedWeekday {
		t.Errorf("recorded status %s", run.Status)
	}
}

func TestIgnoreWeekdayBypassesGate(t *testing.T) {
	empty := "[]"
	f, id := setup(t, func(b *catalogue.PipelineBundle) {
		b.Pipeline.WeekdaysJSON = &empty
	})
	status, err := f.orch.RunOne(context.Background(), id, Invocation{IgnoreWeekday: true})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if status != catalogue.RunOK || f.deliverer.calls != 1 {
		t.Errorf("want full run with ignore-weekday, got %s with %d deliveries", status, f.deliverer.calls)
	}
}

func TestDebugPipelineSkippedOutsideDebugMode(t *testing.T) {
	f, id := setup(t, func(b *catalogue.PipelineBundle) {
		b.Pipeline.DebugEnabled = true
	})
	status, err := f.orch.RunOne(context.Background(), id, Invocation{})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if status != catalogue.RunSkippedDebug || f.collector.calls != 0 {
		t.Errorf("want skipped:debug with no phases, got %s collect=%d", status, f.collector.calls)
	}

	status, err = f.orch.RunOne(context.Background(), id, Invocation{DebugMode: true})
	if err != nil {
		t.Fatalf("debug run: %s", err)
	}
	if status != catalogue.RunOK {
		t.Errorf("want ok in debug mode, got %s", status)
	}
}

func TestChatPipelineRendersMarkdown(t *testing.T) {
	chatID := "oc_1"
	f, id := setup(t, func(b *catalogue.PipelineBundle) {
		b.Email = nil
		b.Chat = &catalogue.ChatDelivery{AppID: "a", AppSecret: "s", ChatID: &chatID}
	})
	if _, err := f.orch.RunOne(context.Background(), id, Invocation{}); err != nil {
		t.Fatalf("run: %s", err)
	}
	if f.writer.kind != write.KindMD {
		t.Errorf("chat pipeline must render markdown, got %s", f.writer.kind)
	}
}

func TestPartialDeliveryStatus(t *testing.T) {
	f, id := setup(t, nil)
	f.deliverer.outcome = deliver.Outcome{Status: deliver.StatusPartial, Sent: 1, Failed: 1, Summary: "1 of 2"}
	status, err := f.orch.RunOne(context.Background(), id, Invocation{})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if status != catalogue.RunPartial {
		t.Errorf("want partial, got %s", status)
	}
}

func TestDeliveryFailureStatus(t *testing.T) {
	f, id := setup(t, nil)
	f.deliverer.outcome = deliver.Outcome{Status: deliver.StatusFailed, Summary: "no joined chats"}
	status, err := f.orch.RunOne(context.Background(), id, Invocation{})
	if err == nil {
		t.Fatal("want error for failed run")
	}
	if status != catalogue.RunFailed {
		t.Errorf("want failed, got %s", status)
	}
}

func TestDryRunSkipsDelivery(t *testing.T) {
	f, id := setup(t, nil)
	status, err := f.orch.RunOne(context.Background(), id, Invocation{DryRun: true})
	if err != nil {
		t.Fatalf("run: %s", err)
	}
	if status != catalogue.RunOK || f.deliverer.calls != 0 || f.writer.calls != 1 {
		t.Errorf("dry run: status=%s deliver=%d write=%d", status, f.deliverer.calls, f.writer.calls)
	}
}

func TestRunAllSweep(t *testing.T) {
	f, _ := setup(t, nil)
	sum, err := f.orch.RunAll(context.Background(), Invocation{})
	if err != nil {
		t.Fatalf("sweep: %s", err)
	}
	if sum.OK != 1 || sum.ExitCode() != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestValidateAgainstClass(t *testing.T) {
	email := &catalogue.EmailDelivery{Email: "o@example.com"}
	base := func() *catalogue.PipelineBundle {
		return &catalogue.PipelineBundle{
			Pipeline: catalogue.Pipeline{EvaluatorKey: "daily"},
			Class: catalogue.PipelineClass{
				Key:        "standard",
				Categories: []string{"tech"},
				Evaluators: []string{"daily"},
				Writers:    []string{"daily_digest"},
			},
			Filter: catalogue.PipelineFilter{AllCategories: true},
			Writer: catalogue.PipelineWriter{Type: "daily_digest"},
			Email:  email,
		}
	}
	for _, tc := range []struct {
		name   string
		mutate func(b *catalogue.PipelineBundle)
		wantOK bool
	}{
		{"valid", nil, true},
		{"evaluator removed from class", func(b *catalogue.PipelineBundle) {
			b.Class.Evaluators = []string{"weekly"}
		}, false},
		{"writer removed from class", func(b *catalogue.PipelineBundle) {
			b.Class.Writers = []string{"other"}
		}, false},
		{"explicit categories within class", func(b *catalogue.PipelineBundle) {
			b.Filter.AllCategories = false
			b.Filter.CategoriesJSON = `["tech"]`
		}, true},
		{"category removed from class", func(b *catalogue.PipelineBundle) {
			b.Filter.AllCategories = false
			b.Filter.CategoriesJSON = `["finance"]`
		}, false},
		{"both deliveries", func(b *catalogue.PipelineBundle) {
			b.Chat = &catalogue.ChatDelivery{AppID: "a", AppSecret: "s"}
		}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := base()
			if tc.mutate != nil {
				tc.mutate(b)
			}
			err := validateAgainstClass(b)
			if tc.wantOK && err != nil {
				t.Errorf("unexpected error: %s", err)
			}
			if !tc.wantOK && err == nil {
				t.Error("want validation error, got nil")
			}
		})
	}
}

func TestSummaryExitCodes(t *testing.T) {
	for _, tc := range []struct {
		sum  Summary
		want int
	}{
		{Summary{OK: 3}, 0},
		{Summary{OK: 2, Skipped: 1}, 0},
		{Summary{OK: 2, Partial: 1}, 2},
		{Summary{OK: 2, Partial: 1, Failed: 1}, 1},
		{Summary{Failed: 1}, 1},
	} {
		if got := tc.sum.ExitCode(); got != tc.want {
			t.Errorf("%+v: want %d, got %d", tc.sum, tc.want, got)
		}
	}
}
