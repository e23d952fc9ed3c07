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

// Package orchestrator drives a pipeline through collect, evaluate, write
// and deliver, gated by weekday and debug checks, and records every run.
// Pipelines execute sequentially and at most one run is in flight per
// process; the parallelism that matters lives inside the collection phase.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/collect"
	"github.com/briefwire/briefwire/pkg/deliver"
	"github.com/briefwire/briefwire/pkg/evaluate"
	"github.com/briefwire/briefwire/pkg/rank"
	"github.com/briefwire/briefwire/pkg/weekday"
	"github.com/briefwire/briefwire/pkg/write"
)

// ErrBusy rejects a run while another pipeline run is in flight.
var ErrBusy = errors.New("a pipeline run is already in flight")

// Collector runs the collection phase over a selection set.
type Collector interface {
	Run(ctx context.Context, sources []catalogue.Source) (collect.Stats, error)
}

// Evaluator runs the scoring phase for one evaluator key, restricted to
// the pipeline's selection set and candidate window.
type Evaluator interface {
	Run(ctx context.Context, evaluatorKey string, sourceKeys []string, hours int) (evaluate.Stats, error)
}

// ArtifactWriter renders ranked groups into an on-disk artifact.
type ArtifactWriter interface {
	Render(p catalogue.Pipeline, kind string, groups []rank.Group, loc *time.Location) (write.Artifact, error)
}

// Deliverer ships an artifact through the pipeline's channel.
type Deliverer interface {
	Deliver(ctx context.Context, b *catalogue.PipelineBundle, art write.Artifact, now time.Time, loc *time.Location) deliver.Outcome
}

// Invocation carries the per-call switches of the CLI surface.
type Invocation struct {
	// IgnoreWeekday bypasses the weekday gate for this call.
	IgnoreWeekday bool
	// DebugMode lets debug_enabled pipelines run.
	DebugMode bool
	// DebugOnly restricts a sweep to debug_enabled pipelines.
	DebugOnly bool
	// DryRun renders the artifact but skips delivery.
	DryRun bool
}

// Options configure the orchestrator.
type Options struct {
	// Location is the scheduling time zone (weekday gate, ${date_zh}).
	Location *time.Location
	// SoftDeadline bounds one pipeline run end to end.
	SoftDeadline time.Duration
}

// Orchestrator executes pipelines. Safe for concurrent callers; concurrent
// runs are rejected with ErrBusy rather than queued.
type Orchestrator struct {
	logger    log.Logger
	store     *catalogue.Store
	collector Collector
	evaluator Evaluator
	writer    ArtifactWriter
	deliverer Deliverer
	opts      Options
	now       func() time.Time

	inflight sync.Mutex

	runs *prometheus.CounterVec
}

// New builds an orchestrator. reg may be nil.
func New(logger log.Logger, reg prometheus.Registerer, store *catalogue.Store, collector Collector, evaluator Evaluator, writer ArtifactWriter, deliverer Deliverer, opts Options) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SoftDeadline <= 0 {
		opts.SoftDeadline = 30 * time.Minute
	}
	o := &Orchestrator{
		logger:    logger,
		store:     store,
		collector: collector,
		evaluator: evaluator,
		writer:    writer,
		deliverer: deliverer,
		opts:      opts,
		now:       time.Now,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefwire_pipeline_runs_total",
			Help: "Pipeline runs by final status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(o.runs)
	}
	return o
}

// Summary aggregates a sweep.
type Summary struct {
	OK      int
	Partial int
	Failed  int
	Skipped int
}

// ExitCode maps the sweep outcome to the CLI contract: 0 full success,
// 2 partial delivery, 1 failures.
func (s Summary) ExitCode() int {
	switch {
	case s.Failed > 0:
		return 1
	case s.Partial > 0:
		return 2
	default:
		return 0
	}
}

// RunAll executes every enabled pipeline in ascending id order.
func (o *Orchestrator) RunAll(ctx context.Context, inv Invocation) (Summary, error) {
	pipelines, err := o.store.ListPipelines(ctx, true)
	if err != nil {
		return Summary{}, fmt.Errorf("list pipelines: %w", err)
	}
	var sum Summary
	for _, p := range pipelines {
		if inv.DebugOnly && !p.DebugEnabled {
			continue
		}
		status, err := o.RunOne(ctx, p.ID, inv)
		if err != nil && ctx.Err() != nil {
			return sum, ctx.Err()
		}
		switch status {
		case catalogue.RunOK:
			sum.OK++
		case catalogue.RunPartial:
			sum.Partial++
		case catalogue.RunSkippedWeekday, catalogue.RunSkippedDebug:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}
	return sum, nil
}

// RunOne executes a single pipeline and returns the recorded run status.
func (o *Orchestrator) RunOne(ctx context.Context, pipelineID int64, inv Invocation) (string, error) {
	if !o.inflight.TryLock() {
		return "", ErrBusy
	}
	defer o.inflight.Unlock()

	started := o.now()
	runLogger := log.With(o.logger, "pipeline", pipelineID, "run", uuid.NewString())

	ctx, cancel := context.WithTimeout(ctx, o.opts.SoftDeadline)
	defer cancel()

	status, summary := o.execute(ctx, runLogger, pipelineID, inv)
	o.runs.WithLabelValues(status).Inc()
	_ = level.Info(runLogger).Log("msg", "pipeline run finished", "status", status, "summary", summary)

	run := catalogue.PipelineRun{
		PipelineID: pipelineID,
		StartedAt:  started,
		FinishedAt: o.now(),
		Status:     status,
		Summary:    summary,
	}
	// Record with a fresh context: the run row must land even when the
	// run's own deadline has expired.
	recCtx, recCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recCancel()
	if err := o.store.AppendPipelineRun(recCtx, &run); err != nil {
		_ = level.Error(runLogger).Log("msg", "recording pipeline run failed", "err", err)
	}

	if status == catalogue.RunFailed || status == catalogue.RunFailedConfig || status == catalogue.RunCancelled {
		return status, errors.New(summary)
	}
	return status, nil
}

func (o *Orchestrator) execute(ctx context.Context, logger log.Logger, pipelineID int64, inv Invocation) (status, summary string) {
	b, err := o.store.GetPipelineBundle(ctx, pipelineID)
	if err != nil {
		return catalogue.RunFailedConfig, fmt.Sprintf("load pipeline: %s", err)
	}
	if !b.Pipeline.Enabled {
		return catalogue.RunFailedConfig, "pipeline disabled"
	}

	days, err := weekday.FromColumn(b.Pipeline.WeekdaysJSON)
	if err != nil {
		return catalogue.RunFailedConfig, fmt.Sprintf("weekdays: %s", err)
	}
	if !inv.IgnoreWeekday && !days.IsAllowed(o.now(), o.opts.Location) {
		_ = level.Info(logger).Log("msg", "weekday gate closed", "weekdays", days.String(), "tag", days.Tag())
		return catalogue.RunSkippedWeekday, "weekday gate closed (" + days.Tag() + ")"
	}

	if b.Pipeline.DebugEnabled && !inv.DebugMode {
		_ = level.Info(logger).Log("msg", "debug pipeline skipped outside debug mode")
		return catalogue.RunSkippedDebug, "debug pipeline outside debug mode"
	}

	if err := validateAgainstClass(b); err != nil {
		return catalogue.RunFailedConfig, err.Error()
	}

	enabled, err := o.store.ListEnabledSources(ctx, nil, nil)
	if err != nil {
		return failureStatus(ctx), fmt.Sprintf("list sources: %s", err)
	}
	selection, err := rank.Selection(b.Filter, b.Class, enabled)
	if err != nil {
		return catalogue.RunFailedConfig, fmt.Sprintf("selection: %s", err)
	}

	collectStats, err := o.collector.Run(ctx, selection)
	if err != nil {
		return failureStatus(ctx), fmt.Sprintf("collect: %s", err)
	}
	_ = level.Debug(logger).Log("msg", "collection done", "fetched", collectStats.SourcesFetched,
		"reused", collectStats.SourcesReused, "failed", collectStats.SourcesFailed,
		"inserted", collectStats.ArticlesInserted)

	sourceKeys := make([]string, 0, len(selection))
	for _, s := range selection {
		sourceKeys = append(sourceKeys, s.Key)
	}

	evalStats, err := o.evaluator.Run(ctx, b.Pipeline.EvaluatorKey, sourceKeys, b.Writer.Hours)
	if err != nil {
		return failureStatus(ctx), fmt.Sprintf("evaluate: %s", err)
	}
	_ = level.Debug(logger).Log("msg", "evaluation done", "evaluated", evalStats.Evaluated,
		"skipped", evalStats.Skipped, "failed", evalStats.Failed)

	groups, err := o.rankCandidates(ctx, b, sourceKeys)
	if err != nil {
		return failureStatus(ctx), fmt.Sprintf("rank: %s", err)
	}

	kind := write.KindHTML
	if b.Chat != nil {
		kind = write.KindMD
	}
	artifact, err := o.writer.Render(b.Pipeline, kind, groups, o.opts.Location)
	if err != nil {
		return failureStatus(ctx), fmt.Sprintf("write: %s", err)
	}

	if inv.DryRun {
		return catalogue.RunOK, fmt.Sprintf("dry run: artifact %s with %d items, delivery skipped", artifact.Path, artifact.Items)
	}

	outcome := o.deliverer.Deliver(ctx, b, artifact, o.now(), o.opts.Location)
	summary = fmt.Sprintf("collected %d new, evaluated %d, %d items, %s",
		collectStats.ArticlesInserted, evalStats.Evaluated, artifact.Items, outcome.Summary)
	switch outcome.Status {
	case deliver.StatusOK:
		return catalogue.RunOK, summary
	case deliver.StatusPartial:
		return catalogue.RunPartial, summary
	default:
		return failureStatus(ctx), summary
	}
}

func (o *Orchestrator) rankCandidates(ctx context.Context, b *catalogue.PipelineBundle, sourceKeys []string) ([]rank.Group, error) {
	rows, err := o.store.ListReviewedArticles(ctx, b.Pipeline.EvaluatorKey, sourceKeys)
	if err != nil {
		return nil, err
	}
	metrics, err := o.store.ListMetrics(ctx, true)
	if err != nil {
		return nil, err
	}
	weights, err := rank.EffectiveWeights(metrics, b.Weights, b.Writer.WeightsJSON)
	if err != nil {
		return nil, err
	}
	bonus, err := rank.ParseBonus(b.Writer.BonusJSON)
	if err != nil {
		return nil, err
	}
	limits, err := rank.ParseCategoryLimits(b.Writer.LimitPerCategory)
	if err != nil {
		return nil, err
	}
	cands := rank.Build(rows, metrics, weights, bonus, o.now(), b.Writer.Hours)
	return rank.Rank(cands, b.Writer.PerSourceCap, limits), nil
}

// validateAgainstClass re-checks the class allow-lists at run time; the
// store validates on write, but the class may have changed since.
func validateAgainstClass(b *catalogue.PipelineBundle) error {
	if !contains(b.Class.Evaluators, b.Pipeline.EvaluatorKey) {
		return fmt.Errorf("evaluator %q not allowed by class %q", b.Pipeline.EvaluatorKey, b.Class.Key)
	}
	if !contains(b.Class.Writers, b.Writer.Type) {
		return fmt.Errorf("writer type %q not allowed by class %q", b.Writer.Type, b.Class.Key)
	}
	if !b.Filter.AllCategories {
		raw := b.Filter.CategoriesJSON
		if raw == "" {
			raw = "[]"
		}
		var cats []string
		if err := json.Unmarshal([]byte(raw), &cats); err != nil {
			return fmt.Errorf("categories_json: %w", err)
		}
		for _, c := range cats {
			if !contains(b.Class.Categories, c) {
				return fmt.Errorf("category %q not allowed by class %q", c, b.Class.Key)
			}
		}
	}
	if (b.Email == nil) == (b.Chat == nil) {
		return errors.New("pipeline must have exactly one delivery")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func failureStatus(ctx context.Context) string {
	if ctx.Err() != nil {
		return catalogue.RunCancelled
	}
	return catalogue.RunFailed
}
