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

// Package evaluate runs the scoring phase: for each article lacking a
// review from the pipeline's evaluator it renders the evaluator's prompt
// from the metric catalogue, calls the LLM under pacing, retry and a
// circuit breaker, validates the response, and persists scores and review
// in one transaction.
package evaluate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/rank"
)

// LLMClient is the completion interface the evaluator consumes.
type LLMClient interface {
	// Complete returns the model's text answer and the raw response body.
	Complete(ctx context.Context, prompt string) (text, raw string, err error)
}

// Options configure one evaluator instance.
type Options struct {
	// MinInterval spaces consecutive LLM requests.
	MinInterval time.Duration
	// RequestTimeout bounds one LLM call.
	RequestTimeout time.Duration
	// MaxRetries and RetryBase govern transient-failure backoff.
	MaxRetries int
	RetryBase  time.Duration
	// BatchLimit bounds articles evaluated per run; <= 0 means all.
	BatchLimit int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MinInterval:    time.Second,
		RequestTimeout: 60 * time.Second,
		MaxRetries:     3,
		RetryBase:      2 * time.Second,
	}
}

// Stats summarize one evaluation phase.
type Stats struct {
	Evaluated int
	Skipped   int
	Failed    int
}

// Evaluator drives the scoring phase. One instance per process; the pacing
// state spans pipelines on purpose so the LLM endpoint sees one stream.
type Evaluator struct {
	logger  log.Logger
	store   *catalogue.Store
	llm     LLMClient
	opts    Options
	breaker *gobreaker.CircuitBreaker

	paceMu sync.Mutex
	last   time.Time

	evaluations *prometheus.CounterVec
}

// New builds an evaluator. reg may be nil.
func New(logger log.Logger, reg prometheus.Registerer, store *catalogue.Store, llm LLMClient, opts Options) *Evaluator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	def := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	e := &Evaluator{
		logger: logger,
		store:  store,
		llm:    llm,
		opts:   opts,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefwire_evaluations_total",
			Help: "Article evaluations by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(e.evaluations)
	}
	return e
}

// Run evaluates pending articles for the evaluator key. sourceKeys
// restricts the sweep to the pipeline's selection set (nil means
// unrestricted); hours > 0 additionally skips articles whose publish falls
// outside the window ending now. Per-article failures are soft; only
// cancellation aborts the phase.
func (e *Evaluator) Run(ctx context.Context, evaluatorKey string, sourceKeys []string, hours int) (Stats, error) {
	var stats Stats

	ev, err := e.store.GetEvaluator(ctx, evaluatorKey)
	if err != nil {
		return stats, fmt.Errorf("load evaluator %q: %w", evaluatorKey, err)
	}
	metrics, err := e.store.EvaluatorMetrics(ctx, evaluatorKey)
	if err != nil {
		return stats, fmt.Errorf("load metrics for %q: %w", evaluatorKey, err)
	}
	if len(metrics) == 0 {
		return stats, fmt.Errorf("evaluator %q has no active metrics", evaluatorKey)
	}
	weights, err := rank.EffectiveWeights(metrics, nil, "")
	if err != nil {
		return stats, err
	}

	articles, err := e.store.ListArticlesNeedingReview(ctx, evaluatorKey, sourceKeys, e.opts.BatchLimit)
	if err != nil {
		return stats, err
	}
	now := time.Now()
	for _, a := range articles {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if hours > 0 && !rank.WithinWindow(a.Publish, now, hours) {
			stats.Skipped++
			continue
		}
		if err := e.evaluateOne(ctx, ev, metrics, weights, a); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			_ = level.Warn(e.logger).Log("msg", "evaluation failed", "article", a.ID, "err", err)
			e.evaluations.WithLabelValues("failed").Inc()
			stats.Failed++
			continue
		}
		e.evaluations.WithLabelValues("ok").Inc()
		stats.Evaluated++
	}
	return stats, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, ev catalogue.Evaluator, metrics []catalogue.Metric, weights map[string]float64, a catalogue.Article) error {
	prompt := RenderPrompt(ev.PromptTemplate, a, metrics)

	text, raw, err := e.complete(ctx, prompt)
	if err != nil {
		return err
	}

	parsed, warnings, err := ParseResponse(text, metrics)
	if err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	for _, w := range warnings {
		_ = level.Warn(e.logger).Log("msg", "response warning", "article", a.ID, "warning", w)
	}

	idByKey := map[string]int64{}
	for _, m := range metrics {
		idByKey[m.Key] = m.ID
	}
	scores := map[int64]int{}
	scoresByKey := map[string]int{}
	for key, s := range parsed.DimensionScores {
		scores[idByKey[key]] = s
		scoresByKey[key] = s
	}

	rev := catalogue.Review{
		ArticleID:     a.ID,
		EvaluatorKey:  ev.Key,
		FinalScore:    rank.WeightedScore(scoresByKey, weights),
		AIComment:     parsed.Comment,
		AISummary:     parsed.Summary,
		AIKeyConcepts: strings.Join(parsed.KeyConcepts, ", "),
		AISummaryLong: parsed.SummaryLong,
		RawResponse:   raw,
	}
	return e.store.SaveEvaluation(ctx, scores, rev)
}

// complete paces, applies the circuit breaker, and retries transient
// failures with exponential backoff.
func (e *Evaluator) complete(ctx context.Context, prompt string) (string, string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxRetries+1; attempt++ {
		if attempt > 1 {
			backoff := e.opts.RetryBase << (attempt - 2)
			if err := sleepCtx(ctx, backoff); err != nil {
				return "", "", err
			}
		}
		if err := e.pace(ctx); err != nil {
			return "", "", err
		}
		result, err := e.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
			defer cancel()
			text, raw, err := e.llm.Complete(callCtx, prompt)
			if err != nil {
				return nil, err
			}
			return [2]string{text, raw}, nil
		})
		if err == nil {
			pair := result.([2]string)
			return pair[0], pair[1], nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		lastErr = err
	}
	return "", "", fmt.Errorf("llm retries exhausted: %w", lastErr)
}

func (e *Evaluator) pace(ctx context.Context) error {
	e.paceMu.Lock()
	defer e.paceMu.Unlock()
	if wait := e.opts.MinInterval - time.Since(e.last); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	e.last = time.Now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
