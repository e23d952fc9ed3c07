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

// Package collect runs the collection phase: for every source in a
// pipeline's selection set it invokes the source's scraper through the
// rate-limited fetcher, inserts unseen articles, backfills a bounded batch
// of detail bodies, and records the source's last successful run.
//
// Sources whose last run falls inside the freshness window are skipped, so
// pipelines sharing a source never fetch it twice within the window.
package collect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/fetch"
	"github.com/briefwire/briefwire/pkg/scrape"
)

// Options configure one collector.
type Options struct {
	// FreshnessWindow F: a source fetched within F is reused, not refetched.
	FreshnessWindow time.Duration
	// SourceConcurrency bounds how many sources are collected in parallel.
	SourceConcurrency int
	// DetailBatch bounds how many new articles get their body fetched per
	// source per run.
	DetailBatch int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		FreshnessWindow:   2 * time.Hour,
		SourceConcurrency: 10,
		DetailBatch:       5,
	}
}

// Stats summarize one collection phase.
type Stats struct {
	SourcesFetched   int
	SourcesReused    int
	SourcesFailed    int
	ArticlesInserted int
	ItemsDropped     int
	DetailsFetched   int
}

// Collector is safe for concurrent use; a pipeline run uses one instance.
type Collector struct {
	logger   log.Logger
	store    *catalogue.Store
	fetcher  *fetch.Client
	registry *scrape.Registry
	opts     Options
	now      func() time.Time

	inserted *prometheus.CounterVec
	failed   prometheus.Counter
}

// New builds a collector. reg may be nil.
func New(logger log.Logger, reg prometheus.Registerer, store *catalogue.Store, fetcher *fetch.Client, registry *scrape.Registry, opts Options) *Collector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	def := DefaultOptions()
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = def.FreshnessWindow
	}
	if opts.SourceConcurrency <= 0 {
		opts.SourceConcurrency = def.SourceConcurrency
	}
	if opts.DetailBatch <= 0 {
		opts.DetailBatch = def.DetailBatch
	}
	c := &Collector{
		logger:   logger,
		store:    store,
		fetcher:  fetcher,
		registry: registry,
		opts:     opts,
		now:      time.Now,
		inserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefwire_collect_articles_inserted_total",
			Help: "Articles inserted during collection, by source.",
		}, []string{"source"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "briefwire_collect_source_failures_total",
			Help: "Sources whose collection failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.inserted, c.failed)
	}
	return c
}

// Run collects every source in the selection set. Scraper failures are soft:
// they are logged and counted, and the next source proceeds. Only
// cancellation aborts the phase.
func (c *Collector) Run(ctx context.Context, sources []catalogue.Source) (Stats, error) {
	var (
		mu    sync.Mutex
		stats Stats
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.SourceConcurrency)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			s, err := c.collectSource(ctx, src)
			mu.Lock()
			stats.SourcesFetched += s.SourcesFetched
			stats.SourcesReused += s.SourcesReused
			stats.SourcesFailed += s.SourcesFailed
			stats.ArticlesInserted += s.ArticlesInserted
			stats.ItemsDropped += s.ItemsDropped
			stats.DetailsFetched += s.DetailsFetched
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return stats, err
}

func (c *Collector) collectSource(ctx context.Context, src catalogue.Source) (Stats, error) {
	var stats Stats
	now := c.now()

	if run, err := c.store.GetSourceRun(ctx, src.ID); err == nil {
		if age := now.Sub(run.LastRunAt); age < c.opts.FreshnessWindow {
			_ = level.Info(c.logger).Log("msg", "reused within freshness window", "source", src.Key, "age", age)
			stats.SourcesReused++
			return stats, nil
		}
	} else if !errors.Is(err, catalogue.ErrNotFound) {
		return stats, err
	}

	scraper, err := c.registry.Lookup(src.ScriptPath)
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "scraper unavailable", "source", src.Key, "err", err)
		c.failed.Inc()
		stats.SourcesFailed++
		return stats, nil
	}

	items, err := scraper.List(ctx, c.fetcher, src.Addresses)
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		_ = level.Warn(c.logger).Log("msg", "source listing failed", "source", src.Key, "err", err)
		c.failed.Inc()
		stats.SourcesFailed++
		return stats, nil
	}

	// Insert in scraper order so per-source ordering is preserved.
	var fresh []catalogue.Article
	for _, item := range items {
		if item.Title == "" || item.Link == "" {
			_ = level.Warn(c.logger).Log("msg", "dropping invalid record", "source", src.Key, "link", item.Link)
			stats.ItemsDropped++
			continue
		}
		exists, err := c.store.ArticleExistsByLink(ctx, item.Link)
		if err != nil {
			return stats, err
		}
		if exists {
			continue
		}
		a := catalogue.Article{
			Source:   src.Key,
			Publish:  item.Publish,
			Title:    item.Title,
			Link:     item.Link,
			Category: &src.CategoryKey,
		}
		if item.ImgLink != "" {
			img := item.ImgLink
			a.ImgLink = &img
		}
		if err := c.store.InsertArticle(ctx, &a); err != nil {
			if errors.Is(err, catalogue.ErrConflict) {
				// Lost a race with another pipeline; the row exists, move on.
				continue
			}
			return stats, err
		}
		stats.ArticlesInserted++
		c.inserted.WithLabelValues(src.Key).Inc()
		fresh = append(fresh, a)
	}

	for i, a := range fresh {
		if i >= c.opts.DetailBatch {
			break
		}
		detail, err := scraper.FetchDetail(ctx, c.fetcher, a.Link)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			_ = level.Warn(c.logger).Log("msg", "detail fetch failed", "source", src.Key, "link", a.Link, "err", err)
			continue
		}
		if detail == "" {
			continue
		}
		if err := c.store.UpdateArticleDetail(ctx, a.ID, detail, nil); err != nil {
			return stats, err
		}
		stats.DetailsFetched++
	}

	if err := c.store.UpsertSourceRun(ctx, src.ID, now); err != nil {
		return stats, err
	}
	stats.SourcesFetched++
	_ = level.Info(c.logger).Log("msg", "source collected", "source", src.Key,
		"items", len(items), "inserted", stats.ArticlesInserted, "details", stats.DetailsFetched)
	return stats, nil
}
