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

// Package fetch provides the rate-limited HTTP client every outbound scraper
// request must go through. It enforces a bounded global concurrency cap and
// a per-host minimum interval with jitter, and retries transient failures
// with exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// ErrPermanent marks a non-retryable upstream response (4xx other than 429).
var ErrPermanent = errors.New("permanent upstream error")

// Options configure the client. The zero value is completed by
// DefaultOptions.
type Options struct {
	// GlobalConcurrency caps in-flight requests across all hosts.
	GlobalConcurrency int64
	// HostInterval is the minimum spacing between requests to one host.
	HostInterval time.Duration
	// HostJitter is the uniform ± jitter added to the spacing.
	HostJitter time.Duration
	// ConnectTimeout bounds dialing, ReadTimeout the whole request.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryBase is the exponential backoff base B: the n-th retry sleeps
	// B·2^(n−1) plus uniform(0, B).
	RetryBase time.Duration
	// UserAgent is sent on every request.
	UserAgent string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		GlobalConcurrency: 16,
		HostInterval:      500 * time.Millisecond,
		HostJitter:        100 * time.Millisecond,
		ConnectTimeout:    5 * time.Second,
		ReadTimeout:       10 * time.Second,
		MaxRetries:        3,
		RetryBase:         2 * time.Second,
		UserAgent:         "briefwire/1.0",
	}
}

type hostGate struct {
	mu   sync.Mutex
	last time.Time
}

// Metrics are the client's instrumentation, registered once per client.
type Metrics struct {
	requests  *prometheus.CounterVec
	retries   prometheus.Counter
	hostWait  prometheus.Histogram
	permanent prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefwire_fetch_requests_total",
			Help: "Outbound fetch attempts by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "briefwire_fetch_retries_total",
			Help: "Fetch attempts that were retried.",
		}),
		hostWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "briefwire_fetch_host_wait_seconds",
			Help:    "Time spent waiting on the per-host interval.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		permanent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "briefwire_fetch_permanent_errors_total",
			Help: "Non-retryable upstream responses.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.retries, m.hostWait, m.permanent)
	}
	return m
}

// Client is safe for concurrent use by any number of goroutines.
type Client struct {
	logger  log.Logger
	opts    Options
	sem     *semaphore.Weighted
	http    *http.Client
	metrics *Metrics

	mu    sync.Mutex
	hosts map[string]*hostGate

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a client. reg may be nil to skip instrumentation.
func New(logger log.Logger, reg prometheus.Registerer, opts Options) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	def := DefaultOptions()
	if opts.GlobalConcurrency <= 0 {
		opts.GlobalConcurrency = def.GlobalConcurrency
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: int(opts.GlobalConcurrency),
	}
	return &Client{
		logger:  logger,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.GlobalConcurrency),
		http:    &http.Client{Transport: transport},
		metrics: newMetrics(reg),
		hosts:   map[string]*hostGate{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) gate(host string) *hostGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.hosts[host]
	if !ok {
		g = &hostGate{}
		c.hosts[host] = g
	}
	return g
}

// uniform returns a duration drawn uniformly from [0, max).
func (c *Client) uniform(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return time.Duration(c.rng.Int63n(int64(max)))
}

// jitter returns a duration drawn uniformly from [-max, +max].
func (c *Client) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return time.Duration(c.rng.Int63n(2*int64(max)+1) - int64(max))
}

// waitHost blocks until the per-host minimum interval has elapsed. It holds
// the host gate across the sleep so requests to one host serialize; gates
// for different hosts are independent.
func (c *Client) waitHost(ctx context.Context, host string) error {
	g := c.gate(host)
	g.mu.Lock()
	defer g.mu.Unlock()

	wait := c.opts.HostInterval - time.Since(g.last) + c.jitter(c.opts.HostJitter)
	if wait > 0 {
		c.metrics.hostWait.Observe(wait.Seconds())
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	g.last = time.Now()
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

// retryable reports whether an attempt outcome warrants another try.
func retryable(status int, err error) bool {
	if err != nil {
		// Timeouts and resets are transient; anything else from the
		// transport is treated the same way since the retry budget is
		// small.
		return true
	}
	return status == http.StatusTooManyRequests || status >= 500
}

// Get fetches url and returns the response body. One global permit is held
// for the whole call including retries, so the concurrency cap counts
// logical fetches, not attempts.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url %q: %s", ErrPermanent, rawURL, err)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries+1; attempt++ {
		if attempt > 1 {
			c.metrics.retries.Inc()
			backoff := c.opts.RetryBase<<(attempt-2) + c.uniform(c.opts.RetryBase)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
		}
		if err := c.waitHost(ctx, u.Host); err != nil {
			return nil, err
		}

		body, status, err := c.do(ctx, rawURL)
		switch {
		case err == nil && status < 300:
			c.metrics.requests.WithLabelValues("ok").Inc()
			return body, nil
		case err != nil && ctx.Err() != nil:
			c.metrics.requests.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		case retryable(status, err):
			c.metrics.requests.WithLabelValues("transient").Inc()
			if err != nil {
				lastErr = err
			} else {
				lastErr = fmt.Errorf("fetch %s: HTTP %d", rawURL, status)
			}
			_ = level.Debug(c.logger).Log("msg", "transient fetch failure", "url", rawURL, "attempt", attempt, "err", lastErr)
		default:
			c.metrics.requests.WithLabelValues("permanent").Inc()
			c.metrics.permanent.Inc()
			return nil, fmt.Errorf("%w: fetch %s: HTTP %d", ErrPermanent, rawURL, status)
		}
	}
	return nil, fmt.Errorf("fetch %s: retries exhausted: %w", rawURL, lastErr)
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
