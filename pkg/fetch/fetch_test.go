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

package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
)

func testClient(opts Options) *Client {
	return New(log.NewNopLogger(), nil, opts)
}

func TestHostIntervalSpacing(t *testing.T) {
	var (
		mu    sync.Mutex
		seen  []time.Time
		serve = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen = append(seen, time.Now())
			mu.Unlock()
			w.Write([]byte("ok"))
		}))
	)
	defer serve.Close()

	const interval = 120 * time.Millisecond
	c := testClient(Options{
		GlobalConcurrency: 8,
		HostInterval:      interval,
		HostJitter:        0,
		MaxRetries:        0,
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(ctx, serve.URL); err != nil {
				t.Errorf("get: %s", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("want 4 requests, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		// Small scheduling slack; the guarantee is interval minus jitter
		// and jitter is zero here.
		if gap := seen[i].Sub(seen[i-1]); gap < interval-10*time.Millisecond {
			t.Errorf("requests %d and %d only %s apart, want >= %s", i-1, i, gap, interval)
		}
	}
}

func TestRetryOnTransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	serve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer serve.Close()

	c := testClient(Options{
		GlobalConcurrency: 1,
		HostInterval:      time.Millisecond,
		MaxRetries:        3,
		RetryBase:         time.Millisecond,
	})
	body, err := c.Get(context.Background(), serve.URL)
	if err != nil {
		t.Fatalf("get: %s", err)
	}
	if string(body) != "payload" {
		t.Errorf("want payload, got %q", body)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("want 3 attempts, got %d", got)
	}
}

func TestPermanentFailsFast(t *testing.T) {
	var calls atomic.Int32
	serve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer serve.Close()

	c := testClient(Options{
		GlobalConcurrency: 1,
		HostInterval:      time.Millisecond,
		MaxRetries:        3,
		RetryBase:         time.Millisecond,
	})
	_, err := c.Get(context.Background(), serve.URL)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("want ErrPermanent, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("want exactly 1 attempt, got %d", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	serve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer serve.Close()

	c := testClient(Options{
		GlobalConcurrency: 1,
		HostInterval:      time.Millisecond,
		MaxRetries:        2,
		RetryBase:         time.Millisecond,
	})
	_, err := c.Get(context.Background(), serve.URL)
	if err == nil || errors.Is(err, ErrPermanent) {
		t.Fatalf("want transient exhaustion, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("want 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestCancellationDuringHostWait(t *testing.T) {
	serve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer serve.Close()

	c := testClient(Options{
		GlobalConcurrency: 1,
		HostInterval:      10 * time.Second,
		MaxRetries:        0,
	})
	ctx := context.Background()
	if _, err := c.Get(ctx, serve.URL); err != nil {
		t.Fatalf("first get: %s", err)
	}

	// The second request would wait ~10s on the host gate; the deadline
	// must cut it short.
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Get(ctx, serve.URL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %s, want prompt return", elapsed)
	}
}

func TestInvalidURLIsPermanent(t *testing.T) {
	c := testClient(Options{GlobalConcurrency: 1})
	if _, err := c.Get(context.Background(), "http://bad url/%"); !errors.Is(err, ErrPermanent) {
		t.Errorf("want ErrPermanent, got %v", err)
	}
}
