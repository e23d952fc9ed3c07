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

// Package scrape defines the source scraper contract and a registry keyed by
// the catalogue's script_path column. Scrapers are registered at startup;
// the catalogue stays the source of truth for which scraper a source uses.
package scrape

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/briefwire/briefwire/pkg/fetch"
)

// Item is one listed article record as produced by a scraper. Title and Link
// are mandatory; records missing either are dropped by the collector.
type Item struct {
	Title   string
	Link    string
	Publish string
	ImgLink string
}

// Scraper lists a source's articles and optionally fetches full bodies. All
// network I/O must go through the supplied fetch client; a scraper never
// opens its own connections.
type Scraper interface {
	// List returns the records found at the source's addresses, sorted by
	// publish descending.
	List(ctx context.Context, c *fetch.Client, addresses []string) ([]Item, error)
	// FetchDetail returns the plain-text body behind a listed link.
	FetchDetail(ctx context.Context, c *fetch.Client, link string) (string, error)
}

// Registry maps script_path values to scraper implementations.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]Scraper
}

// NewRegistry returns a registry with the built-in scrapers installed.
func NewRegistry() *Registry {
	r := &Registry{scrapers: map[string]Scraper{}}
	r.Register("rss", NewRSS())
	r.Register("html", NewHTML())
	return r
}

// Register installs a scraper under a script_path key, replacing any
// previous registration.
func (r *Registry) Register(key string, s Scraper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[key] = s
}

// Lookup resolves a script_path. An unknown key is a soft error for the
// collector: the source is skipped, the pipeline continues.
func (r *Registry) Lookup(key string) (Scraper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[key]
	if !ok {
		return nil, fmt.Errorf("no scraper registered for %q", key)
	}
	return s, nil
}

// Keys returns the registered script_path keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.scrapers))
	for k := range r.scrapers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
