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

package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/briefwire/briefwire/pkg/fetch"
)

func testFetcher() *fetch.Client {
	return fetch.New(log.NewNopLogger(), nil, fetch.Options{
		GlobalConcurrency: 4,
		HostInterval:      time.Millisecond,
		MaxRetries:        0,
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, key := range []string{"rss", "html"} {
		if _, err := r.Lookup(key); err != nil {
			t.Errorf("builtin %q missing: %s", key, err)
		}
	}
	if _, err := r.Lookup("scrapers/custom.py"); err == nil {
		t.Error("want error for unregistered key")
	}
	r.Register("custom", NewRSS())
	if _, err := r.Lookup("custom"); err != nil {
		t.Errorf("lookup after register: %s", err)
	}
}

const feedXML = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Feed</title>
<item><title>Older</title><link>https://example.com/older</link>
<pubDate>Mon, 17 Aug 2026 08:00:00 GMT</pubDate></item>
<item><title>Newer</title><link>https://example.com/newer</link>
<pubDate>Tue, 18 Aug 2026 08:00:00 GMT</pubDate></item>
</channel></rss>`

func TestRSSList(t *testing.T) {
	serve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedXML))
	}))
	defer serve.Close()

	items, err := NewRSS().List(context.Background(), testFetcher(), []string{serve.URL})
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(items) != 2 {
		t.Fatalf("want 2 items, got %d", len(items))
	}
	if items[0].Title != "Newer" || items[1].Title != "Older" {
		t.Errorf("want newest first, got %q then %q", items[0].Title, items[1].Title)
	}
	if items[0].Publish != "2026-08-18T08:00:00Z" {
		t.Errorf("want normalized UTC publish, got %q", items[0].Publish)
	}
}

const listingHTML = `<html><body>
<article><h2><a href="/posts/1">First post</a></h2>
<time datetime="2026-08-18T09:00:00Z">Aug 18</time></article>
<article><h2><a href="/posts/2">Second post</a></h2></article>
<article><h2><a href="/posts/1">First post</a></h2></article>
</body></html>`

func TestHTMLList(t *testing.T) {
	serve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingHTML))
	}))
	defer serve.Close()

	items, err := NewHTML().List(context.Background(), testFetcher(), []string{serve.URL})
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(items) != 2 {
		t.Fatalf("want 2 deduped items, got %d: %+v", len(items), items)
	}
	if items[0].Title != "First post" || !strings.HasSuffix(items[0].Link, "/posts/1") {
		t.Errorf("unexpected first item %+v", items[0])
	}
	if items[0].Publish != "2026-08-18T09:00:00Z" {
		t.Errorf("want datetime attribute as publish, got %q", items[0].Publish)
	}
}

func TestFetchDetailExtractsParagraphs(t *testing.T) {
	serve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><nav>menu</nav>
<article><p>First paragraph.</p><p>  Second paragraph. </p></article>
</body></html>`))
	}))
	defer serve.Close()

	got, err := NewHTML().FetchDetail(context.Background(), testFetcher(), serve.URL)
	if err != nil {
		t.Fatalf("fetch detail: %s", err)
	}
	want := "First paragraph.\n\nSecond paragraph."
	if got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}
