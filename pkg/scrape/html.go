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
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/briefwire/briefwire/pkg/fetch"
)

// HTML scrapes plain listing pages: anchors inside <article> elements, or
// every in-page heading link when the page carries no <article> markup.
// Sites needing more than that register a dedicated scraper.
type HTML struct{}

// NewHTML returns the html built-in.
func NewHTML() *HTML {
	return &HTML{}
}

// List extracts article links from every address.
func (s *HTML) List(ctx context.Context, c *fetch.Client, addresses []string) ([]Item, error) {
	var out []Item
	seen := map[string]bool{}
	for _, addr := range addresses {
		base, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parse address %s: %w", addr, err)
		}
		body, err := c.Get(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("fetch page %s: %w", addr, err)
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("parse page %s: %w", addr, err)
		}

		sel := doc.Find("article a[href]")
		if sel.Length() == 0 {
			sel = doc.Find("h1 a[href], h2 a[href], h3 a[href]")
		}
		sel.Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			title := strings.TrimSpace(a.Text())
			if href == "" || title == "" {
				return
			}
			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			abs := base.ResolveReference(ref).String()
			if seen[abs] {
				return
			}
			seen[abs] = true
			item := Item{Title: title, Link: abs}
			// A time element near the anchor is the best publish hint a
			// generic listing offers.
			if t := a.Closest("article").Find("time").First(); t.Length() > 0 {
				if dt, ok := t.Attr("datetime"); ok {
					item.Publish = dt
				} else {
					item.Publish = strings.TrimSpace(t.Text())
				}
			}
			out = append(out, item)
		})
	}
	return out, nil
}

// FetchDetail pulls the article page and extracts its readable text.
func (s *HTML) FetchDetail(ctx context.Context, c *fetch.Client, link string) (string, error) {
	body, err := c.Get(ctx, link)
	if err != nil {
		return "", err
	}
	return extractText(body)
}

// extractText returns the concatenated paragraph text of a page, preferring
// the <article> element when present.
func extractText(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse article page: %w", err)
	}
	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	var parts []string
	root.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return strings.TrimSpace(root.Text()), nil
	}
	return strings.Join(parts, "\n\n"), nil
}
