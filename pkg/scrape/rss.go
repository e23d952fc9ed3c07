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
	"fmt"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/briefwire/briefwire/pkg/fetch"
)

// RSS scrapes RSS and Atom feeds.
type RSS struct {
	parser *gofeed.Parser
}

// NewRSS returns the rss built-in.
func NewRSS() *RSS {
	return &RSS{parser: gofeed.NewParser()}
}

// List fetches every address as a feed and merges the items, newest first.
// A failing address fails the whole listing; partial feeds are worse than a
// retried source.
func (s *RSS) List(ctx context.Context, c *fetch.Client, addresses []string) ([]Item, error) {
	var out []Item
	for _, addr := range addresses {
		body, err := c.Get(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("fetch feed %s: %w", addr, err)
		}
		feed, err := s.parser.ParseString(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse feed %s: %w", addr, err)
		}
		for _, item := range feed.Items {
			out = append(out, Item{
				Title:   item.Title,
				Link:    item.Link,
				Publish: feedPublish(item),
				ImgLink: feedImage(item),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Publish > out[j].Publish })
	return out, nil
}

// feedPublish prefers the parsed timestamp rendered as UTC RFC 3339 and
// falls back to the feed's raw string, which may be coarser.
func feedPublish(item *gofeed.Item) string {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC().Format(time.RFC3339)
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC().Format(time.RFC3339)
	}
	if item.Published != "" {
		return item.Published
	}
	return item.Updated
}

func feedImage(item *gofeed.Item) string {
	if item.Image != nil {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc.Type == "image/jpeg" || enc.Type == "image/png" || enc.Type == "image/webp" {
			return enc.URL
		}
	}
	return ""
}

// FetchDetail pulls the linked page and extracts its readable text.
func (s *RSS) FetchDetail(ctx context.Context, c *fetch.Client, link string) (string, error) {
	body, err := c.Get(ctx, link)
	if err != nil {
		return "", err
	}
	return extractText(body)
}
