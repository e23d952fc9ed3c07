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

// Package rank holds the pure selection and scoring functions of the writer
// phase: resolving a pipeline's source selection, filtering candidates by
// publish window, computing effective metric weights, the weighted score,
// and grouping with per-source and per-category caps. Everything here is
// deterministic; rendering and persistence live elsewhere.
package rank

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/briefwire/briefwire/pkg/catalogue"
)

// Selection resolves the pipeline filter against the class allow-list and
// the enabled source list (§ the filter semantics: all_categories widens to
// the class's categories, all_src widens to every enabled source in them).
func Selection(filter catalogue.PipelineFilter, class catalogue.PipelineClass, enabled []catalogue.Source) ([]catalogue.Source, error) {
	categories := class.Categories
	if !filter.AllCategories {
		categories = nil
		if err := json.Unmarshal([]byte(emptyArray(filter.CategoriesJSON)), &categories); err != nil {
			return nil, fmt.Errorf("categories_json: %w", err)
		}
	}
	catSet := map[string]bool{}
	for _, c := range categories {
		catSet[c] = true
	}

	var include map[string]bool
	if !filter.AllSrc {
		var keys []string
		if err := json.Unmarshal([]byte(emptyArray(filter.IncludeSrcJSON)), &keys); err != nil {
			return nil, fmt.Errorf("include_src_json: %w", err)
		}
		include = map[string]bool{}
		for _, k := range keys {
			include[k] = true
		}
	}

	var out []catalogue.Source
	for _, src := range enabled {
		if !catSet[src.CategoryKey] {
			continue
		}
		if include != nil && !include[src.Key] {
			continue
		}
		out = append(out, src)
	}
	return out, nil
}

func emptyArray(s string) string {
	if strings.TrimSpace(s) == "" {
		return "[]"
	}
	return s
}

// publishLayouts covers the precision ladder scrapers actually emit.
var publishLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"2006-01",
}

// ParsePublish parses a publish string at whatever precision it carries.
// Layouts without a zone are taken as UTC.
func ParsePublish(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range publishLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// WithinWindow reports whether a publish string parses and falls within the
// last `hours` before now. Unparseable strings exclude the row.
func WithinWindow(publish string, now time.Time, hours int) bool {
	t, ok := ParsePublish(publish)
	if !ok {
		return false
	}
	return !t.Before(now.Add(-time.Duration(hours) * time.Hour)) && !t.After(now)
}

// EffectiveWeights resolves the weight for each active metric. Precedence:
// an enabled override row, else weights_json[key], else the metric's default
// (NULL counting as 0). Only strictly positive weights survive; JSON keys
// that match no active metric are ignored.
func EffectiveWeights(metrics []catalogue.Metric, overrides []catalogue.MetricWeight, weightsJSON string) (map[string]float64, error) {
	var fromJSON map[string]float64
	if strings.TrimSpace(weightsJSON) != "" && weightsJSON != "{}" {
		if err := json.Unmarshal([]byte(weightsJSON), &fromJSON); err != nil {
			return nil, fmt.Errorf("weights_json: %w", err)
		}
	}
	overrideByMetric := map[int64]float64{}
	for _, o := range overrides {
		if o.Enabled {
			overrideByMetric[o.MetricID] = o.Weight
		}
	}

	out := map[string]float64{}
	for _, m := range metrics {
		w := 0.0
		switch {
		case hasKey(overrideByMetric, m.ID):
			w = overrideByMetric[m.ID]
		case fromJSON != nil && hasKey(fromJSON, m.Key):
			w = fromJSON[m.Key]
		case m.DefaultWeight != nil:
			w = *m.DefaultWeight
		}
		if w > 0 {
			out[m.Key] = w
		}
	}
	return out, nil
}

func hasKey[K comparable, V any](m map[K]V, k K) bool {
	_, ok := m[k]
	return ok
}

// WeightedScore computes sum(w·s)/sum(w) over metrics carrying both a
// positive weight and a stored score, clamped to [1,5] and rounded to two
// decimals. No contributing metric yields 0.
func WeightedScore(scores map[string]int, weights map[string]float64) float64 {
	var num, den float64
	for key, w := range weights {
		s, ok := scores[key]
		if !ok {
			continue
		}
		num += w * float64(s)
		den += w
	}
	if den == 0 {
		return 0
	}
	mean := num / den
	if mean < 1 {
		mean = 1
	}
	if mean > 5 {
		mean = 5
	}
	return math.Round(mean*100) / 100
}

// CategoryLimits answers the per-category cap. limit_per_category is either
// a bare integer (uniform cap) or a map {"default": N, "<category>": N};
// a missing default is 10.
type CategoryLimits struct {
	uniform    int
	hasUniform bool
	perCat     map[string]int
	def        int
}

// ParseCategoryLimits parses the stored limit_per_category payload.
func ParseCategoryLimits(raw string) (CategoryLimits, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CategoryLimits{uniform: 10, hasUniform: true}, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return CategoryLimits{uniform: n, hasUniform: true}, nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return CategoryLimits{}, fmt.Errorf("limit_per_category %q: %w", raw, err)
	}
	def, ok := m["default"]
	if !ok {
		def = 10
	}
	delete(m, "default")
	return CategoryLimits{perCat: m, def: def}, nil
}

// For returns the cap for a category.
func (l CategoryLimits) For(category string) int {
	if l.hasUniform {
		return l.uniform
	}
	if n, ok := l.perCat[category]; ok {
		return n
	}
	return l.def
}

// Candidate is one ranked article. Score is the displayed weighted mean
// (bonus excluded); SortScore adds the per-source bonus and decides
// ordering only.
type Candidate struct {
	Article     catalogue.Article
	Review      catalogue.Review
	Score       float64
	SortScore   float64
	PublishedAt time.Time
}

// Group is one category's capped, ordered candidates.
type Group struct {
	Category string
	Items    []Candidate
}

// Rank groups candidates by category, orders each group by (sort score
// desc, publish desc, id desc), and applies the per-source cap before the
// category cap. perSourceCap <= 0 means unlimited.
func Rank(cands []Candidate, perSourceCap int, limits CategoryLimits) []Group {
	byCat := map[string][]Candidate{}
	for _, c := range cands {
		cat := ""
		if c.Article.Category != nil {
			cat = *c.Article.Category
		}
		byCat[cat] = append(byCat[cat], c)
	}

	cats := make([]string, 0, len(byCat))
	for cat := range byCat {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	var out []Group
	for _, cat := range cats {
		items := byCat[cat]
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].SortScore != items[j].SortScore {
				return items[i].SortScore > items[j].SortScore
			}
			if !items[i].PublishedAt.Equal(items[j].PublishedAt) {
				return items[i].PublishedAt.After(items[j].PublishedAt)
			}
			return items[i].Article.ID > items[j].Article.ID
		})

		limit := limits.For(cat)
		perSource := map[string]int{}
		var kept []Candidate
		for _, c := range items {
			if limit >= 0 && len(kept) >= limit {
				break
			}
			if perSourceCap > 0 && perSource[c.Article.Source] >= perSourceCap {
				continue
			}
			perSource[c.Article.Source]++
			kept = append(kept, c)
		}
		if len(kept) > 0 {
			out = append(out, Group{Category: cat, Items: kept})
		}
	}
	return out
}

// Build assembles candidates from reviewed articles: window-filters on
// publish, computes the displayed score from the stored per-metric scores
// and effective weights, and applies the per-source bonus to the sort score.
func Build(rows []catalogue.ReviewedArticle, metrics []catalogue.Metric, weights map[string]float64, bonus map[string]float64, now time.Time, hours int) []Candidate {
	keyByID := map[int64]string{}
	for _, m := range metrics {
		keyByID[m.ID] = m.Key
	}
	var out []Candidate
	for _, row := range rows {
		t, ok := ParsePublish(row.Article.Publish)
		if !ok || t.Before(now.Add(-time.Duration(hours)*time.Hour)) || t.After(now) {
			continue
		}
		scores := map[string]int{}
		for metricID, s := range row.Scores {
			if key, ok := keyByID[metricID]; ok {
				scores[key] = s
			}
		}
		score := WeightedScore(scores, weights)
		c := Candidate{
			Article:     row.Article,
			Review:      row.Review,
			Score:       score,
			SortScore:   score + bonus[row.Article.Source],
			PublishedAt: t,
		}
		out = append(out, c)
	}
	return out
}

// ParseBonus parses bonus_json, a map of source key to additive bonus.
func ParseBonus(raw string) (map[string]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return map[string]float64{}, nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("bonus_json: %w", err)
	}
	return m, nil
}
