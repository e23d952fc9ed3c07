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

package evaluate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/briefwire/briefwire/pkg/catalogue"
)

// Response is the validated LLM output for one article.
type Response struct {
	DimensionScores map[string]int
	Comment         string
	Summary         string
	KeyConcepts     []string
	SummaryLong     string
}

const summaryLongMax = 50

type rawResponse struct {
	DimensionScores map[string]json.Number `json:"dimension_scores"`
	Comment         string                 `json:"comment"`
	Summary         string                 `json:"summary"`
	KeyConcepts     []string               `json:"key_concepts"`
	SummaryLong     string                 `json:"summary_long"`
}

// ParseResponse validates the model's answer against the evaluator's metric
// allow-list. Scores must be integers in [1,5]; unknown metric keys are
// dropped with a warning rather than failing the article; comment and
// summary must be non-empty. The model wrapping its JSON in a markdown fence
// is tolerated.
func ParseResponse(text string, allowed []catalogue.Metric) (Response, []string, error) {
	payload := stripFence(text)

	var raw rawResponse
	dec := json.NewDecoder(strings.NewReader(payload))
	if err := dec.Decode(&raw); err != nil {
		return Response{}, nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if len(raw.DimensionScores) == 0 {
		return Response{}, nil, fmt.Errorf("dimension_scores missing or empty")
	}

	allowedKeys := map[string]bool{}
	for _, m := range allowed {
		allowedKeys[m.Key] = true
	}

	var warnings []string
	scores := map[string]int{}
	for key, num := range raw.DimensionScores {
		key = strings.TrimSpace(key)
		if !allowedKeys[key] {
			warnings = append(warnings, fmt.Sprintf("dropped unknown metric %q", key))
			continue
		}
		v, err := num.Int64()
		if err != nil {
			return Response{}, warnings, fmt.Errorf("score for %q is not an integer: %s", key, num)
		}
		if v < 1 || v > 5 {
			return Response{}, warnings, fmt.Errorf("score %d for %q outside 1..5", v, key)
		}
		scores[key] = int(v)
	}
	if len(scores) == 0 {
		return Response{}, warnings, fmt.Errorf("no score matched the evaluator's metrics")
	}

	raw.Comment = strings.TrimSpace(raw.Comment)
	raw.Summary = strings.TrimSpace(raw.Summary)
	if raw.Comment == "" {
		return Response{}, warnings, fmt.Errorf("comment is empty")
	}
	if raw.Summary == "" {
		return Response{}, warnings, fmt.Errorf("summary is empty")
	}

	long := strings.TrimSpace(raw.SummaryLong)
	if runes := []rune(long); len(runes) > summaryLongMax {
		warnings = append(warnings, "summary_long truncated")
		long = string(runes[:summaryLongMax])
	}

	var concepts []string
	for _, kc := range raw.KeyConcepts {
		if kc = strings.TrimSpace(kc); kc != "" {
			concepts = append(concepts, kc)
		}
	}

	return Response{
		DimensionScores: scores,
		Comment:         raw.Comment,
		Summary:         raw.Summary,
		KeyConcepts:     concepts,
		SummaryLong:     long,
	}, warnings, nil
}

// stripFence removes a surrounding ```json ... ``` markdown fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// RenderPrompt fills the evaluator's template. Placeholders: {{title}},
// {{source}}, {{publish}}, {{detail}}, {{metrics_block}} (key and guide per
// line) and {{schema_example}} (the expected JSON shape).
func RenderPrompt(template string, a catalogue.Article, metrics []catalogue.Metric) string {
	var metricsBlock strings.Builder
	for _, m := range metrics {
		fmt.Fprintf(&metricsBlock, "- %s: %s\n", m.Key, m.RateGuide)
	}

	example := map[string]any{"dimension_scores": map[string]int{}}
	scoreExample := example["dimension_scores"].(map[string]int)
	for _, m := range metrics {
		scoreExample[m.Key] = 3
	}
	example["comment"] = "…"
	example["summary"] = "…"
	example["key_concepts"] = []string{"…"}
	example["summary_long"] = "…"
	schema, _ := json.MarshalIndent(example, "", "  ")

	detail := ""
	if a.Detail != nil {
		detail = *a.Detail
	}
	return strings.NewReplacer(
		"{{title}}", a.Title,
		"{{source}}", a.Source,
		"{{publish}}", a.Publish,
		"{{detail}}", detail,
		"{{metrics_block}}", metricsBlock.String(),
		"{{schema_example}}", string(schema),
	).Replace(template)
}
