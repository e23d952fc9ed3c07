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

package write

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/rank"
)

func testGroups() []rank.Group {
	cat := "tech"
	return []rank.Group{{
		Category: "tech",
		Items: []rank.Candidate{
			{
				Article: catalogue.Article{
					ID: 1, Source: "hn", Publish: "2026-08-20T10:00:00Z",
					Title: "Big <News>", Link: "https://example.com/a", Category: &cat,
				},
				Review: catalogue.Review{AISummary: "what happened", AIComment: "worth reading"},
				Score:  4.33,
			},
		},
	}}
}

func TestRenderHTMLArtifact(t *testing.T) {
	dir := t.TempDir()
	w, err := New(log.NewNopLogger(), dir)
	if err != nil {
		t.Fatalf("new writer: %s", err)
	}
	w.now = func() time.Time { return time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC) }

	p := catalogue.Pipeline{ID: 7, Name: "Morning Brief"}
	art, err := w.Render(p, KindHTML, testGroups(), time.UTC)
	if err != nil {
		t.Fatalf("render: %s", err)
	}
	wantPath := filepath.Join(dir, "pipeline-7", "20260820-073000.html")
	if art.Path != wantPath {
		t.Errorf("want path %s, got %s", wantPath, art.Path)
	}
	onDisk, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %s", err)
	}
	if string(onDisk) != art.Body {
		t.Error("file content differs from returned body")
	}
	for _, want := range []string{"Morning Brief", "2026-08-20", "4.33", "worth reading"} {
		if !strings.Contains(art.Body, want) {
			t.Errorf("artifact missing %q", want)
		}
	}
	// html/template must escape the title.
	if !strings.Contains(art.Body, "Big &lt;News&gt;") {
		t.Error("title not escaped")
	}
	if art.Items != 1 {
		t.Errorf("want 1 item, got %d", art.Items)
	}
}

func TestRenderMarkdownArtifact(t *testing.T) {
	w, err := New(log.NewNopLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %s", err)
	}
	w.now = func() time.Time { return time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC) }

	art, err := w.Render(catalogue.Pipeline{ID: 3, Name: "Chat Brief"}, KindMD, testGroups(), time.UTC)
	if err != nil {
		t.Fatalf("render: %s", err)
	}
	if !strings.HasSuffix(art.Path, ".md") {
		t.Errorf("want .md artifact, got %s", art.Path)
	}
	if !strings.Contains(art.Body, "[Big <News>](https://example.com/a)") {
		t.Errorf("markdown body missing link line:\n%s", art.Body)
	}
}

func TestRenderUnknownKind(t *testing.T) {
	w, err := New(log.NewNopLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %s", err)
	}
	if _, err := w.Render(catalogue.Pipeline{ID: 1}, "pdf", nil, time.UTC); err == nil {
		t.Error("want error for unknown kind")
	}
}
