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

// Package write renders ranked article groups into delivery artifacts. The
// templates are thin: selection and ordering are already decided by the
// ranking stage; this package only formats and persists the file under
// output/pipeline-<id>/.
package write

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"os"
	"path/filepath"
	texttemplate "text/template"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/rank"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Artifact kinds decide the file extension and the delivery channel's body
// format.
const (
	KindHTML = "html"
	KindMD   = "md"
)

// Artifact is one rendered digest written to disk.
type Artifact struct {
	Kind  string
	Path  string
	Body  string
	Items int
}

// Writer renders and persists artifacts.
type Writer struct {
	logger log.Logger
	outDir string
	now    func() time.Time

	html *htmltemplate.Template
	md   *texttemplate.Template
}

// New builds a writer rooted at outDir ("output" in production).
func New(logger log.Logger, outDir string) (*Writer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	html, err := htmltemplate.ParseFS(templatesFS, "templates/email.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse email template: %w", err)
	}
	md, err := texttemplate.ParseFS(templatesFS, "templates/chat.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse chat template: %w", err)
	}
	return &Writer{logger: logger, outDir: outDir, now: time.Now, html: html, md: md}, nil
}

// digestData is the template input.
type digestData struct {
	Pipeline string
	Date     string
	Groups   []rank.Group
}

// Render produces the artifact for a pipeline: HTML for email delivery,
// Markdown for chat. The file lands at
// <outDir>/pipeline-<id>/<YYYYMMDD-HHMMSS>.<ext>.
func (w *Writer) Render(p catalogue.Pipeline, kind string, groups []rank.Group, loc *time.Location) (Artifact, error) {
	now := w.now().In(loc)
	data := digestData{
		Pipeline: p.Name,
		Date:     now.Format("2006-01-02"),
		Groups:   groups,
	}

	var (
		body []byte
		ext  string
		err  error
	)
	switch kind {
	case KindHTML:
		body, err = renderHTML(w.html, data)
		ext = "html"
	case KindMD:
		body, err = renderMD(w.md, data)
		ext = "md"
	default:
		return Artifact{}, fmt.Errorf("unknown artifact kind %q", kind)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("render %s artifact: %w", kind, err)
	}

	dir := filepath.Join(w.outDir, fmt.Sprintf("pipeline-%d", p.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, now.Format("20060102-150405")+"."+ext)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	items := 0
	for _, g := range groups {
		items += len(g.Items)
	}
	_ = level.Info(w.logger).Log("msg", "artifact written", "pipeline", p.ID, "kind", kind, "path", path, "items", items)
	return Artifact{Kind: kind, Path: path, Body: string(body), Items: items}, nil
}

func renderHTML(t *htmltemplate.Template, data digestData) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderMD(t *texttemplate.Template, data digestData) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
