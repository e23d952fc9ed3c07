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

package catalogue

import "time"

// Category groups sources under a stable string key. Keys are the
// cross-component identifier; numeric ids never leave this package's callers.
type Category struct {
	ID            int64  `db:"id" json:"id"`
	Key           string `db:"key" json:"key"`
	Label         string `db:"label" json:"label"`
	Enabled       bool   `db:"enabled" json:"enabled"`
	AllowParallel bool   `db:"allow_parallel" json:"allow_parallel"`
}

// Source is one scrapeable site. ScriptPath selects the scraper
// implementation from the registry; it never points at a real file.
type Source struct {
	ID          int64     `db:"id" json:"id"`
	Key         string    `db:"key" json:"key"`
	Label       string    `db:"label" json:"label"`
	CategoryKey string    `db:"category_key" json:"category_key"`
	Enabled     bool      `db:"enabled" json:"enabled"`
	ScriptPath  string    `db:"script_path" json:"script_path"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`

	// Addresses is populated by joins; an enabled source always has at
	// least one.
	Addresses []string `db:"-" json:"addresses"`
}

// Article rows are insert-only with a detail backfill update. Link is
// globally unique; publish is kept as the string the scraper produced since
// upstream precision varies (full ISO-8601 down to year-month).
type Article struct {
	ID       int64   `db:"id" json:"id"`
	Source   string  `db:"source" json:"source"`
	Publish  string  `db:"publish" json:"publish"`
	Title    string  `db:"title" json:"title"`
	Link     string  `db:"link" json:"link"`
	Category *string `db:"category" json:"category"`
	Detail   *string `db:"detail" json:"detail"`
	ImgLink  *string `db:"img_link" json:"img_link"`
}

// Metric is a scoring dimension on a 1-5 scale.
type Metric struct {
	ID            int64    `db:"id" json:"id"`
	Key           string   `db:"key" json:"key"`
	Label         string   `db:"label" json:"label"`
	RateGuide     string   `db:"rate_guide" json:"rate_guide"`
	DefaultWeight *float64 `db:"default_weight" json:"default_weight"`
	Active        bool     `db:"active" json:"active"`
	SortOrder     int      `db:"sort_order" json:"sort_order"`
}

// Score is one (article, metric) dimension score. Upsert semantics: a second
// write for the same pair overwrites.
type Score struct {
	ArticleID int64     `db:"article_id" json:"article_id"`
	MetricID  int64     `db:"metric_id" json:"metric_id"`
	Score     int       `db:"score" json:"score"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Evaluator names an LLM scoring procedure bound to a set of metrics.
type Evaluator struct {
	ID             int64  `db:"id" json:"id"`
	Key            string `db:"key" json:"key"`
	Label          string `db:"label" json:"label"`
	Description    string `db:"description" json:"description"`
	PromptTemplate string `db:"prompt_template" json:"prompt_template"`
	Active         bool   `db:"active" json:"active"`
}

// Review is the persisted LLM output for one (article, evaluator) pair.
// Reviews from different evaluators coexist and never overwrite one another.
type Review struct {
	ArticleID     int64     `db:"article_id" json:"article_id"`
	EvaluatorKey  string    `db:"evaluator_key" json:"evaluator_key"`
	FinalScore    float64   `db:"final_score" json:"final_score"`
	AIComment     string    `db:"ai_comment" json:"ai_comment"`
	AISummary     string    `db:"ai_summary" json:"ai_summary"`
	AIKeyConcepts string    `db:"ai_key_concepts" json:"ai_key_concepts"`
	AISummaryLong string    `db:"ai_summary_long" json:"ai_summary_long"`
	RawResponse   string    `db:"raw_response" json:"raw_response"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// User is a subscriber or admin. Only the three push-gate fields change
// outside admin edits.
type User struct {
	ID               int64      `db:"id" json:"id"`
	Email            string     `db:"email" json:"email"`
	Name             string     `db:"name" json:"name"`
	IsAdmin          bool       `db:"is_admin" json:"is_admin"`
	Enabled          bool       `db:"enabled" json:"enabled"`
	ManualPushCount  int        `db:"manual_push_count" json:"manual_push_count"`
	ManualPushDate   string     `db:"manual_push_date" json:"manual_push_date"`
	ManualPushLastAt *time.Time `db:"manual_push_last_at" json:"manual_push_last_at"`
}

// PipelineClass constrains which categories, evaluators and writer types a
// pipeline may use. The allow-lists live in class_* relation tables.
type PipelineClass struct {
	ID      int64  `db:"id" json:"id"`
	Key     string `db:"key" json:"key"`
	Enabled bool   `db:"enabled" json:"enabled"`

	Categories []string `db:"-" json:"categories"`
	Evaluators []string `db:"-" json:"evaluators"`
	Writers    []string `db:"-" json:"writers"`
}

// Pipeline is the top-level unit of work. WeekdaysJSON is three-valued:
// nil pointer means no restriction, "[]" means never, a non-empty array
// restricts to those ISO weekdays.
type Pipeline struct {
	ID              int64     `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	Enabled         bool      `db:"enabled" json:"enabled"`
	DebugEnabled    bool      `db:"debug_enabled" json:"debug_enabled"`
	Description     string    `db:"description" json:"description"`
	PipelineClassID int64     `db:"pipeline_class_id" json:"pipeline_class_id"`
	EvaluatorKey    string    `db:"evaluator_key" json:"evaluator_key"`
	WeekdaysJSON    *string   `db:"weekdays_json" json:"weekdays_json"`
	OwnerUserID     int64     `db:"owner_user_id" json:"owner_user_id"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// PipelineFilter selects the categories and sources feeding a pipeline.
type PipelineFilter struct {
	PipelineID     int64  `db:"pipeline_id" json:"pipeline_id"`
	AllCategories  bool   `db:"all_categories" json:"all_categories"`
	CategoriesJSON string `db:"categories_json" json:"categories_json"`
	AllSrc         bool   `db:"all_src" json:"all_src"`
	IncludeSrcJSON string `db:"include_src_json" json:"include_src_json"`
}

// PipelineWriter configures ranking and rendering for a pipeline.
type PipelineWriter struct {
	PipelineID       int64  `db:"pipeline_id" json:"pipeline_id"`
	Type             string `db:"type" json:"type"`
	Hours            int    `db:"hours" json:"hours"`
	WeightsJSON      string `db:"weights_json" json:"weights_json"`
	BonusJSON        string `db:"bonus_json" json:"bonus_json"`
	LimitPerCategory string `db:"limit_per_category" json:"limit_per_category"`
	PerSourceCap     int    `db:"per_source_cap" json:"per_source_cap"`
}

// MetricWeight is the normalized per-pipeline weight override. Enabled rows
// take precedence over the writer's weights_json.
type MetricWeight struct {
	PipelineID int64   `db:"pipeline_id" json:"pipeline_id"`
	MetricID   int64   `db:"metric_id" json:"metric_id"`
	Weight     float64 `db:"weight" json:"weight"`
	Enabled    bool    `db:"enabled" json:"enabled"`
}

// EmailDelivery ships the artifact as HTML mail.
type EmailDelivery struct {
	PipelineID      int64  `db:"pipeline_id" json:"pipeline_id"`
	Email           string `db:"email" json:"email"`
	SubjectTemplate string `db:"subject_template" json:"subject_template"`
}

// ChatDelivery ships the artifact as a Markdown chat card.
type ChatDelivery struct {
	PipelineID    int64   `db:"pipeline_id" json:"pipeline_id"`
	AppID         string  `db:"app_id" json:"app_id"`
	AppSecret     string  `db:"app_secret" json:"app_secret"`
	ToAllChat     bool    `db:"to_all_chat" json:"to_all_chat"`
	ChatID        *string `db:"chat_id" json:"chat_id"`
	TitleTemplate string  `db:"title_template" json:"title_template"`
}

// SourceRun records the last successful collection per source; the collector
// is its only writer.
type SourceRun struct {
	SourceID  int64     `db:"source_id" json:"source_id"`
	LastRunAt time.Time `db:"last_run_at" json:"last_run_at"`
}

// PipelineRun is one append-only execution record.
type PipelineRun struct {
	ID         int64     `db:"id" json:"id"`
	PipelineID int64     `db:"pipeline_id" json:"pipeline_id"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
	Status     string    `db:"status" json:"status"`
	Summary    string    `db:"summary" json:"summary"`
}

// Run status values recorded in pipeline_runs.
const (
	RunOK             = "ok"
	RunPartial        = "partial"
	RunFailed         = "failed"
	RunFailedConfig   = "failed:config"
	RunSkippedWeekday = "skipped:weekday"
	RunSkippedDebug   = "skipped:debug"
	RunCancelled      = "cancelled"
)

// PipelineBundle is a pipeline with every child row resolved, as read in one
// transaction. Exactly one of Email/Chat is non-nil for a valid pipeline.
type PipelineBundle struct {
	Pipeline Pipeline
	Filter   PipelineFilter
	Writer   PipelineWriter
	Email    *EmailDelivery
	Chat     *ChatDelivery
	Weights  []MetricWeight
	Class    PipelineClass
}
