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

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreatePipelineClass inserts a class with its allow-lists.
func (s *Store) CreatePipelineClass(ctx context.Context, c *PipelineClass) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_classes (key, enabled) VALUES (?, ?)`, c.Key, c.Enabled)
		if err != nil {
			return mapSQLiteErr("create class", err)
		}
		c.ID, _ = res.LastInsertId()
		for _, ck := range c.Categories {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO class_categories (class_id, category_key) VALUES (?, ?)`, c.ID, ck); err != nil {
				return mapSQLiteErr("create class", err)
			}
		}
		for _, ek := range c.Evaluators {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO class_evaluators (class_id, evaluator_key) VALUES (?, ?)`, c.ID, ek); err != nil {
				return mapSQLiteErr("create class", err)
			}
		}
		for _, wt := range c.Writers {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO class_writers (class_id, writer_type) VALUES (?, ?)`, c.ID, wt); err != nil {
				return mapSQLiteErr("create class", err)
			}
		}
		return nil
	})
}

// GetPipelineClass returns one class with allow-lists, by id.
func (s *Store) GetPipelineClass(ctx context.Context, id int64) (PipelineClass, error) {
	c, err := getOne[PipelineClass](ctx, s, `SELECT * FROM pipeline_classes WHERE id = ?`, id)
	if err != nil {
		return PipelineClass{}, err
	}
	if err := s.loadClassLists(ctx, &c); err != nil {
		return PipelineClass{}, err
	}
	return c, nil
}

// ListPipelineClasses returns all classes with allow-lists.
func (s *Store) ListPipelineClasses(ctx context.Context) ([]PipelineClass, error) {
	var out []PipelineClass
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM pipeline_classes ORDER BY key`); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadClassLists(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadClassLists(ctx context.Context, c *PipelineClass) error {
	if err := s.db.SelectContext(ctx, &c.Categories,
		`SELECT category_key FROM class_categories WHERE class_id = ? ORDER BY category_key`, c.ID); err != nil {
		return err
	}
	if err := s.db.SelectContext(ctx, &c.Evaluators,
		`SELECT evaluator_key FROM class_evaluators WHERE class_id = ? ORDER BY evaluator_key`, c.ID); err != nil {
		return err
	}
	return s.db.SelectContext(ctx, &c.Writers,
		`SELECT writer_type FROM class_writers WHERE class_id = ? ORDER BY writer_type`, c.ID)
}

// validateBundleTx checks the class allow-list and structural invariants of a
// pipeline with its child rows. Runs inside the caller's transaction so the
// class cannot change underneath the check.
func validateBundleTx(ctx context.Context, tx *sqlx.Tx, b *PipelineBundle) error {
	var class PipelineClass
	if err := tx.GetContext(ctx, &class,
		`SELECT * FROM pipeline_classes WHERE id = ?`, b.Pipeline.PipelineClassID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invalidf("pipeline class %d does not exist", b.Pipeline.PipelineClassID)
		}
		return err
	}

	var n int
	if err := tx.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM class_evaluators WHERE class_id = ? AND evaluator_key = ?`,
		class.ID, b.Pipeline.EvaluatorKey); err != nil {
		return err
	}
	if n == 0 {
		return invalidf("evaluator %q not allowed by class %q", b.Pipeline.EvaluatorKey, class.Key)
	}

	if err := tx.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM class_writers WHERE class_id = ? AND writer_type = ?`,
		class.ID, b.Writer.Type); err != nil {
		return err
	}
	if n == 0 {
		return invalidf("writer type %q not allowed by class %q", b.Writer.Type, class.Key)
	}

	if !b.Filter.AllCategories {
		var cats []string
		if err := json.Unmarshal([]byte(orEmptyArray(b.Filter.CategoriesJSON)), &cats); err != nil {
			return invalidf("categories_json: %v", err)
		}
		for _, ck := range cats {
			if err := tx.GetContext(ctx, &n,
				`SELECT COUNT(1) FROM class_categories WHERE class_id = ? AND category_key = ?`,
				class.ID, ck); err != nil {
				return err
			}
			if n == 0 {
				return invalidf("category %q not allowed by class %q", ck, class.Key)
			}
		}
	}

	if (b.Email == nil) == (b.Chat == nil) {
		return invalidf("pipeline must have exactly one delivery configuration")
	}
	if b.Chat != nil && !b.Chat.ToAllChat && (b.Chat.ChatID == nil || *b.Chat.ChatID == "") {
		return invalidf("chat delivery needs a chat_id unless to_all_chat is set")
	}
	if b.Writer.Hours <= 0 {
		return invalidf("writer hours must be positive")
	}
	return nil
}

func orEmptyArray(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}

// CreatePipeline inserts a pipeline with all child rows and validates the
// bundle against its class in the same transaction.
func (s *Store) CreatePipeline(ctx context.Context, b *PipelineBundle) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		if err := validateBundleTx(ctx, tx, b); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pipelines (name, enabled, debug_enabled, description, pipeline_class_id,
			                        evaluator_key, weekdays_json, owner_user_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.Pipeline.Name, b.Pipeline.Enabled, b.Pipeline.DebugEnabled, b.Pipeline.Description,
			b.Pipeline.PipelineClassID, b.Pipeline.EvaluatorKey, b.Pipeline.WeekdaysJSON,
			b.Pipeline.OwnerUserID)
		if err != nil {
			return mapSQLiteErr("create pipeline", err)
		}
		b.Pipeline.ID, _ = res.LastInsertId()
		id := b.Pipeline.ID

		b.Filter.PipelineID = id
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_filters (pipeline_id, all_categories, categories_json, all_src, include_src_json)
			 VALUES (?, ?, ?, ?, ?)`,
			id, b.Filter.AllCategories, orEmptyArray(b.Filter.CategoriesJSON),
			b.Filter.AllSrc, orEmptyArray(b.Filter.IncludeSrcJSON)); err != nil {
			return mapSQLiteErr("create pipeline filter", err)
		}

		b.Writer.PipelineID = id
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_writers (pipeline_id, type, hours, weights_json, bonus_json, limit_per_category, per_source_cap)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, b.Writer.Type, b.Writer.Hours, orEmptyObject(b.Writer.WeightsJSON),
			orEmptyObject(b.Writer.BonusJSON), b.Writer.LimitPerCategory, b.Writer.PerSourceCap); err != nil {
			return mapSQLiteErr("create pipeline writer", err)
		}

		if b.Email != nil {
			b.Email.PipelineID = id
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO email_deliveries (pipeline_id, email, subject_template) VALUES (?, ?, ?)`,
				id, b.Email.Email, b.Email.SubjectTemplate); err != nil {
				return mapSQLiteErr("create email delivery", err)
			}
		}
		if b.Chat != nil {
			b.Chat.PipelineID = id
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chat_deliveries (pipeline_id, app_id, app_secret, to_all_chat, chat_id, title_template)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				id, b.Chat.AppID, b.Chat.AppSecret, b.Chat.ToAllChat, b.Chat.ChatID, b.Chat.TitleTemplate); err != nil {
				return mapSQLiteErr("create chat delivery", err)
			}
		}
		for _, w := range b.Weights {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pipeline_writer_metric_weights (pipeline_id, metric_id, weight, enabled)
				 VALUES (?, ?, ?, ?)`, id, w.MetricID, w.Weight, w.Enabled); err != nil {
				return mapSQLiteErr("create metric weight", err)
			}
		}
		return nil
	})
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// UpdatePipeline rewrites a pipeline and its child rows under the same
// validation as CreatePipeline. The bundle replaces all children.
func (s *Store) UpdatePipeline(ctx context.Context, b *PipelineBundle) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists,
			`SELECT COUNT(1) FROM pipelines WHERE id = ?`, b.Pipeline.ID); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		if err := validateBundleTx(ctx, tx, b); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pipelines SET name = ?, enabled = ?, debug_enabled = ?, description = ?,
			        pipeline_class_id = ?, evaluator_key = ?, weekdays_json = ?, owner_user_id = ?,
			        updated_at = CURRENT_TIMESTAMP
			 WHERE id = ?`,
			b.Pipeline.Name, b.Pipeline.Enabled, b.Pipeline.DebugEnabled, b.Pipeline.Description,
			b.Pipeline.PipelineClassID, b.Pipeline.EvaluatorKey, b.Pipeline.WeekdaysJSON,
			b.Pipeline.OwnerUserID, b.Pipeline.ID); err != nil {
			return mapSQLiteErr("update pipeline", err)
		}
		id := b.Pipeline.ID
		for _, table := range []string{
			"pipeline_filters", "pipeline_writers", "email_deliveries",
			"chat_deliveries", "pipeline_writer_metric_weights",
		} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE pipeline_id = ?`, id); err != nil {
				return mapSQLiteErr("update pipeline", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_filters (pipeline_id, all_categories, categories_json, all_src, include_src_json)
			 VALUES (?, ?, ?, ?, ?)`,
			id, b.Filter.AllCategories, orEmptyArray(b.Filter.CategoriesJSON),
			b.Filter.AllSrc, orEmptyArray(b.Filter.IncludeSrcJSON)); err != nil {
			return mapSQLiteErr("update pipeline filter", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_writers (pipeline_id, type, hours, weights_json, bonus_json, limit_per_category, per_source_cap)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, b.Writer.Type, b.Writer.Hours, orEmptyObject(b.Writer.WeightsJSON),
			orEmptyObject(b.Writer.BonusJSON), b.Writer.LimitPerCategory, b.Writer.PerSourceCap); err != nil {
			return mapSQLiteErr("update pipeline writer", err)
		}
		if b.Email != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO email_deliveries (pipeline_id, email, subject_template) VALUES (?, ?, ?)`,
				id, b.Email.Email, b.Email.SubjectTemplate); err != nil {
				return mapSQLiteErr("update email delivery", err)
			}
		}
		if b.Chat != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chat_deliveries (pipeline_id, app_id, app_secret, to_all_chat, chat_id, title_template)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				id, b.Chat.AppID, b.Chat.AppSecret, b.Chat.ToAllChat, b.Chat.ChatID, b.Chat.TitleTemplate); err != nil {
				return mapSQLiteErr("update chat delivery", err)
			}
		}
		for _, w := range b.Weights {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pipeline_writer_metric_weights (pipeline_id, metric_id, weight, enabled)
				 VALUES (?, ?, ?, ?)`, id, w.MetricID, w.Weight, w.Enabled); err != nil {
				return mapSQLiteErr("update metric weight", err)
			}
		}
		return nil
	})
}

// DeletePipeline removes a pipeline; child rows cascade.
func (s *Store) DeletePipeline(ctx context.Context, id int64) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
		if err != nil {
			return mapSQLiteErr("delete pipeline", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListPipelines returns pipelines, optionally only enabled ones.
func (s *Store) ListPipelines(ctx context.Context, enabledOnly bool) ([]Pipeline, error) {
	q := `SELECT * FROM pipelines`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id`
	var out []Pipeline
	err := s.db.SelectContext(ctx, &out, q)
	return out, err
}

// GetPipelineBundle reads a pipeline with all child rows in one consistent
// view.
func (s *Store) GetPipelineBundle(ctx context.Context, id int64) (*PipelineBundle, error) {
	var b PipelineBundle
	var err error
	if b.Pipeline, err = getOne[Pipeline](ctx, s, `SELECT * FROM pipelines WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if b.Filter, err = getOne[PipelineFilter](ctx, s, `SELECT * FROM pipeline_filters WHERE pipeline_id = ?`, id); err != nil {
		return nil, err
	}
	if b.Writer, err = getOne[PipelineWriter](ctx, s, `SELECT * FROM pipeline_writers WHERE pipeline_id = ?`, id); err != nil {
		return nil, err
	}
	email, err := getOne[EmailDelivery](ctx, s, `SELECT * FROM email_deliveries WHERE pipeline_id = ?`, id)
	switch {
	case err == nil:
		b.Email = &email
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	chat, err := getOne[ChatDelivery](ctx, s, `SELECT * FROM chat_deliveries WHERE pipeline_id = ?`, id)
	switch {
	case err == nil:
		b.Chat = &chat
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &b.Weights,
		`SELECT * FROM pipeline_writer_metric_weights WHERE pipeline_id = ?`, id); err != nil {
		return nil, err
	}
	if b.Class, err = s.GetPipelineClass(ctx, b.Pipeline.PipelineClassID); err != nil {
		return nil, err
	}
	return &b, nil
}

// AppendPipelineRun records one execution. Runs are append-only.
func (s *Store) AppendPipelineRun(ctx context.Context, r *PipelineRun) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_runs (pipeline_id, started_at, finished_at, status, summary)
			 VALUES (?, ?, ?, ?, ?)`,
			r.PipelineID, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Status, r.Summary)
		if err != nil {
			return mapSQLiteErr("append pipeline run", err)
		}
		r.ID, _ = res.LastInsertId()
		return nil
	})
}

// ListPipelineRuns returns the most recent runs for a pipeline, newest first.
func (s *Store) ListPipelineRuns(ctx context.Context, pipelineID int64, limit int) ([]PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []PipelineRun
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM pipeline_runs WHERE pipeline_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		pipelineID, limit)
	return out, err
}

// TouchPipeline bumps updated_at; used after child-row-only edits.
func (s *Store) TouchPipeline(ctx context.Context, id int64, at time.Time) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pipelines SET updated_at = ? WHERE id = ?`, at.UTC(), id)
		if err != nil {
			return mapSQLiteErr("touch pipeline", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
