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
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertArticle inserts a new article row. A duplicate link yields
// ErrConflict; callers that pre-check with ArticleExistsByLink still rely on
// the unique index as the last line of defense.
func (s *Store) InsertArticle(ctx context.Context, a *Article) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO articles (source, publish, title, link, category, detail, img_link)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Source, a.Publish, a.Title, a.Link, a.Category, a.Detail, a.ImgLink)
		if err != nil {
			return mapSQLiteErr("insert article", err)
		}
		a.ID, _ = res.LastInsertId()
		return nil
	})
}

// ArticleExistsByLink reports whether any article row carries the link.
func (s *Store) ArticleExistsByLink(ctx context.Context, link string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM articles WHERE link = ?`, link); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateArticleDetail backfills the detail body (and image, when found) of an
// existing article. Other columns are immutable after insert.
func (s *Store) UpdateArticleDetail(ctx context.Context, id int64, detail string, imgLink *string) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE articles SET detail = ?, img_link = COALESCE(?, img_link) WHERE id = ?`,
			detail, imgLink, id)
		if err != nil {
			return mapSQLiteErr("update article detail", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetArticle returns one article by id.
func (s *Store) GetArticle(ctx context.Context, id int64) (Article, error) {
	return getOne[Article](ctx, s, `SELECT * FROM articles WHERE id = ?`, id)
}

// ListArticlesNeedingReview returns articles with no review from the given
// evaluator yet, restricted to the given source keys (nil means
// unrestricted), oldest first, up to limit (limit <= 0 means no limit).
// A missing detail body does not exclude an article: the prompt renders an
// empty {{detail}} and the article must still reach the ranking stage.
func (s *Store) ListArticlesNeedingReview(ctx context.Context, evaluatorKey string, sourceKeys []string, limit int) ([]Article, error) {
	if sourceKeys != nil && len(sourceKeys) == 0 {
		return nil, nil
	}
	q := `SELECT a.* FROM articles a
	      WHERE NOT EXISTS (
	          SELECT 1 FROM reviews r WHERE r.article_id = a.id AND r.evaluator_key = ?)`
	args := []any{evaluatorKey}
	if sourceKeys != nil {
		in, inArgs, err := sqlx.In(` AND a.source IN (?)`, sourceKeys)
		if err != nil {
			return nil, err
		}
		q += in
		args = append(args, inArgs...)
	}
	q += ` ORDER BY a.id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []Article
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...)
	return out, err
}

// ReviewedArticle pairs an article with one evaluator's review, as consumed
// by the ranking stage.
type ReviewedArticle struct {
	Article Article
	Review  Review
	Scores  map[int64]int
}

// ListReviewedArticles returns every article holding a review from the given
// evaluator, restricted to the given source keys (nil means unrestricted),
// together with its per-metric scores. Time-window filtering happens at the
// caller: publish strings carry mixed precision the database cannot compare.
func (s *Store) ListReviewedArticles(ctx context.Context, evaluatorKey string, sourceKeys []string) ([]ReviewedArticle, error) {
	if sourceKeys != nil && len(sourceKeys) == 0 {
		return nil, nil
	}
	q := `SELECT a.id, a.source, a.publish, a.title, a.link, a.category, a.detail, a.img_link,
	             r.article_id, r.evaluator_key, r.final_score, r.ai_comment, r.ai_summary,
	             r.ai_key_concepts, r.ai_summary_long, r.raw_response, r.created_at, r.updated_at
	      FROM articles a
	      JOIN reviews r ON r.article_id = a.id AND r.evaluator_key = ?`
	args := []any{evaluatorKey}
	if sourceKeys != nil {
		in, inArgs, err := sqlx.In(` WHERE a.source IN (?)`, sourceKeys)
		if err != nil {
			return nil, err
		}
		q += in
		args = append(args, inArgs...)
	}
	q += ` ORDER BY a.id`

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewedArticle
	for rows.Next() {
		var ra ReviewedArticle
		if err := rows.Scan(
			&ra.Article.ID, &ra.Article.Source, &ra.Article.Publish, &ra.Article.Title,
			&ra.Article.Link, &ra.Article.Category, &ra.Article.Detail, &ra.Article.ImgLink,
			&ra.Review.ArticleID, &ra.Review.EvaluatorKey, &ra.Review.FinalScore,
			&ra.Review.AIComment, &ra.Review.AISummary, &ra.Review.AIKeyConcepts,
			&ra.Review.AISummaryLong, &ra.Review.RawResponse, &ra.Review.CreatedAt, &ra.Review.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, ra)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		scores, err := s.scoresFor(ctx, out[i].Article.ID)
		if err != nil {
			return nil, err
		}
		out[i].Scores = scores
	}
	return out, nil
}

func (s *Store) scoresFor(ctx context.Context, articleID int64) (map[int64]int, error) {
	var rows []Score
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM scores WHERE article_id = ?`, articleID); err != nil {
		return nil, err
	}
	out := make(map[int64]int, len(rows))
	for _, r := range rows {
		out[r.MetricID] = r.Score
	}
	return out, nil
}

// SaveEvaluation persists one evaluation atomically: every dimension score is
// upserted and the (article, evaluator) review row is written in the same
// transaction, so a crash never leaves scores without their review.
func (s *Store) SaveEvaluation(ctx context.Context, scores map[int64]int, rev Review) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		for metricID, score := range scores {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO scores (article_id, metric_id, score) VALUES (?, ?, ?)
				 ON CONFLICT (article_id, metric_id) DO UPDATE
				 SET score = excluded.score, updated_at = CURRENT_TIMESTAMP`,
				rev.ArticleID, metricID, score); err != nil {
				return mapSQLiteErr("upsert score", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reviews (article_id, evaluator_key, final_score, ai_comment, ai_summary,
			                      ai_key_concepts, ai_summary_long, raw_response)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (article_id, evaluator_key) DO UPDATE
			 SET final_score = excluded.final_score, ai_comment = excluded.ai_comment,
			     ai_summary = excluded.ai_summary, ai_key_concepts = excluded.ai_key_concepts,
			     ai_summary_long = excluded.ai_summary_long, raw_response = excluded.raw_response,
			     updated_at = CURRENT_TIMESTAMP`,
			rev.ArticleID, rev.EvaluatorKey, rev.FinalScore, rev.AIComment, rev.AISummary,
			rev.AIKeyConcepts, rev.AISummaryLong, rev.RawResponse)
		return mapSQLiteErr("upsert review", err)
	})
}

// CreateMetric inserts a scoring metric.
func (s *Store) CreateMetric(ctx context.Context, m *Metric) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO metrics (key, label, rate_guide, default_weight, active, sort_order)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.Key, m.Label, m.RateGuide, m.DefaultWeight, m.Active, m.SortOrder)
		if err != nil {
			return mapSQLiteErr("create metric", err)
		}
		m.ID, _ = res.LastInsertId()
		return nil
	})
}

// UpdateMetric updates a metric by key.
func (s *Store) UpdateMetric(ctx context.Context, m Metric) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE metrics SET label = ?, rate_guide = ?, default_weight = ?, active = ?, sort_order = ?
			 WHERE key = ?`,
			m.Label, m.RateGuide, m.DefaultWeight, m.Active, m.SortOrder, m.Key)
		if err != nil {
			return mapSQLiteErr("update metric", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteMetric removes a metric by key. A metric referenced by any score row
// cannot be deleted; the scores are evaluation history, not configuration,
// and must not vanish with a config change.
func (s *Store) DeleteMetric(ctx context.Context, key string) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		if err := tx.GetContext(ctx, &id, `SELECT id FROM metrics WHERE key = ?`, key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(1) FROM scores WHERE metric_id = ?`, id); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("delete metric: %w: %d score rows reference %q", ErrConflict, n, key)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE id = ?`, id); err != nil {
			return mapSQLiteErr("delete metric", err)
		}
		return nil
	})
}

// ListMetrics returns all metrics in sort order. activeOnly restricts to
// active rows.
func (s *Store) ListMetrics(ctx context.Context, activeOnly bool) ([]Metric, error) {
	q := `SELECT * FROM metrics`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY sort_order, key`
	var out []Metric
	err := s.db.SelectContext(ctx, &out, q)
	return out, err
}

// CreateEvaluator inserts an evaluator bound to the given metric keys.
func (s *Store) CreateEvaluator(ctx context.Context, e *Evaluator, metricKeys []string) error {
	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO evaluators (key, label, description, prompt_template, active)
			 VALUES (?, ?, ?, ?, ?)`,
			e.Key, e.Label, e.Description, e.PromptTemplate, e.Active)
		if err != nil {
			return mapSQLiteErr("create evaluator", err)
		}
		e.ID, _ = res.LastInsertId()
		for _, mk := range metricKeys {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO evaluator_metrics (evaluator_id, metric_id)
				 SELECT ?, id FROM metrics WHERE key = ?`, e.ID, mk); err != nil {
				return mapSQLiteErr("bind evaluator metric", err)
			}
		}
		return nil
	})
}

// GetEvaluator returns one evaluator by key.
func (s *Store) GetEvaluator(ctx context.Context, key string) (Evaluator, error) {
	return getOne[Evaluator](ctx, s, `SELECT * FROM evaluators WHERE key = ?`, key)
}

// ListEvaluators returns all evaluators ordered by key.
func (s *Store) ListEvaluators(ctx context.Context) ([]Evaluator, error) {
	var out []Evaluator
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM evaluators ORDER BY key`)
	return out, err
}

// EvaluatorMetrics returns the active metrics bound to an evaluator, in sort
// order.
func (s *Store) EvaluatorMetrics(ctx context.Context, evaluatorKey string) ([]Metric, error) {
	var out []Metric
	err := s.db.SelectContext(ctx, &out,
		`SELECT m.* FROM metrics m
		 JOIN evaluator_metrics em ON em.metric_id = m.id
		 JOIN evaluators e ON e.id = em.evaluator_id
		 WHERE e.key = ? AND m.active = 1
		 ORDER BY m.sort_order, m.key`, evaluatorKey)
	return out, err
}
