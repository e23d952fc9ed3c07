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

package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-kit/log/level"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/orchestrator"
	"github.com/briefwire/briefwire/pkg/weekday"
)

// pipelinePayload is the wire form of a pipeline bundle. weekdays_json is
// three-valued: null (no restriction), [] (never), or a list of ISO weekday
// numbers; the distinction survives a round trip.
type pipelinePayload struct {
	ID              int64           `json:"id,omitempty"`
	Name            string          `json:"name"`
	Enabled         bool            `json:"enabled"`
	DebugEnabled    bool            `json:"debug_enabled"`
	Description     string          `json:"description,omitempty"`
	PipelineClassID int64           `json:"pipeline_class_id"`
	EvaluatorKey    string          `json:"evaluator_key"`
	OwnerUserID     int64           `json:"owner_user_id"`
	WeekdaysJSON    json.RawMessage `json:"weekdays_json"`
	WeekdayTag      string          `json:"weekday_tag,omitempty"`

	Filter  filterPayload   `json:"filter"`
	Writer  writerPayload   `json:"writer"`
	Email   *emailPayload   `json:"email,omitempty"`
	Chat    *chatPayload    `json:"chat,omitempty"`
	Weights []weightPayload `json:"weights,omitempty"`
}

type filterPayload struct {
	AllCategories bool     `json:"all_categories"`
	Categories    []string `json:"categories,omitempty"`
	AllSrc        bool     `json:"all_src"`
	IncludeSrc    []string `json:"include_src,omitempty"`
}

type writerPayload struct {
	Type             string          `json:"type"`
	Hours            int             `json:"hours"`
	Weights          json.RawMessage `json:"weights,omitempty"`
	Bonus            json.RawMessage `json:"bonus,omitempty"`
	LimitPerCategory json.RawMessage `json:"limit_per_category,omitempty"`
	PerSourceCap     int             `json:"per_source_cap,omitempty"`
}

type emailPayload struct {
	Email           string `json:"email"`
	SubjectTemplate string `json:"subject_template"`
}

type chatPayload struct {
	AppID         string  `json:"app_id"`
	AppSecret     string  `json:"app_secret"`
	ToAllChat     bool    `json:"to_all_chat"`
	ChatID        *string `json:"chat_id,omitempty"`
	TitleTemplate string  `json:"title_template,omitempty"`
}

type weightPayload struct {
	MetricID int64   `json:"metric_id"`
	Weight   float64 `json:"weight"`
	Enabled  bool    `json:"enabled"`
}

// pipelinePatch distinguishes absent fields from explicit values. A present
// weekdays_json of null clears the restriction.
type pipelinePatch struct {
	Name            *string          `json:"name"`
	Enabled         *bool            `json:"enabled"`
	DebugEnabled    *bool            `json:"debug_enabled"`
	Description     *string          `json:"description"`
	PipelineClassID *int64           `json:"pipeline_class_id"`
	EvaluatorKey    *string          `json:"evaluator_key"`
	OwnerUserID     *int64           `json:"owner_user_id"`
	WeekdaysJSON    json.RawMessage  `json:"weekdays_json"`
	Filter          *filterPayload   `json:"filter"`
	Writer          *writerPayload   `json:"writer"`
	Email           *emailPayload    `json:"email"`
	Chat            *chatPayload     `json:"chat"`
	Weights         *[]weightPayload `json:"weights"`
}

func jsonList(s string) []string {
	var out []string
	if s != "" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	return out
}

func mustJSON(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func pipelineBody(b *catalogue.PipelineBundle) pipelinePayload {
	p := pipelinePayload{
		ID:              b.Pipeline.ID,
		Name:            b.Pipeline.Name,
		Enabled:         b.Pipeline.Enabled,
		DebugEnabled:    b.Pipeline.DebugEnabled,
		Description:     b.Pipeline.Description,
		PipelineClassID: b.Pipeline.PipelineClassID,
		EvaluatorKey:    b.Pipeline.EvaluatorKey,
		OwnerUserID:     b.Pipeline.OwnerUserID,
		WeekdaysJSON:    json.RawMessage("null"),
		Filter: filterPayload{
			AllCategories: b.Filter.AllCategories,
			Categories:    jsonList(b.Filter.CategoriesJSON),
			AllSrc:        b.Filter.AllSrc,
			IncludeSrc:    jsonList(b.Filter.IncludeSrcJSON),
		},
		Writer: writerPayload{
			Type:             b.Writer.Type,
			Hours:            b.Writer.Hours,
			Weights:          rawOrNil(b.Writer.WeightsJSON),
			Bonus:            rawOrNil(b.Writer.BonusJSON),
			LimitPerCategory: rawOrNil(b.Writer.LimitPerCategory),
			PerSourceCap:     b.Writer.PerSourceCap,
		},
	}
	if b.Pipeline.WeekdaysJSON != nil {
		p.WeekdaysJSON = json.RawMessage(*b.Pipeline.WeekdaysJSON)
	}
	if days, err := weekday.FromColumn(b.Pipeline.WeekdaysJSON); err == nil {
		p.WeekdayTag = days.Tag()
	}
	if b.Email != nil {
		p.Email = &emailPayload{Email: b.Email.Email, SubjectTemplate: b.Email.SubjectTemplate}
	}
	if b.Chat != nil {
		p.Chat = &chatPayload{
			AppID: b.Chat.AppID, AppSecret: b.Chat.AppSecret,
			ToAllChat: b.Chat.ToAllChat, ChatID: b.Chat.ChatID, TitleTemplate: b.Chat.TitleTemplate,
		}
	}
	for _, w := range b.Weights {
		p.Weights = append(p.Weights, weightPayload{MetricID: w.MetricID, Weight: w.Weight, Enabled: w.Enabled})
	}
	return p
}

func rawOrNil(s string) json.RawMessage {
	if s == "" || s == "{}" || s == "[]" {
		return nil
	}
	return json.RawMessage(s)
}

func parseWeekdays(raw json.RawMessage) (*string, error) {
	days, err := weekday.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: weekdays_json: %s", catalogue.ErrInvalidWrite, err)
	}
	return days.ToColumn(), nil
}

func (p pipelinePayload) toBundle() (*catalogue.PipelineBundle, error) {
	weekdays, err := parseWeekdays(p.WeekdaysJSON)
	if err != nil {
		return nil, err
	}
	b := &catalogue.PipelineBundle{
		Pipeline: catalogue.Pipeline{
			ID:              p.ID,
			Name:            p.Name,
			Enabled:         p.Enabled,
			DebugEnabled:    p.DebugEnabled,
			Description:     p.Description,
			PipelineClassID: p.PipelineClassID,
			EvaluatorKey:    p.EvaluatorKey,
			OwnerUserID:     p.OwnerUserID,
			WeekdaysJSON:    weekdays,
		},
		Filter: catalogue.PipelineFilter{
			AllCategories:  p.Filter.AllCategories,
			CategoriesJSON: mustJSON(p.Filter.Categories),
			AllSrc:         p.Filter.AllSrc,
			IncludeSrcJSON: mustJSON(p.Filter.IncludeSrc),
		},
		Writer: catalogue.PipelineWriter{
			Type:             p.Writer.Type,
			Hours:            p.Writer.Hours,
			WeightsJSON:      string(p.Writer.Weights),
			BonusJSON:        string(p.Writer.Bonus),
			LimitPerCategory: string(p.Writer.LimitPerCategory),
			PerSourceCap:     p.Writer.PerSourceCap,
		},
	}
	if p.Email != nil {
		b.Email = &catalogue.EmailDelivery{
			Email:           normalizeEmail(p.Email.Email),
			SubjectTemplate: p.Email.SubjectTemplate,
		}
	}
	if p.Chat != nil {
		b.Chat = &catalogue.ChatDelivery{
			AppID: p.Chat.AppID, AppSecret: p.Chat.AppSecret,
			ToAllChat: p.Chat.ToAllChat, ChatID: p.Chat.ChatID, TitleTemplate: p.Chat.TitleTemplate,
		}
	}
	for _, w := range p.Weights {
		b.Weights = append(b.Weights, catalogue.MetricWeight{MetricID: w.MetricID, Weight: w.Weight, Enabled: w.Enabled})
	}
	return b, nil
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.store.ListPipelines(r.Context(), false)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]pipelinePayload, 0, len(pipelines))
	for _, p := range pipelines {
		b, err := s.store.GetPipelineBundle(r.Context(), p.ID)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		out = append(out, pipelineBody(b))
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	b, err := s.store.GetPipelineBundle(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, pipelineBody(b))
}

func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request) {
	var payload pipelinePayload
	if err := decode(r, &payload); err != nil {
		s.respondErr(w, err)
		return
	}
	b, err := payload.toBundle()
	if err != nil {
		s.respondErr(w, err)
		return
	}
	b.Pipeline.ID = 0
	if err := s.store.CreatePipeline(r.Context(), b); err != nil {
		s.respondErr(w, err)
		return
	}
	b, err = s.store.GetPipelineBundle(r.Context(), b.Pipeline.ID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, pipelineBody(b))
}

func (s *Server) patchPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var patch pipelinePatch
	if err := decode(r, &patch); err != nil {
		s.respondErr(w, err)
		return
	}
	b, err := s.store.GetPipelineBundle(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := applyPatch(b, patch); err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.store.UpdatePipeline(r.Context(), b); err != nil {
		s.respondErr(w, err)
		return
	}
	b, err = s.store.GetPipelineBundle(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, pipelineBody(b))
}

func applyPatch(b *catalogue.PipelineBundle, patch pipelinePatch) error {
	if patch.Name != nil {
		b.Pipeline.Name = *patch.Name
	}
	if patch.Enabled != nil {
		b.Pipeline.Enabled = *patch.Enabled
	}
	if patch.DebugEnabled != nil {
		b.Pipeline.DebugEnabled = *patch.DebugEnabled
	}
	if patch.Description != nil {
		b.Pipeline.Description = *patch.Description
	}
	if patch.PipelineClassID != nil {
		b.Pipeline.PipelineClassID = *patch.PipelineClassID
	}
	if patch.EvaluatorKey != nil {
		b.Pipeline.EvaluatorKey = *patch.EvaluatorKey
	}
	if patch.OwnerUserID != nil {
		b.Pipeline.OwnerUserID = *patch.OwnerUserID
	}
	if patch.WeekdaysJSON != nil {
		col, err := parseWeekdays(patch.WeekdaysJSON)
		if err != nil {
			return err
		}
		b.Pipeline.WeekdaysJSON = col
	}
	if patch.Filter != nil {
		b.Filter = catalogue.PipelineFilter{
			PipelineID:     b.Pipeline.ID,
			AllCategories:  patch.Filter.AllCategories,
			CategoriesJSON: mustJSON(patch.Filter.Categories),
			AllSrc:         patch.Filter.AllSrc,
			IncludeSrcJSON: mustJSON(patch.Filter.IncludeSrc),
		}
	}
	if patch.Writer != nil {
		b.Writer = catalogue.PipelineWriter{
			PipelineID:       b.Pipeline.ID,
			Type:             patch.Writer.Type,
			Hours:            patch.Writer.Hours,
			WeightsJSON:      string(patch.Writer.Weights),
			BonusJSON:        string(patch.Writer.Bonus),
			LimitPerCategory: string(patch.Writer.LimitPerCategory),
			PerSourceCap:     patch.Writer.PerSourceCap,
		}
	}
	// Setting one delivery channel replaces the other; the store enforces
	// exactly one.
	if patch.Email != nil {
		b.Email = &catalogue.EmailDelivery{
			PipelineID:      b.Pipeline.ID,
			Email:           normalizeEmail(patch.Email.Email),
			SubjectTemplate: patch.Email.SubjectTemplate,
		}
		b.Chat = nil
	}
	if patch.Chat != nil {
		b.Chat = &catalogue.ChatDelivery{
			PipelineID: b.Pipeline.ID,
			AppID:      patch.Chat.AppID, AppSecret: patch.Chat.AppSecret,
			ToAllChat: patch.Chat.ToAllChat, ChatID: patch.Chat.ChatID, TitleTemplate: patch.Chat.TitleTemplate,
		}
		b.Email = nil
	}
	if patch.Weights != nil {
		b.Weights = nil
		for _, wp := range *patch.Weights {
			b.Weights = append(b.Weights, catalogue.MetricWeight{
				PipelineID: b.Pipeline.ID, MetricID: wp.MetricID, Weight: wp.Weight, Enabled: wp.Enabled,
			})
		}
	}
	return nil
}

func (s *Server) deletePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.store.DeletePipeline(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPipelineRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	runs, err := s.store.ListPipelineRuns(r.Context(), id, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, runs)
}

// pushPipeline is the manual trigger. The gate consumes push budget before
// the run starts. The run still passes through the weekday gate: a soft
// pause covers manual triggers too, and the push is recorded as
// skipped:weekday rather than refunded.
func (s *Server) pushPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := decode(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	b, err := s.store.GetPipelineBundle(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.gate.Admit(r.Context(), req.UserID, b.Pipeline); err != nil {
		s.respondErr(w, err)
		return
	}

	status, runErr := s.runner.RunOne(r.Context(), id, orchestrator.Invocation{DebugMode: true})
	if errors.Is(runErr, orchestrator.ErrBusy) {
		s.respondErr(w, runErr)
		return
	}
	body := map[string]string{"status": status}
	if runErr != nil {
		body["detail"] = runErr.Error()
		_ = level.Warn(s.logger).Log("msg", "manual push run failed", "pipeline", id, "status", status, "err", runErr)
	}
	s.respond(w, http.StatusOK, body)
}
