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
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/briefwire/briefwire/pkg/catalogue"
)

// normalizeEmail lowercases and trims; stored and compared in this form
// everywhere.
func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeKey(s string) string {
	return strings.TrimSpace(s)
}

func requireKey(key string) error {
	if key == "" {
		return invalidf("key must not be empty")
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", catalogue.ErrInvalidWrite, fmt.Sprintf(format, args...))
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListCategories(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) createCategory(w http.ResponseWriter, r *http.Request) {
	var c catalogue.Category
	if err := decode(r, &c); err != nil {
		s.respondErr(w, err)
		return
	}
	c.Key = normalizeKey(c.Key)
	if err := requireKey(c.Key); err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.store.CreateCategory(r.Context(), &c); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, c)
}

func (s *Server) updateCategory(w http.ResponseWriter, r *http.Request) {
	var c catalogue.Category
	if err := decode(r, &c); err != nil {
		s.respondErr(w, err)
		return
	}
	c.Key = chi.URLParam(r, "key")
	if err := s.store.UpdateCategory(r.Context(), c); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListSources(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetSource(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, src)
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var src catalogue.Source
	if err := decode(r, &src); err != nil {
		s.respondErr(w, err)
		return
	}
	src.Key = normalizeKey(src.Key)
	if err := requireKey(src.Key); err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.store.CreateSource(r.Context(), &src); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, src)
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	var src catalogue.Source
	if err := decode(r, &src); err != nil {
		s.respondErr(w, err)
		return
	}
	src.Key = chi.URLParam(r, "key")
	if err := s.store.UpdateSource(r.Context(), src); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, src)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSource(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) listMetrics(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListMetrics(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) createMetric(w http.ResponseWriter, r *http.Request) {
	var m catalogue.Metric
	if err := decode(r, &m); err != nil {
		s.respondErr(w, err)
		return
	}
	m.Key = normalizeKey(m.Key)
	if err := requireKey(m.Key); err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.store.CreateMetric(r.Context(), &m); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, m)
}

func (s *Server) updateMetric(w http.ResponseWriter, r *http.Request) {
	var m catalogue.Metric
	if err := decode(r, &m); err != nil {
		s.respondErr(w, err)
		return
	}
	m.Key = chi.URLParam(r, "key")
	if err := s.store.UpdateMetric(r.Context(), m); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, m)
}

func (s *Server) deleteMetric(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMetric(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) listEvaluators(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListEvaluators(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) getEvaluator(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEvaluator(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	metrics, err := s.store.EvaluatorMetrics(r.Context(), e.Key)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"evaluator": e, "metrics": metrics})
}

func (s *Server) createEvaluator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		catalogue.Evaluator
		MetricKeys []string `json:"metric_keys"`
	}
	if err := decode(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	req.Key = normalizeKey(req.Key)
	if err := requireKey(req.Key); err != nil {
		s.respondErr(w, err)
		return
	}
	for i := range req.MetricKeys {
		req.MetricKeys[i] = normalizeKey(req.MetricKeys[i])
	}
	if err := s.store.CreateEvaluator(r.Context(), &req.Evaluator, req.MetricKeys); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, req.Evaluator)
}

func (s *Server) listClasses(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListPipelineClasses(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) createClass(w http.ResponseWriter, r *http.Request) {
	var c catalogue.PipelineClass
	if err := decode(r, &c); err != nil {
		s.respondErr(w, err)
		return
	}
	c.Key = normalizeKey(c.Key)
	if err := requireKey(c.Key); err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.store.CreatePipelineClass(r.Context(), &c); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, c)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var u catalogue.User
	if err := decode(r, &u); err != nil {
		s.respondErr(w, err)
		return
	}
	u.Email = normalizeEmail(u.Email)
	if u.Email == "" {
		s.respondErr(w, invalidf("email must not be empty"))
		return
	}
	if err := s.store.CreateUser(r.Context(), &u); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, u)
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var u catalogue.User
	if err := decode(r, &u); err != nil {
		s.respondErr(w, err)
		return
	}
	u.ID = id
	u.Email = normalizeEmail(u.Email)
	if err := s.store.UpdateUser(r.Context(), u); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, u)
}
