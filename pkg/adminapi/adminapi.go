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

// Package adminapi serves the catalogue administration REST surface plus the
// public unsubscribe endpoint. All catalogue writes flow through here; the
// orchestrator only reads.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/orchestrator"
	"github.com/briefwire/briefwire/pkg/pushgate"
)

// Runner triggers pipeline executions on behalf of manual pushes.
type Runner interface {
	RunOne(ctx context.Context, pipelineID int64, inv orchestrator.Invocation) (string, error)
}

// PushGate admits or rejects a manual push.
type PushGate interface {
	Admit(ctx context.Context, userID int64, p catalogue.Pipeline) error
}

// Options configure the server.
type Options struct {
	// AllowedOrigins for CORS; empty disables cross-origin access.
	AllowedOrigins []string
	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler
}

// Server is the admin HTTP API. It implements http.Handler.
type Server struct {
	logger log.Logger
	store  *catalogue.Store
	gate   PushGate
	runner Runner
	router chi.Router

	requests *prometheus.CounterVec
}

// NewServer builds the server and its route table. reg may be nil.
func NewServer(logger log.Logger, reg prometheus.Registerer, store *catalogue.Store, gate PushGate, runner Runner, opts Options) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		logger: logger,
		store:  store,
		gate:   gate,
		runner: runner,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "briefwire_admin_requests_total",
			Help: "Admin API requests by route and status code.",
		}, []string{"method", "route", "code"}),
	}
	if reg != nil {
		reg.MustRegister(s.requests)
	}

	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get("/unsubscribe", s.handleUnsubscribe)

	r.Route("/api", func(api chi.Router) {
		api.Route("/pipelines", func(pr chi.Router) {
			pr.Get("/", s.listPipelines)
			pr.Post("/", s.createPipeline)
			pr.Get("/{id}", s.getPipeline)
			pr.Patch("/{id}", s.patchPipeline)
			pr.Delete("/{id}", s.deletePipeline)
			pr.Get("/{id}/runs", s.listPipelineRuns)
			pr.Post("/{id}/push", s.pushPipeline)
		})
		api.Route("/categories", func(cr chi.Router) {
			cr.Get("/", s.listCategories)
			cr.Post("/", s.createCategory)
			cr.Put("/{key}", s.updateCategory)
		})
		api.Route("/sources", func(sr chi.Router) {
			sr.Get("/", s.listSources)
			sr.Post("/", s.createSource)
			sr.Get("/{key}", s.getSource)
			sr.Put("/{key}", s.updateSource)
			sr.Delete("/{key}", s.deleteSource)
		})
		api.Route("/metrics", func(mr chi.Router) {
			mr.Get("/", s.listMetrics)
			mr.Post("/", s.createMetric)
			mr.Put("/{key}", s.updateMetric)
			mr.Delete("/{key}", s.deleteMetric)
		})
		api.Route("/evaluators", func(er chi.Router) {
			er.Get("/", s.listEvaluators)
			er.Post("/", s.createEvaluator)
			er.Get("/{key}", s.getEvaluator)
		})
		api.Route("/classes", func(cr chi.Router) {
			cr.Get("/", s.listClasses)
			cr.Post("/", s.createClass)
		})
		api.Route("/users", func(ur chi.Router) {
			ur.Get("/", s.listUsers)
			ur.Post("/", s.createUser)
			ur.Put("/{id}", s.updateUser)
		})
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
		_ = level.Debug(s.logger).Log("msg", "request", "method", r.Method, "route", route, "code", rec.code)
	})
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, catalogue.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, catalogue.ErrInvalidWrite):
		return http.StatusBadRequest, "ValidationFailed"
	case errors.Is(err, catalogue.ErrConflict):
		return http.StatusConflict, "CatalogueConflict"
	case errors.Is(err, pushgate.ErrTooFast), errors.Is(err, pushgate.ErrDailyLimit):
		return http.StatusTooManyRequests, "Throttled"
	case errors.Is(err, pushgate.ErrNotOwner):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, orchestrator.ErrBusy):
		return http.StatusConflict, "RunInFlight"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	code, kind := classify(err)
	if code == http.StatusInternalServerError {
		_ = level.Error(s.logger).Log("msg", "request failed", "err", err)
	}
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = err.Error()
	s.respond(w, code, body)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			_ = level.Error(s.logger).Log("msg", "encoding response failed", "err", err)
		}
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %s", catalogue.ErrInvalidWrite, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id", catalogue.ErrInvalidWrite)
	}
	return id, nil
}

// handleUnsubscribe is the public one-click opt-out: it disables the pipeline
// whose email delivery matches the given address. Repeating the call is
// harmless.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	email := normalizeEmail(r.URL.Query().Get("email"))
	pipelineID, err := strconv.ParseInt(r.URL.Query().Get("pipeline_id"), 10, 64)
	if email == "" || err != nil {
		s.respondErr(w, fmt.Errorf("%w: email and pipeline_id are required", catalogue.ErrInvalidWrite))
		return
	}
	b, err := s.store.GetPipelineBundle(r.Context(), pipelineID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if b.Email == nil || normalizeEmail(b.Email.Email) != email {
		s.respondErr(w, fmt.Errorf("%w: no matching subscription", catalogue.ErrNotFound))
		return
	}
	if b.Pipeline.Enabled {
		b.Pipeline.Enabled = false
		if err := s.store.UpdatePipeline(r.Context(), b); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	_ = level.Info(s.logger).Log("msg", "unsubscribed", "pipeline", pipelineID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<html><body><p>已退订 %s。Unsubscribed at %s.</p></body></html>",
		b.Pipeline.Name, time.Now().UTC().Format(time.RFC3339))
}
