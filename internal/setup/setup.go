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

// Package setup holds the configuration surface shared by the briefwire
// binaries: flag registration, logger and metrics-registry construction, and
// assembly of the pipeline execution stack.
package setup

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/collect"
	"github.com/briefwire/briefwire/pkg/deliver"
	"github.com/briefwire/briefwire/pkg/evaluate"
	"github.com/briefwire/briefwire/pkg/fetch"
	"github.com/briefwire/briefwire/pkg/orchestrator"
	"github.com/briefwire/briefwire/pkg/pushgate"
	"github.com/briefwire/briefwire/pkg/scrape"
	"github.com/briefwire/briefwire/pkg/write"
)

// Config is everything the binaries need, populated from flags and
// BRIEFWIRE_* environment variables.
type Config struct {
	DBPath    string
	OutputDir string
	Timezone  string
	LogLevel  string

	FrontendBaseURL string

	Fetch    fetch.Options
	Collect  collect.Options
	Evaluate evaluate.Options
	LLM      evaluate.OpenAIOptions

	SMTP       deliver.SMTPOptions
	MailFrom   string
	SlackToken string

	Push pushgate.Options

	RunDeadline time.Duration
}

// SetupFlags registers every config field on the kingpin application. All
// flags can equally be set through the BRIEFWIRE_* environment.
func (c *Config) SetupFlags(a *kingpin.Application) {
	fetchDef := fetch.DefaultOptions()
	collectDef := collect.DefaultOptions()
	evalDef := evaluate.DefaultOptions()
	pushDef := pushgate.DefaultOptions()

	a.Flag("db.path", "Path to the SQLite catalogue.").
		Default("briefwire.db").Envar("BRIEFWIRE_DB_PATH").StringVar(&c.DBPath)

	a.Flag("output.dir", "Directory for rendered artifacts.").
		Default("output").Envar("BRIEFWIRE_OUTPUT_DIR").StringVar(&c.OutputDir)

	a.Flag("tz", "Scheduling time zone for weekday gates and dates.").
		Default("Asia/Shanghai").Envar("BRIEFWIRE_TZ").StringVar(&c.Timezone)

	a.Flag("log.level", "Log level (debug, info, warn, error).").
		Default("info").Envar("BRIEFWIRE_LOG_LEVEL").EnumVar(&c.LogLevel, "debug", "info", "warn", "error")

	a.Flag("frontend.base-url", "Public base URL for manage/unsubscribe links; empty disables the footer.").
		Default("").Envar("BRIEFWIRE_FRONTEND_BASE_URL").StringVar(&c.FrontendBaseURL)

	a.Flag("fetch.global-concurrency", "Cap on in-flight HTTP requests across all hosts.").
		Default(strconv.FormatInt(fetchDef.GlobalConcurrency, 10)).Envar("BRIEFWIRE_GLOBAL_HTTP_CONCURRENCY").Int64Var(&c.Fetch.GlobalConcurrency)

	a.Flag("fetch.host-interval", "Minimum spacing between requests to one host.").
		Default(fetchDef.HostInterval.String()).Envar("BRIEFWIRE_HOST_MIN_INTERVAL").DurationVar(&c.Fetch.HostInterval)

	a.Flag("fetch.host-jitter", "Uniform ± jitter added to the per-host spacing.").
		Default(fetchDef.HostJitter.String()).Envar("BRIEFWIRE_HOST_JITTER").DurationVar(&c.Fetch.HostJitter)

	a.Flag("fetch.connect-timeout", "TCP connect timeout.").
		Default(fetchDef.ConnectTimeout.String()).Envar("BRIEFWIRE_CONNECT_TIMEOUT").DurationVar(&c.Fetch.ConnectTimeout)

	a.Flag("fetch.read-timeout", "Whole-request timeout.").
		Default(fetchDef.ReadTimeout.String()).Envar("BRIEFWIRE_READ_TIMEOUT").DurationVar(&c.Fetch.ReadTimeout)

	a.Flag("fetch.retries", "Retries after the first attempt for transient failures.").
		Default(strconv.Itoa(fetchDef.MaxRetries)).Envar("BRIEFWIRE_FETCH_RETRIES").IntVar(&c.Fetch.MaxRetries)

	a.Flag("fetch.backoff", "Exponential backoff base for fetch retries.").
		Default(fetchDef.RetryBase.String()).Envar("BRIEFWIRE_FETCH_BACKOFF").DurationVar(&c.Fetch.RetryBase)

	a.Flag("collect.freshness-window", "Sources fetched within this window are reused, not refetched.").
		Default(collectDef.FreshnessWindow.String()).Envar("BRIEFWIRE_FRESHNESS_WINDOW").DurationVar(&c.Collect.FreshnessWindow)

	a.Flag("collect.source-concurrency", "How many sources are collected in parallel.").
		Default(strconv.Itoa(collectDef.SourceConcurrency)).Envar("BRIEFWIRE_SOURCE_CONCURRENCY").IntVar(&c.Collect.SourceConcurrency)

	a.Flag("collect.detail-batch", "New articles per source whose body is fetched per run.").
		Default(strconv.Itoa(collectDef.DetailBatch)).Envar("BRIEFWIRE_DETAIL_BATCH").IntVar(&c.Collect.DetailBatch)

	a.Flag("llm.endpoint", "OpenAI-compatible API base URL.").
		Default("").Envar("BRIEFWIRE_LLM_ENDPOINT").StringVar(&c.LLM.BaseURL)

	a.Flag("llm.model", "Model name for evaluation requests.").
		Default("gpt-4o-mini").Envar("BRIEFWIRE_LLM_MODEL").StringVar(&c.LLM.Model)

	a.Flag("llm.key", "API key for the LLM endpoint.").
		Default("").Envar("BRIEFWIRE_LLM_KEY").StringVar(&c.LLM.APIKey)

	a.Flag("llm.interval", "Minimum spacing between LLM requests.").
		Default(evalDef.MinInterval.String()).Envar("BRIEFWIRE_LLM_INTERVAL").DurationVar(&c.Evaluate.MinInterval)

	a.Flag("llm.timeout", "Timeout for one LLM request.").
		Default(evalDef.RequestTimeout.String()).Envar("BRIEFWIRE_LLM_TIMEOUT").DurationVar(&c.Evaluate.RequestTimeout)

	a.Flag("llm.retries", "Retries for one LLM request after transient failures.").
		Default(strconv.Itoa(evalDef.MaxRetries)).Envar("BRIEFWIRE_LLM_RETRIES").IntVar(&c.Evaluate.MaxRetries)

	a.Flag("llm.retry-backoff", "Base backoff between LLM retries.").
		Default(evalDef.RetryBase.String()).Envar("BRIEFWIRE_LLM_RETRY_BACKOFF").DurationVar(&c.Evaluate.RetryBase)

	a.Flag("smtp.addr", "SMTP server as host:port.").
		Default("").Envar("BRIEFWIRE_SMTP_ADDR").StringVar(&c.SMTP.Addr)

	a.Flag("smtp.username", "SMTP username.").
		Default("").Envar("BRIEFWIRE_SMTP_USERNAME").StringVar(&c.SMTP.Username)

	a.Flag("smtp.password", "SMTP password.").
		Default("").Envar("BRIEFWIRE_SMTP_PASSWORD").StringVar(&c.SMTP.Password)

	a.Flag("smtp.from", "Sender address for digest mail.").
		Default("").Envar("BRIEFWIRE_SMTP_FROM").StringVar(&c.MailFrom)

	a.Flag("slack.token", "Fallback Slack bot token for chat pipelines without their own.").
		Default("").Envar("BRIEFWIRE_SLACK_TOKEN").StringVar(&c.SlackToken)

	a.Flag("push.cooldown", "Minimum spacing between manual pushes per user.").
		Default(pushDef.Cooldown.String()).Envar("BRIEFWIRE_PUSH_COOLDOWN").DurationVar(&c.Push.Cooldown)

	a.Flag("push.daily-limit", "Manual pushes allowed per user per local day.").
		Default(strconv.Itoa(pushDef.DailyLimit)).Envar("BRIEFWIRE_PUSH_DAILY_LIMIT").IntVar(&c.Push.DailyLimit)

	a.Flag("run.deadline", "Soft deadline for one pipeline run.").
		Default("30m").Envar("BRIEFWIRE_RUN_DEADLINE").DurationVar(&c.RunDeadline)
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// NewLogger builds the process logger: JSON to stderr with timestamp and
// caller, filtered to the configured level.
func NewLogger(logLevel string) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(logLevel, level.InfoValue())))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// NewRegistry builds a metrics registry with the standard process and Go
// collectors installed.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// LoadEnvFile loads a .env file into the process environment if one exists.
// Must run before kingpin parses flags for Envar defaults to see the values.
func LoadEnvFile(logger log.Logger, path string) {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		_ = level.Warn(logger).Log("msg", "loading env file failed", "path", path, "err", err)
		return
	}
	_ = level.Debug(logger).Log("msg", "env file loaded", "path", path)
}

// Stack is the assembled pipeline execution machinery.
type Stack struct {
	Store        *catalogue.Store
	Orchestrator *orchestrator.Orchestrator
	Gate         *pushgate.Gate
	Location     *time.Location
}

// BuildStack opens the catalogue and wires the collector, evaluator, writer
// and deliverer into an orchestrator.
func (c *Config) BuildStack(logger log.Logger, reg prometheus.Registerer) (*Stack, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	store, err := catalogue.Open(log.With(logger, "component", "catalogue"), c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}

	fetcher := fetch.New(log.With(logger, "component", "fetch"), reg, c.Fetch)
	collector := collect.New(log.With(logger, "component", "collect"), reg, store, fetcher, scrape.NewRegistry(), c.Collect)

	llm := evaluate.NewOpenAIClient(c.LLM)
	evaluator := evaluate.New(log.With(logger, "component", "evaluate"), reg, store, llm, c.Evaluate)

	writer, err := write.New(log.With(logger, "component", "write"), c.OutputDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build writer: %w", err)
	}

	deliverer := deliver.New(log.With(logger, "component", "deliver"),
		deliver.NewSMTPClient(c.SMTP),
		deliver.NewSlackFactory(c.SlackToken),
		deliver.Options{From: c.MailFrom, FrontendBaseURL: c.FrontendBaseURL})

	orch := orchestrator.New(log.With(logger, "component", "orchestrator"), reg, store,
		collector, evaluator, writer, deliverer,
		orchestrator.Options{Location: loc, SoftDeadline: c.RunDeadline})

	gate := pushgate.New(log.With(logger, "component", "pushgate"), store, loc, c.Push)

	return &Stack{Store: store, Orchestrator: orch, Gate: gate, Location: loc}, nil
}
