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

// The briefwire command executes content pipelines: collect, evaluate,
// write, deliver. It is meant to run under cron or by hand.
//
// Exit codes: 0 all runs delivered fully, 2 at least one partial delivery,
// 1 failures or configuration errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/briefwire/briefwire/internal/setup"
	"github.com/briefwire/briefwire/pkg/catalogue"
	"github.com/briefwire/briefwire/pkg/orchestrator"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	bootLogger := setup.NewLogger("info")
	setup.LoadEnvFile(bootLogger, os.Getenv("BRIEFWIRE_ENV_FILE"))

	a := kingpin.New("briefwire", "Run Briefwire content pipelines.")
	a.HelpFlag.Short('h')

	var cfg setup.Config
	cfg.SetupFlags(a)

	var (
		all           = a.Flag("all", "Run every enabled pipeline.").Bool()
		pipelineID    = a.Flag("id", "Run the pipeline with this id.").Int64()
		pipelineName  = a.Flag("name", "Run the pipeline with this name.").String()
		debugOnly     = a.Flag("debug-only", "Restrict --all to debug-enabled pipelines.").Bool()
		ignoreWeekday = a.Flag("ignore-weekday", "Bypass the weekday gate.").Bool()
		dryRun        = a.Flag("dry-run", "Render artifacts but skip delivery.").Envar("BRIEFWIRE_DRY_RUN").Bool()
		listenAddress = a.Flag("listen-address", "Optional address for health and metrics endpoints during the run.").Default("").String()
	)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := setup.NewLogger(cfg.LogLevel)

	if !*all && *pipelineID == 0 && *pipelineName == "" {
		_ = level.Error(logger).Log("msg", "one of --all, --id or --name is required")
		return 1
	}

	reg := setup.NewRegistry()
	stack, err := cfg.BuildStack(logger, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "startup failed", "err", err)
		return 1
	}
	defer func() {
		if err := stack.Store.Close(); err != nil {
			_ = level.Warn(logger).Log("msg", "closing catalogue failed", "err", err)
		}
	}()

	inv := orchestrator.Invocation{
		IgnoreWeekday: *ignoreWeekday,
		DebugMode:     *debugOnly,
		DebugOnly:     *debugOnly,
		DryRun:        *dryRun,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		g    run.Group
		code int
	)
	{
		// Termination handler: SIGTERM cancels the run context; the current
		// catalogue mutation completes, no new work starts.
		term := make(chan os.Signal, 1)
		stop := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, cancelling run...")
					cancel()
				case <-stop:
				}
				return nil
			},
			func(error) {
				close(stop)
			},
		)
	}
	if *listenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv := &http.Server{Addr: *listenAddress, Handler: mux}
		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "listening", "address", *listenAddress)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(error) {
				_ = srv.Close()
			},
		)
	}
	{
		done := make(chan struct{})
		g.Add(
			func() error {
				defer close(done)
				code = runPipelines(ctx, logger, stack, inv, *all, *pipelineID, *pipelineName)
				return nil
			},
			func(error) {
				cancel()
				<-done
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "run group failed", "err", err)
		return 1
	}
	return code
}

func runPipelines(ctx context.Context, logger log.Logger, stack *setup.Stack, inv orchestrator.Invocation, all bool, id int64, name string) int {
	if all {
		sum, err := stack.Orchestrator.RunAll(ctx, inv)
		if err != nil {
			_ = level.Error(logger).Log("msg", "sweep failed", "err", err)
			return 1
		}
		_ = level.Info(logger).Log("msg", "sweep finished",
			"ok", sum.OK, "partial", sum.Partial, "failed", sum.Failed, "skipped", sum.Skipped)
		return sum.ExitCode()
	}

	if name != "" {
		var err error
		id, err = resolveName(ctx, stack.Store, name)
		if err != nil {
			_ = level.Error(logger).Log("msg", "resolving pipeline name failed", "name", name, "err", err)
			return 1
		}
	}
	// A single manual invocation runs debug pipelines too.
	inv.DebugMode = true
	status, err := stack.Orchestrator.RunOne(ctx, id, inv)
	if err != nil {
		_ = level.Error(logger).Log("msg", "pipeline run failed", "pipeline", id, "status", status, "err", err)
		return 1
	}
	_ = level.Info(logger).Log("msg", "pipeline run finished", "pipeline", id, "status", status)
	if status == catalogue.RunPartial {
		return 2
	}
	return 0
}

func resolveName(ctx context.Context, store *catalogue.Store, name string) (int64, error) {
	pipelines, err := store.ListPipelines(ctx, false)
	if err != nil {
		return 0, err
	}
	for _, p := range pipelines {
		if p.Name == name {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("no pipeline named %q", name)
}
