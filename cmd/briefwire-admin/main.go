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

// The briefwire-admin command serves the catalogue administration API, the
// public unsubscribe endpoint, and Prometheus metrics. Manual pushes run
// pipelines in-process through the same orchestrator as the CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/briefwire/briefwire/internal/setup"
	"github.com/briefwire/briefwire/pkg/adminapi"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	bootLogger := setup.NewLogger("info")
	setup.LoadEnvFile(bootLogger, os.Getenv("BRIEFWIRE_ENV_FILE"))

	a := kingpin.New("briefwire-admin", "Serve the Briefwire administration API.")
	a.HelpFlag.Short('h')

	var cfg setup.Config
	cfg.SetupFlags(a)

	var (
		listenAddress = a.Flag("listen-address", "Address to serve the API on.").
				Default(":8080").Envar("BRIEFWIRE_ADMIN_LISTEN").String()
		corsOrigins = a.Flag("cors.origin", "Allowed CORS origin; can be repeated.").Strings()
	)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := setup.NewLogger(cfg.LogLevel)

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

	api := adminapi.NewServer(logger, reg, stack.Store, stack.Gate, stack.Orchestrator, adminapi.Options{
		AllowedOrigins: *corsOrigins,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		stop := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-stop:
				}
				return nil
			},
			func(error) {
				close(stop)
			},
		)
	}
	{
		srv := &http.Server{Addr: *listenAddress, Handler: api}
		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "listening", "address", *listenAddress)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					_ = level.Warn(logger).Log("msg", "server shutdown failed", "err", err)
				}
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "run group failed", "err", err)
		return 1
	}
	return 0
}
