// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serve implements the long-running engine process.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/smartjobs/internal/commands/shared"
	"github.com/tombee/smartjobs/internal/config"
	"github.com/tombee/smartjobs/internal/engine"
	"github.com/tombee/smartjobs/internal/engine/executor"
	"github.com/tombee/smartjobs/internal/log"
	"github.com/tombee/smartjobs/internal/telemetry"
)

// Options tune Run.
type Options struct {
	Version string

	// Ready, when set, is called with the metrics listener address once the
	// engine is running.
	Ready func(metricsAddr string)
}

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job engine",
		Long: `Run the job engine against the configured store until interrupted.

Jobs left unfinished by a previous run are recovered on start: waiting jobs
are queued again and jobs that were running are failed. Prometheus metrics
are served on metrics.addr when metrics are enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			logger := shared.NewLogger(cfg)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, _, _ := shared.GetVersion()
			return Run(ctx, cfg, logger, Options{Version: v})
		},
	}
}

// Run serves until ctx is cancelled, then shuts down within
// engine.shutdown_timeout.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) error {
	logger = log.WithComponent(log.OrDefault(logger), "serve")

	tel, err := telemetry.New(opts.Version)
	if err != nil {
		return err
	}

	st, err := shared.OpenStore(ctx, cfg, logger)
	if err != nil {
		return errors.Join(err, tel.Shutdown(context.Background()))
	}

	eng, err := engine.New(cfg, st,
		engine.WithLogger(logger),
		engine.WithTracer(tel.Tracer(executor.TracerName)),
		engine.WithJobObserver(tel.Collector()),
	)
	if err != nil {
		return errors.Join(err, st.Close(), tel.Shutdown(context.Background()))
	}
	if err := eng.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to start engine: %w", err), st.Close(), tel.Shutdown(context.Background()))
	}

	var (
		srv     *http.Server
		srvErr  = make(chan error, 1)
		metrics string
	)
	if cfg.Metrics.Enabled {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			logger.Error("cannot listen for metrics", slog.String("addr", cfg.Metrics.Addr), log.Error(err))
		} else {
			metrics = ln.Addr().String()
			srv = newMetricsServer(tel, logger)
			go func() { srvErr <- srv.Serve(ln) }()
			logger.Info("serving metrics", slog.String("addr", metrics))
		}
	}

	if opts.Ready != nil {
		opts.Ready(metrics)
	}

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", log.Error(err))
		}
	}
	logger.Info("shutting down", slog.Duration("timeout", cfg.Engine.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, eng.Stop(shutdownCtx), st.Close(), tel.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}

func newMetricsServer(tel *telemetry.Provider, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", tel.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Handler:           log.NewHTTPMiddleware(logger).Wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
