// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Deijai/innoma-obras/internal/app"
	"github.com/Deijai/innoma-obras/internal/config"
)

func newRunCommand(e *env) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		Long: `Run syncs on a schedule and whenever connectivity comes back. It serves
Prometheus metrics on /metrics and the current sync status on /healthz.
Edits to the config file are applied without a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				e.cfg.Metrics.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, e)
		},
	}
	cmd.Flags().StringVar(&addr, "metrics-addr", "", "listen address for /metrics and /healthz")
	return cmd
}

func runAgent(ctx context.Context, e *env) error {
	logger := e.logging.Logger
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := e.openApp(ctx, app.Options{Registerer: reg})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(sctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	e.loader.Watch(func(cfg config.Config) {
		e.logging.Apply(cfg.Log)
		a.ApplyConfig(cfg)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.Engine.Status(r.Context()))
	})

	ln, err := net.Listen("tcp", e.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.cfg.Metrics.Addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("sync agent started", "metrics", ln.Addr().String(), "interval", e.cfg.Sync.Interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return a.Run(gctx) })

	err = g.Wait()
	logger.Info("sync agent stopped")
	return err
}
