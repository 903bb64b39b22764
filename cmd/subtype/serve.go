package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/editor"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Read editor events from stdin and write results to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newApp(opts)
			if err != nil {
				return err
			}
			defer func() { _ = rt.logger.Sync() }()
			if metricsAddr != "" {
				rt.config.Metrics.Addr = metricsAddr
			}
			return serve(cmd.Context(), rt)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func serve(parent context.Context, rt *app) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	renderer := editor.NewJSONRenderer(os.Stdout, rt.logger)
	b, err := rt.newBroker(renderer)
	if err != nil {
		return err
	}

	var srv *http.Server
	if addr := rt.config.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		rt.logger.Info("serving metrics", zap.String("addr", addr))
	}

	session := editor.NewSession(b,
		editor.WithSessionLogger(rt.logger), editor.WithErrorHandler(renderer.ShowError))
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, os.Stdin)
	}()

	rt.logger.Info("subtype serving", zap.String("version", version))
	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		rt.logger.Info("signal received, shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = b.Shutdown(sctx)
	if srv != nil {
		err = errors.Join(err, srv.Shutdown(sctx))
	}
	return errors.Join(runErr, err)
}
