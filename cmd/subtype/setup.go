package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dshills/subtype/internal/broker"
	"github.com/dshills/subtype/internal/config"
	"github.com/dshills/subtype/internal/logging"
	"github.com/dshills/subtype/internal/metrics"
	"github.com/dshills/subtype/internal/service"
)

// app holds what every command builds from the configuration.
type app struct {
	config   config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
}

func newApp(opts *options) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	return &app{
		config:   cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(cfg.Metrics.Namespace, reg),
	}, nil
}

// connector starts real service processes.
func (rt *app) connector() service.Connector {
	sc := rt.config.ServiceConfig()
	return func(ctx context.Context, root string) (service.Service, error) {
		return service.Connect(ctx, sc, root,
			service.WithLogger(rt.logger), service.WithMetrics(rt.metrics))
	}
}

func (rt *app) newBroker(r broker.Renderer) (*broker.Broker, error) {
	return broker.New(rt.connector(), r, rt.config.BrokerConfig(),
		broker.WithLogger(rt.logger), broker.WithMetrics(rt.metrics))
}
