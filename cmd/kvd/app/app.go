package app

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tempo-kv/kvd/internal/keyspace"
	"github.com/tempo-kv/kvd/internal/server"
	"github.com/tempo-kv/kvd/internal/telemetry"
)

// App owns everything started from main: the keyspace, the event loop
// and the service wrapping it.
type App struct {
	cfg Config

	Logger  log.Logger
	Metrics *telemetry.Metrics

	loop *server.Loop
	done chan error
}

// New constructs an App from cfg, the way app.New constructs a Tempo
// instance from its own Config: build the dependency graph, don't
// start anything yet.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*App, error) {
	metrics := telemetry.NewMetrics(reg)

	ks := keyspace.New()
	ks.Metrics = metrics

	loop := &server.Loop{
		Bind:             cfg.Bind,
		Port:             cfg.Port,
		IdleTimeoutMs:    cfg.IdleTimeout.Milliseconds(),
		MaxMessageBytes:  cfg.MaxMessageBytes,
		MaxOutgoingBytes: cfg.MaxOutgoingBytes,
		Keyspace:         ks,
		Logger:           logger,
		Metrics:          metrics,
	}

	return &App{cfg: cfg, Logger: logger, Metrics: metrics, loop: loop}, nil
}

// Service returns a dskit services.Service wrapping the event loop:
// runFn starts the loop on a goroutine of its own and blocks until the
// context ends or the loop returns, stoppingFn asks the loop to return
// and waits for it.
func (a *App) Service() (services.Service, error) {
	if err := a.loop.Listen(); err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	a.done = make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() { a.done <- a.loop.Run() }()

		select {
		case <-ctx.Done():
			return nil
		case err := <-a.done:
			if err != nil {
				return err
			}
			return fmt.Errorf("event loop stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		a.loop.Stop()
		<-a.done
		level.Info(a.Logger).Log("msg", "event loop stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn), nil
}
