// Package engine wires the components together and owns the process
// lifecycle: build adapters from config, connect cache and store, start
// the loops, and shut everything down within the deadline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketarb/internal/arb"
	"marketarb/internal/cache"
	"marketarb/internal/config"
	"marketarb/internal/ingest"
	"marketarb/internal/match"
	"marketarb/internal/push"
	"marketarb/internal/status"
	"marketarb/internal/store"
	"marketarb/internal/venue"
	"marketarb/internal/venue/kalshi"
	"marketarb/internal/venue/polymarket"
)

// ShutdownDeadline bounds how long in-flight work may run after a stop
// signal before the process gives up and exits non-zero.
const ShutdownDeadline = 30 * time.Second

// ErrShutdownTimeout is returned when workers did not stop in time.
var ErrShutdownTimeout = errors.New("shutdown deadline exceeded")

// Engine owns every long-lived component.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	adapters     []venue.Adapter
	cache        *cache.Cache
	store        *store.Store
	bus          *push.Bus
	orchestrator *ingest.Orchestrator
	matcher      *match.Matcher
	detector     *arb.Detector
	statusB      *status.Builder

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the engine: connects infrastructure and constructs every
// component. Any failure here is a bootstrap failure and the caller
// exits non-zero.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	c, err := cache.New(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	st, err := store.Open(ctx, cfg.Postgres.DSN, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	var adapters []venue.Adapter
	if vc, ok := cfg.Venues["polymarket"]; ok && vc.Enabled {
		adapters = append(adapters, polymarket.New(vc, logger))
	}
	if vc, ok := cfg.Venues["kalshi"]; ok && vc.Enabled {
		adapters = append(adapters, kalshi.New(vc, logger))
	}
	if len(adapters) == 0 {
		c.Close()
		st.Close()
		return nil, errors.New("no venues enabled")
	}

	bus := push.NewBus(cfg.Ingestion.EventBuffer, logger)
	orchestrator := ingest.New(adapters, c, st, bus, cfg, logger)
	matcher := match.New(st, cfg, logger)
	detector := arb.New(c, st, bus, cfg, logger)

	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		adapters:     adapters,
		cache:        c,
		store:        st,
		bus:          bus,
		orchestrator: orchestrator,
		matcher:      matcher,
		detector:     detector,
		statusB:      status.NewBuilder(adapters, orchestrator, matcher, detector, st),
		done:         make(chan struct{}),
	}, nil
}

// Bus exposes the push bus for the API collaborator.
func (e *Engine) Bus() *push.Bus { return e.bus }

// Status builds a point-in-time status snapshot.
func (e *Engine) Status(ctx context.Context) *status.Snapshot {
	return e.statusB.Build(ctx)
}

// Start launches every loop. Non-blocking; Stop tears down.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("worker stopped", "worker", name, "error", err)
			}
		}()
	}

	run("ingest", e.orchestrator.Run)
	run("match", e.matcher.Run)
	run("arb", e.detector.Run)

	go func() {
		wg.Wait()
		close(e.done)
	}()

	e.logger.Info("engine started", "venues", len(e.adapters))
}

// Stop cancels every worker and waits up to the shutdown deadline.
// Returns ErrShutdownTimeout if workers are still running when it
// lapses; the caller exits non-zero in that case.
func (e *Engine) Stop() error {
	e.logger.Info("stopping")
	if e.cancel != nil {
		e.cancel()
	}
	for _, a := range e.adapters {
		a.StopPush()
	}

	select {
	case <-e.done:
	case <-time.After(ShutdownDeadline):
		return ErrShutdownTimeout
	}

	e.cache.Close()
	e.store.Close()
	e.logger.Info("stopped")
	return nil
}
