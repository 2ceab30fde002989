// Package fanout dispatches one prompt to several providers concurrently and
// aggregates their responses in request order.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/promptgate/promptgate/internal/fallback"
	"github.com/promptgate/promptgate/internal/llm"
)

// Slot is the outcome for one requested provider. Failures are captured in
// place, never propagated.
type Slot struct {
	Provider  llm.ProviderID `json:"provider"`
	Response  string         `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	LatencyMs int64          `json:"latency_ms"`
}

// Dispatcher runs fan-out calls through the fallback engine's cooldown
// guard.
type Dispatcher struct {
	engine      *fallback.Engine
	taskTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTaskTimeout bounds each provider task. Default 20s.
func WithTaskTimeout(d time.Duration) Option {
	return func(fd *Dispatcher) { fd.taskTimeout = d }
}

// New creates a dispatcher over the engine.
func New(engine *fallback.Engine, logger *slog.Logger, opts ...Option) *Dispatcher {
	fd := &Dispatcher{
		engine:      engine,
		taskTimeout: 20 * time.Second,
		logger:      logger,
	}
	for _, o := range opts {
		o(fd)
	}
	return fd
}

// Dispatch invokes every requested provider concurrently and returns one
// slot per provider, preserving the requested order.
func (fd *Dispatcher) Dispatch(ctx context.Context, providers []llm.ProviderID, msgs []llm.Message, system string, p llm.Params) []Slot {
	slots := make([]Slot, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range providers {
		slots[i].Provider = id
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(gctx, fd.taskTimeout)
			defer cancel()

			start := time.Now()
			text, err := fd.engine.InvokeProvider(taskCtx, id, msgs, system, p)
			slots[i].LatencyMs = time.Since(start).Milliseconds()

			if err != nil {
				slots[i].Error = err.Error()
				slots[i].ErrorKind = string(classify(err))
				fd.logger.Warn("fan-out slot failed",
					slog.String("provider", string(id)),
					slog.String("error_kind", slots[i].ErrorKind),
				)
				return nil
			}
			slots[i].Response = text
			return nil
		})
	}
	// Task errors are captured per slot; the group never returns one.
	_ = g.Wait()
	return slots
}

func classify(err error) llm.ErrorKind {
	var ce *llm.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var pu *fallback.ErrProviderUnavailable
	if errors.As(err, &pu) {
		return llm.ErrUnknown
	}
	return llm.Classify(err).Kind
}
