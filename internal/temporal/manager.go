package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/promptgate/promptgate/internal/accounting"
	"github.com/promptgate/promptgate/internal/circuitbreaker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle and implements
// accounting.Deductor with a breaker-guarded durable path.
type Manager struct {
	client  client.Client
	worker  worker.Worker
	cfg     Config
	direct  accounting.Deductor
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates a Temporal client and worker, registering the deduction
// workflow and activities. direct is the fallback path used when the
// breaker is open.
func New(cfg Config, direct accounting.Deductor, logger *slog.Logger) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(DeductWorkflow)
	w.RegisterActivity(NewActivities(direct).DeliverDeduction)

	m := &Manager{
		client: c,
		worker: w,
		cfg:    cfg,
		direct: direct,
		logger: logger,
	}
	m.breaker = circuitbreaker.New(
		circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			logger.Warn("deduction dispatch breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		}),
	)
	return m, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}

// Deduct dispatches a deduction workflow when the breaker allows it,
// otherwise it delivers over direct HTTP. A workflow that cannot even be
// started counts as a breaker failure; a started workflow counts as a
// success because delivery retries are now durable.
func (m *Manager) Deduct(ctx context.Context, d accounting.Deduction) error {
	if !m.breaker.Allow() {
		return m.direct.Deduct(ctx, d)
	}

	opts := client.StartWorkflowOptions{
		ID:                       "deduct-" + d.IdempotencyKey,
		TaskQueue:                m.cfg.TaskQueue,
		WorkflowExecutionTimeout: workflowTimeout,
	}
	_, err := m.client.ExecuteWorkflow(ctx, opts, DeductWorkflow, DeductInput{Deduction: d})
	if err != nil {
		m.breaker.RecordFailure()
		m.logger.Warn("durable deduction dispatch failed, using direct path",
			slog.String("error", err.Error()),
		)
		return m.direct.Deduct(ctx, d)
	}
	m.breaker.RecordSuccess()
	return nil
}
