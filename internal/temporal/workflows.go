// Package temporal gives token deductions durable execution: once a
// workflow is accepted, delivery retries survive gateway restarts. The
// circuit breaker in the manager falls back to direct HTTP when the Temporal
// cluster is unreachable.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/promptgate/promptgate/internal/accounting"
)

const (
	activityTimeout = 30 * time.Second
	workflowTimeout = 10 * time.Minute
)

// DeductInput is the input for DeductWorkflow.
type DeductInput struct {
	Deduction accounting.Deduction `json:"deduction"`
}

// DeductOutput is the output of DeductWorkflow.
type DeductOutput struct {
	Delivered bool   `json:"delivered"`
	Attempts  int32  `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// DeductWorkflow delivers one token deduction with durable retries. The
// idempotency key set by the caller makes redelivery safe.
func DeductWorkflow(ctx workflow.Context, input DeductInput) (DeductOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    8,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	err := workflow.ExecuteActivity(ctx, (*Activities).DeliverDeduction, input.Deduction).Get(ctx, nil)
	if err != nil {
		return DeductOutput{Delivered: false, Error: err.Error()}, err
	}
	return DeductOutput{Delivered: true}, nil
}
