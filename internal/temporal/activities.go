package temporal

import (
	"context"

	"github.com/promptgate/promptgate/internal/accounting"
)

// Activities holds the dependencies the deduction activities need.
type Activities struct {
	deductor accounting.Deductor
}

// NewActivities creates the activity set over a direct accounting client.
func NewActivities(deductor accounting.Deductor) *Activities {
	return &Activities{deductor: deductor}
}

// DeliverDeduction posts one deduction to the accounting service. Retries
// are driven by the workflow retry policy, not here.
func (a *Activities) DeliverDeduction(ctx context.Context, d accounting.Deduction) error {
	return a.deductor.Deduct(ctx, d)
}
