package orchestrator

import (
	"context"
	"fmt"

	"github.com/vinayprograms/agentloop/errors"
)

// ValidateSubscriptions checks that every active subscription resolves to an
// active tool with a registered capability. All defects are reported
// together.
func (o *Orchestrator) ValidateSubscriptions(ctx context.Context) error {
	subs, err := o.store.ListSubscriptions(ctx)
	if err != nil {
		return errors.Wrap(err, "listing subscriptions")
	}

	var defects []error
	for _, sub := range subs {
		if !sub.IsActive {
			continue
		}
		rec, err := o.store.GetTool(ctx, sub.ToolID)
		if err != nil {
			defects = append(defects, errors.Wrap(err,
				fmt.Sprintf("subscription %s (%s): tool %s", sub.ID, sub.EventType, sub.ToolID)))
			continue
		}
		if !rec.IsActive {
			defects = append(defects, errors.New(errors.ErrCodeInvalidState,
				fmt.Sprintf("subscription %s (%s): tool %s is inactive", sub.ID, sub.EventType, rec.Name)))
			continue
		}
		if !o.registry.Has(rec.CapabilityName()) {
			defects = append(defects, errors.CapabilityMissing(rec.Name, rec.CapabilityName()))
		}
	}
	return errors.Join(defects...)
}
