package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"slot-waitlist/internal/store"
	"slot-waitlist/models"
)

// Notifier is the part of the waitlist the release trigger drives.
type Notifier interface {
	Notify(ctx context.Context, key models.PartitionKey) (*models.WaitlistEntry, error)
}

// ReleaseTrigger turns plan downgrades into waitlist notifications.
type ReleaseTrigger struct {
	notifier Notifier
}

func NewReleaseTrigger(notifier Notifier) *ReleaseTrigger {
	return &ReleaseTrigger{notifier: notifier}
}

// HandlePlanChange is idempotent: redelivered events find the offer already
// outstanding and notify no one.
func (t *ReleaseTrigger) HandlePlanChange(ctx context.Context, change models.PlanChange) error {
	if !change.OldPlan.Capped() {
		return nil
	}
	if !change.Downgrade() && !change.Deactivated {
		return nil
	}

	freed := models.PartitionKey{
		Category:  change.Category,
		Plan:      change.OldPlan,
		Zone:      change.Zone,
		Specialty: change.Specialty,
	}
	slog.Info("slot released",
		"event_id", change.EventID,
		"holder_id", change.HolderID,
		"partition", freed.String(),
		"new_plan", change.NewPlan,
		"deactivated", change.Deactivated,
	)

	var errs []error
	for _, key := range freed.Broader() {
		entry, err := t.notifier.Notify(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", key, err))
			continue
		}
		if entry != nil {
			slog.Info("released slot offered", "partition", key.String(), "entry_id", entry.ID)
		}
	}
	return errors.Join(errs...)
}

// Run consumes the feed until ctx is cancelled.
func (t *ReleaseTrigger) Run(ctx context.Context, feed store.PlanChangeFeed) error {
	return feed.Consume(ctx, t.HandlePlanChange)
}
