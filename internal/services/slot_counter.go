package services

import (
	"context"

	"slot-waitlist/internal/store"
	"slot-waitlist/models"
)

// SlotCounter derives slot usage from holder state on every call.
type SlotCounter struct {
	store    store.Store
	capacity models.CapacityTable
}

func NewSlotCounter(st store.Store, capacity models.CapacityTable) *SlotCounter {
	return &SlotCounter{store: st, capacity: capacity}
}

// Count returns the active holders occupying the partition. Empty zone or
// specialty leave that dimension unfiltered.
func (c *SlotCounter) Count(ctx context.Context, key models.PartitionKey) (int, error) {
	var n int
	err := c.store.View(ctx, func(r store.Reader) error {
		var err error
		n, err = c.countWith(r, key)
		return err
	})
	return n, err
}

func (c *SlotCounter) countWith(r store.Reader, key models.PartitionKey) (int, error) {
	holders, err := r.PartitionHolders(key.Category, key.Plan)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range holders {
		if h.Occupies(key) {
			n++
		}
	}
	return n, nil
}

// LimitFor returns the capacity of a capped tier, or models.UnlimitedSlots.
func (c *SlotCounter) LimitFor(category string, plan models.PlanTier) int {
	if !plan.Capped() {
		return models.UnlimitedSlots
	}
	return c.capacity.Limits(category).For(plan)
}
