// Package store persists slot holders and waitlist entries and exposes them
// through optimistic read-decide-write transactions.
package store

import (
	"context"
	"time"

	"slot-waitlist/models"

	"github.com/google/uuid"
)

// Reader is a consistent view over holders and waitlist entries.
// Missing records are reported with status.ErrNotFound.
type Reader interface {
	Holder(id string) (models.SlotHolder, error)
	// PartitionHolders returns every holder, active or not, on the given
	// category and plan.
	PartitionHolders(category string, plan models.PlanTier) ([]models.SlotHolder, error)
	Entry(id string) (models.WaitlistEntry, error)
	// OldestWaiting returns nil when the partition has no waiting entry.
	OldestWaiting(key models.PartitionKey) (*models.WaitlistEntry, error)
	// WaitingAhead counts waiting entries created strictly before createdAt.
	WaitingAhead(key models.PartitionKey, createdAt time.Time) (int, error)
	OfferedCount(key models.PartitionKey) (int, error)
	// OpenEntryID returns "" when the business has no waiting or notified
	// entry for the partition.
	OpenEntryID(businessID string, key models.PartitionKey) (string, error)
}

// Txn buffers writes; they are applied atomically when the Update callback
// returns nil and discarded otherwise.
type Txn interface {
	Reader
	PutHolder(h models.SlotHolder) error
	PutEntry(e models.WaitlistEntry) error
}

type Depth struct {
	Waiting int `json:"waiting"`
	Offered int `json:"offered"`
}

type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	// Update may call fn more than once when a concurrent writer wins.
	Update(ctx context.Context, fn func(Txn) error) error
	// DueOffers lists notified entries whose expiry is strictly before now.
	DueOffers(ctx context.Context, now time.Time) ([]string, error)
	Partitions(ctx context.Context) ([]models.PartitionKey, error)
	Depth(ctx context.Context, key models.PartitionKey) (Depth, error)
	BusinessEntries(ctx context.Context, businessID string) ([]models.WaitlistEntry, error)
	Ping(ctx context.Context) error
}

// PlanChangeFeed delivers plan changes at least once.
type PlanChangeFeed interface {
	Consume(ctx context.Context, handle func(context.Context, models.PlanChange) error) error
}

// Locker grants a named lease to a single caller at a time.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

func planChangeFor(old *models.SlotHolder, next models.SlotHolder) *models.PlanChange {
	if old == nil {
		return nil
	}
	deactivated := old.Active && !next.Active
	if old.Plan == next.Plan && !deactivated {
		return nil
	}
	return &models.PlanChange{
		EventID:     uuid.NewString(),
		HolderID:    next.ID,
		Category:    old.Category,
		Zone:        old.Zone,
		Specialty:   old.Specialty,
		OldPlan:     old.Plan,
		NewPlan:     next.Plan,
		Deactivated: deactivated,
		ChangedAt:   next.UpdatedAt,
	}
}
