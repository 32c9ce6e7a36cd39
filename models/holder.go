package models

import (
	"fmt"
	"strings"
	"time"
)

type PlanTier string

const (
	PlanFree     PlanTier = "free"
	PlanFeatured PlanTier = "featured"
	PlanSponsor  PlanTier = "sponsor"
)

// Rank orders tiers by scarcity. Lower is more premium.
func (p PlanTier) Rank() int {
	switch p {
	case PlanSponsor:
		return 1
	case PlanFeatured:
		return 2
	default:
		return 3
	}
}

// Capped reports whether the tier is limited by the capacity table.
func (p PlanTier) Capped() bool {
	return p == PlanFeatured || p == PlanSponsor
}

func (p PlanTier) Valid() bool {
	return p == PlanFree || p == PlanFeatured || p == PlanSponsor
}

func ParsePlanTier(s string) (PlanTier, error) {
	p := PlanTier(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan tier %q", s)
	}
	return p, nil
}

// SlotHolder is a business listing that may occupy a premium slot.
type SlotHolder struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Contact   string    `json:"contact,omitempty"`
	Category  string    `json:"category"`
	Zone      string    `json:"zone,omitempty"`
	Specialty string    `json:"specialty,omitempty"`
	Plan      PlanTier  `json:"plan"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Occupies reports whether the holder counts against capacity for the partition.
func (h SlotHolder) Occupies(key PartitionKey) bool {
	if !h.Active || h.Plan != key.Plan || h.Category != key.Category {
		return false
	}
	if key.Zone != "" && h.Zone != key.Zone {
		return false
	}
	if key.Specialty != "" && h.Specialty != key.Specialty {
		return false
	}
	return true
}

// PlanChange is emitted whenever a holder write changes its plan or deactivates it.
type PlanChange struct {
	EventID     string    `json:"event_id"`
	HolderID    string    `json:"holder_id"`
	Category    string    `json:"category"`
	Zone        string    `json:"zone,omitempty"`
	Specialty   string    `json:"specialty,omitempty"`
	OldPlan     PlanTier  `json:"old_plan"`
	NewPlan     PlanTier  `json:"new_plan"`
	Deactivated bool      `json:"deactivated,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

// Downgrade reports whether the change moved the holder to a less scarce tier.
func (c PlanChange) Downgrade() bool {
	return c.NewPlan.Rank() > c.OldPlan.Rank()
}
