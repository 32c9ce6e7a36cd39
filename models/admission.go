package models

import "github.com/shopspring/decimal"

// UnlimitedSlots is reported as SlotsLeft for uncapped tiers.
const UnlimitedSlots = -1

type Admission struct {
	Partition  PartitionKey `json:"partition"`
	Allowed    bool         `json:"allowed"`
	SlotsLeft  int          `json:"slots_left"`
	TotalSlots int          `json:"total_slots"`
	Unlimited  bool         `json:"unlimited,omitempty"`
}

type Urgency string

const (
	UrgencyNone     Urgency = "none"
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

type Competition string

const (
	CompetitionLow       Competition = "low"
	CompetitionMedium    Competition = "medium"
	CompetitionHigh      Competition = "high"
	CompetitionSaturated Competition = "saturated"
)

type TierOccupancy struct {
	Plan  PlanTier `json:"plan"`
	Used  int      `json:"used"`
	Total int      `json:"total"`
}

type CompetitionReport struct {
	Category  string          `json:"category"`
	Level     Competition     `json:"level"`
	FillRatio decimal.Decimal `json:"fill_ratio"`
	Tiers     []TierOccupancy `json:"tiers"`
}
