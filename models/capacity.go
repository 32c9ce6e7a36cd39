package models

// TierLimits holds the slot capacity of the capped tiers.
type TierLimits struct {
	Featured int `json:"featured" yaml:"featured"`
	Sponsor  int `json:"sponsor" yaml:"sponsor"`
}

func (l TierLimits) For(plan PlanTier) int {
	switch plan {
	case PlanFeatured:
		return l.Featured
	case PlanSponsor:
		return l.Sponsor
	}
	return 0
}

// CapacityTable maps a category to its tier limits. Unlisted categories use Default.
type CapacityTable struct {
	Default    TierLimits            `json:"default" yaml:"default"`
	Categories map[string]TierLimits `json:"categories" yaml:"categories"`
}

func (t CapacityTable) Limits(category string) TierLimits {
	if l, ok := t.Categories[category]; ok {
		return l
	}
	return t.Default
}

// DefaultCapacityTable is used when no capacity file is configured.
func DefaultCapacityTable() CapacityTable {
	return CapacityTable{
		Default: TierLimits{Featured: 8, Sponsor: 3},
		Categories: map[string]TierLimits{
			"cafes":       {Featured: 8, Sponsor: 3},
			"restaurants": {Featured: 12, Sponsor: 4},
		},
	}
}
