package services

import (
	"context"
	"testing"

	"slot-waitlist/internal/status"
	"slot-waitlist/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotCounter_CountFiltersDimensions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putHolder(t, models.SlotHolder{ID: "a", Category: "cafes", Zone: "north", Specialty: "vegan", Plan: models.PlanFeatured, Active: true})
	f.putHolder(t, models.SlotHolder{ID: "b", Category: "cafes", Zone: "north", Plan: models.PlanFeatured, Active: true})
	f.putHolder(t, models.SlotHolder{ID: "c", Category: "cafes", Zone: "south", Plan: models.PlanFeatured, Active: true})
	f.putHolder(t, models.SlotHolder{ID: "d", Category: "cafes", Zone: "north", Plan: models.PlanFeatured, Active: false})
	f.putHolder(t, models.SlotHolder{ID: "e", Category: "cafes", Zone: "north", Plan: models.PlanSponsor, Active: true})
	f.putHolder(t, models.SlotHolder{ID: "f", Category: "bars", Zone: "north", Plan: models.PlanFeatured, Active: true})

	tests := []struct {
		name string
		key  models.PartitionKey
		want int
	}{
		{"category wide", models.PartitionKey{Category: "cafes", Plan: models.PlanFeatured}, 3},
		{"zone", models.PartitionKey{Category: "cafes", Plan: models.PlanFeatured, Zone: "north"}, 2},
		{"zone and specialty", models.PartitionKey{Category: "cafes", Plan: models.PlanFeatured, Zone: "north", Specialty: "vegan"}, 1},
		{"other tier", models.PartitionKey{Category: "cafes", Plan: models.PlanSponsor}, 1},
		{"empty category", models.PartitionKey{Category: "bakeries", Plan: models.PlanFeatured}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := f.counter.Count(ctx, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestSlotCounter_LimitFor(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, 12, f.counter.LimitFor("restaurants", models.PlanFeatured))
	assert.Equal(t, 3, f.counter.LimitFor("unlisted", models.PlanSponsor))
	assert.Equal(t, models.UnlimitedSlots, f.counter.LimitFor("cafes", models.PlanFree))
}

func TestCanAdmit(t *testing.T) {
	ctx := context.Background()

	t.Run("free is unlimited", func(t *testing.T) {
		f := newFixture(t)
		adm, err := f.admission.CanAdmit(ctx, models.PartitionKey{Category: "cafes", Plan: models.PlanFree})
		require.NoError(t, err)
		assert.True(t, adm.Allowed)
		assert.True(t, adm.Unlimited)
		assert.Equal(t, models.UnlimitedSlots, adm.SlotsLeft)
	})

	t.Run("slots left", func(t *testing.T) {
		f := newFixture(t)
		f.fillTier(t, "cafes", models.PlanFeatured, 5)
		adm, err := f.admission.CanAdmit(ctx, models.PartitionKey{Category: "cafes", Plan: models.PlanFeatured})
		require.NoError(t, err)
		assert.True(t, adm.Allowed)
		assert.Equal(t, 3, adm.SlotsLeft)
		assert.Equal(t, 8, adm.TotalSlots)
	})

	t.Run("full", func(t *testing.T) {
		f := newFixture(t)
		f.fillTier(t, "cafes", models.PlanSponsor, 3)
		adm, err := f.admission.CanAdmit(ctx, models.PartitionKey{Category: "cafes", Plan: models.PlanSponsor})
		require.NoError(t, err)
		assert.False(t, adm.Allowed)
		assert.Equal(t, 0, adm.SlotsLeft)
	})

	t.Run("over capacity reports zero", func(t *testing.T) {
		f := newFixture(t)
		f.fillTier(t, "cafes", models.PlanSponsor, 5)
		adm, err := f.admission.CanAdmit(ctx, models.PartitionKey{Category: "cafes", Plan: models.PlanSponsor})
		require.NoError(t, err)
		assert.False(t, adm.Allowed)
		assert.Equal(t, 0, adm.SlotsLeft)
	})

	t.Run("unknown plan", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.admission.CanAdmit(ctx, models.PartitionKey{Category: "cafes", Plan: "gold"})
		assert.ErrorIs(t, err, status.ErrInvalidArgument)
	})
}

func TestClassifyUrgency(t *testing.T) {
	tests := []struct {
		slotsLeft int
		want      models.Urgency
	}{
		{models.UnlimitedSlots, models.UrgencyNone},
		{10, models.UrgencyLow},
		{4, models.UrgencyLow},
		{3, models.UrgencyMedium},
		{2, models.UrgencyMedium},
		{1, models.UrgencyHigh},
		{0, models.UrgencyCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyUrgency(tt.slotsLeft), "slotsLeft=%d", tt.slotsLeft)
	}
}

func TestCompetitionLevel(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		featured int
		sponsor  int
		want     models.Competition
		ratio    string
	}{
		{"empty", 0, 0, models.CompetitionLow, "0"},
		{"under half", 3, 1, models.CompetitionLow, "0.3636"},
		{"medium", 5, 2, models.CompetitionMedium, "0.6364"},
		{"high", 8, 1, models.CompetitionHigh, "0.8182"},
		{"saturated", 8, 3, models.CompetitionSaturated, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fillTier(t, "cafes", models.PlanFeatured, tt.featured)
			f.fillTier(t, "cafes", models.PlanSponsor, tt.sponsor)

			report, err := f.admission.CompetitionLevel(ctx, "cafes")
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Level)
			assert.True(t, decimal.RequireFromString(tt.ratio).Equal(report.FillRatio), "ratio %s", report.FillRatio)
			require.Len(t, report.Tiers, 2)
			assert.Equal(t, models.TierOccupancy{Plan: models.PlanSponsor, Used: tt.sponsor, Total: 3}, report.Tiers[0])
			assert.Equal(t, models.TierOccupancy{Plan: models.PlanFeatured, Used: tt.featured, Total: 8}, report.Tiers[1])
		})
	}

	t.Run("category required", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.admission.CompetitionLevel(ctx, "")
		assert.ErrorIs(t, err, status.ErrInvalidArgument)
	})
}
