package services

import (
	"context"
	"fmt"

	"slot-waitlist/internal/status"
	"slot-waitlist/internal/store"
	"slot-waitlist/models"
	"slot-waitlist/monitoring"

	"github.com/shopspring/decimal"
)

var (
	halfFull   = decimal.NewFromFloat(0.5)
	mostlyFull = decimal.NewFromFloat(0.8)
	full       = decimal.NewFromInt(1)
)

type AdmissionEvaluator struct {
	counter *SlotCounter
	monitor *monitoring.Monitor
}

func NewAdmissionEvaluator(counter *SlotCounter, monitor *monitoring.Monitor) *AdmissionEvaluator {
	return &AdmissionEvaluator{counter: counter, monitor: monitor}
}

// CanAdmit reports whether a holder could move onto the partition's tier now.
func (a *AdmissionEvaluator) CanAdmit(ctx context.Context, key models.PartitionKey) (models.Admission, error) {
	if !key.Plan.Valid() {
		return models.Admission{}, fmt.Errorf("plan %q: %w", key.Plan, status.ErrInvalidArgument)
	}
	var adm models.Admission
	err := a.counter.store.View(ctx, func(r store.Reader) error {
		var err error
		adm, err = a.admissionWith(r, key)
		return err
	})
	if err != nil {
		return models.Admission{}, err
	}
	a.monitor.TrackAdmission(key.Plan, adm.Allowed)
	return adm, nil
}

// admissionWith evaluates inside an existing view or transaction so callers
// can act on the answer atomically.
func (a *AdmissionEvaluator) admissionWith(r store.Reader, key models.PartitionKey) (models.Admission, error) {
	if !key.Plan.Capped() {
		return models.Admission{
			Partition:  key,
			Allowed:    true,
			SlotsLeft:  models.UnlimitedSlots,
			TotalSlots: models.UnlimitedSlots,
			Unlimited:  true,
		}, nil
	}
	limit := a.counter.LimitFor(key.Category, key.Plan)
	used, err := a.counter.countWith(r, key)
	if err != nil {
		return models.Admission{}, err
	}
	left := max(0, limit-used)
	return models.Admission{
		Partition:  key,
		Allowed:    left > 0,
		SlotsLeft:  left,
		TotalSlots: limit,
	}, nil
}

// ClassifyUrgency maps remaining slots to a display urgency.
func ClassifyUrgency(slotsLeft int) models.Urgency {
	switch {
	case slotsLeft < 0:
		return models.UrgencyNone
	case slotsLeft == 0:
		return models.UrgencyCritical
	case slotsLeft == 1:
		return models.UrgencyHigh
	case slotsLeft <= 3:
		return models.UrgencyMedium
	default:
		return models.UrgencyLow
	}
}

// CompetitionLevel summarises how full the capped tiers of a category are.
func (a *AdmissionEvaluator) CompetitionLevel(ctx context.Context, category string) (models.CompetitionReport, error) {
	if category == "" {
		return models.CompetitionReport{}, fmt.Errorf("category is required: %w", status.ErrInvalidArgument)
	}
	report := models.CompetitionReport{Category: category}
	err := a.counter.store.View(ctx, func(r store.Reader) error {
		report.Tiers = report.Tiers[:0]
		for _, plan := range []models.PlanTier{models.PlanSponsor, models.PlanFeatured} {
			used, err := a.counter.countWith(r, models.PartitionKey{Category: category, Plan: plan})
			if err != nil {
				return err
			}
			report.Tiers = append(report.Tiers, models.TierOccupancy{
				Plan:  plan,
				Used:  used,
				Total: a.counter.LimitFor(category, plan),
			})
		}
		return nil
	})
	if err != nil {
		return models.CompetitionReport{}, err
	}

	var used, total int64
	for _, t := range report.Tiers {
		used += int64(t.Used)
		total += int64(t.Total)
	}
	if total == 0 {
		report.FillRatio = full
	} else {
		report.FillRatio = decimal.NewFromInt(used).DivRound(decimal.NewFromInt(total), 4)
	}
	report.Level = classifyCompetition(report.FillRatio)
	return report, nil
}

func classifyCompetition(ratio decimal.Decimal) models.Competition {
	switch {
	case ratio.LessThan(halfFull):
		return models.CompetitionLow
	case ratio.LessThan(mostlyFull):
		return models.CompetitionMedium
	case ratio.LessThan(full):
		return models.CompetitionHigh
	default:
		return models.CompetitionSaturated
	}
}
