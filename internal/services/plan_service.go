package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"slot-waitlist/internal/status"
	"slot-waitlist/internal/store"
	"slot-waitlist/models"
)

// PlanService is the entry point for plan changes requested by owners and
// for holder records synced from the system of record.
type PlanService struct {
	store     store.Store
	admission *AdmissionEvaluator
	waitlist  *WaitlistService
}

func NewPlanService(st store.Store, admission *AdmissionEvaluator, waitlist *WaitlistService) *PlanService {
	return &PlanService{store: st, admission: admission, waitlist: waitlist}
}

type PlanChangeInput struct {
	CallerID   string
	BusinessID string
	TargetPlan models.PlanTier
	Zone       string
	Specialty  string
}

type PlanChangeResult struct {
	Holder   models.SlotHolder `json:"holder"`
	Admitted bool              `json:"admitted"`
	Queued   *models.EntryView `json:"queued,omitempty"`
}

// RequestPlanChange writes downgrades immediately, admits upgrades when a
// slot is free and otherwise queues the business.
func (s *PlanService) RequestPlanChange(ctx context.Context, in PlanChangeInput) (PlanChangeResult, error) {
	if in.CallerID == "" {
		return PlanChangeResult{}, status.ErrUnauthenticated
	}
	if !in.TargetPlan.Valid() {
		return PlanChangeResult{}, fmt.Errorf("target plan %q: %w", in.TargetPlan, status.ErrInvalidArgument)
	}

	// A slot can free up between the failed admission and the enqueue, in
	// which case the enqueue reports AlreadyAdmitted and we try again.
	for attempt := 0; attempt < 3; attempt++ {
		result, oldPlan, queue, err := s.apply(ctx, in)
		if err != nil {
			return PlanChangeResult{}, err
		}
		if !queue {
			if result.Holder.Plan != oldPlan {
				s.waitlist.mirrorPlan(ctx, result.Holder)
				s.waitlist.releaseFrom(ctx, result.Holder, oldPlan)
			}
			return result, nil
		}

		view, err := s.waitlist.Enqueue(ctx, EnqueueInput{
			CallerID:   in.CallerID,
			BusinessID: in.BusinessID,
			TargetPlan: in.TargetPlan,
			Zone:       in.Zone,
			Specialty:  in.Specialty,
		})
		if errors.Is(err, status.ErrAlreadyAdmitted) {
			continue
		}
		if err != nil {
			return PlanChangeResult{}, err
		}
		result.Queued = &view
		return result, nil
	}
	return PlanChangeResult{}, status.ErrTxConflict
}

func (s *PlanService) apply(ctx context.Context, in PlanChangeInput) (result PlanChangeResult, oldPlan models.PlanTier, queue bool, err error) {
	err = s.store.Update(ctx, func(tx store.Txn) error {
		result, queue = PlanChangeResult{}, false

		holder, err := tx.Holder(in.BusinessID)
		if err != nil {
			return err
		}
		if holder.OwnerID != in.CallerID {
			return fmt.Errorf("business %s: %w", in.BusinessID, status.ErrPermissionDenied)
		}
		if err := checkDimensions(holder, "", in.Zone, in.Specialty); err != nil {
			return err
		}
		oldPlan = holder.Plan
		result.Holder = holder

		if holder.Plan == in.TargetPlan {
			result.Admitted = true
			return nil
		}
		if in.TargetPlan.Rank() < holder.Plan.Rank() {
			if !holder.Active {
				return fmt.Errorf("business %s is inactive: %w", holder.ID, status.ErrFailedPrecondition)
			}
			adm, err := s.admission.admissionWith(tx, models.PartitionKey{
				Category:  holder.Category,
				Plan:      in.TargetPlan,
				Zone:      in.Zone,
				Specialty: in.Specialty,
			})
			if err != nil {
				return err
			}
			if !adm.Allowed {
				queue = true
				return nil
			}
		}

		holder.Plan = in.TargetPlan
		holder.UpdatedAt = s.waitlist.now()
		result.Holder = holder
		result.Admitted = true
		return tx.PutHolder(holder)
	})
	if err != nil {
		return PlanChangeResult{}, "", false, err
	}
	if result.Admitted && result.Holder.Plan != oldPlan {
		slog.Info("plan changed",
			"business_id", result.Holder.ID,
			"old_plan", oldPlan,
			"new_plan", result.Holder.Plan,
		)
	}
	return result, oldPlan, queue, nil
}

// SyncHolder upserts a holder from the system of record. Plan and activity
// changes flow to the release trigger through the store's change feed.
// A record older than the stored holder is ignored: confirmations and
// admissions write the store first and mirror to the record afterwards.
func (s *PlanService) SyncHolder(ctx context.Context, holder models.SlotHolder) error {
	if holder.ID == "" {
		return fmt.Errorf("holder id is required: %w", status.ErrInvalidArgument)
	}
	if !holder.Plan.Valid() {
		holder.Plan = models.PlanFree
	}
	if holder.UpdatedAt.IsZero() {
		holder.UpdatedAt = s.waitlist.now()
	}
	return s.store.Update(ctx, func(tx store.Txn) error {
		current, err := tx.Holder(holder.ID)
		switch {
		case errors.Is(err, status.ErrNotFound):
		case err != nil:
			return err
		case holder.UpdatedAt.Before(current.UpdatedAt):
			slog.Warn("ignoring stale business record",
				"business_id", holder.ID,
				"record_plan", holder.Plan,
				"stored_plan", current.Plan,
				"record_updated", holder.UpdatedAt,
				"stored_updated", current.UpdatedAt,
			)
			return nil
		case sameListing(current, holder):
			return nil
		}
		return tx.PutHolder(holder)
	})
}

// sameListing ignores UpdatedAt so re-syncing an unchanged record is a no-op.
func sameListing(a, b models.SlotHolder) bool {
	a.UpdatedAt = b.UpdatedAt
	return a == b
}

// RemoveHolder deactivates a holder whose record was deleted, releasing its slot.
func (s *PlanService) RemoveHolder(ctx context.Context, id string) error {
	return s.store.Update(ctx, func(tx store.Txn) error {
		holder, err := tx.Holder(id)
		if errors.Is(err, status.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !holder.Active {
			return nil
		}
		holder.Active = false
		holder.UpdatedAt = s.waitlist.now()
		return tx.PutHolder(holder)
	})
}
