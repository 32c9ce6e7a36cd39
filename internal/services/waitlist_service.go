package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"slot-waitlist/internal/clock"
	"slot-waitlist/internal/status"
	"slot-waitlist/internal/store"
	"slot-waitlist/models"
	"slot-waitlist/monitoring"
	"slot-waitlist/utils"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const DefaultOfferWindow = 48 * time.Hour

// HolderMirror copies committed plan changes back to the system of record.
type HolderMirror interface {
	MirrorPlan(ctx context.Context, holder models.SlotHolder) error
}

type WaitlistService struct {
	store      store.Store
	admission  *AdmissionEvaluator
	dispatcher Dispatcher
	clock      clock.Clock
	monitor    *monitoring.Monitor
	mirror     HolderMirror

	offerWindow time.Duration
	tokenCost   int
	newToken    func() (string, error)

	dispatches sync.WaitGroup
}

type WaitlistOption func(*WaitlistService)

func WithOfferWindow(d time.Duration) WaitlistOption {
	return func(s *WaitlistService) {
		if d > 0 {
			s.offerWindow = d
		}
	}
}

func WithClock(c clock.Clock) WaitlistOption {
	return func(s *WaitlistService) { s.clock = c }
}

func WithMonitor(m *monitoring.Monitor) WaitlistOption {
	return func(s *WaitlistService) { s.monitor = m }
}

func WithMirror(m HolderMirror) WaitlistOption {
	return func(s *WaitlistService) { s.mirror = m }
}

// WithTokenCost sets the bcrypt cost used for confirmation tokens.
func WithTokenCost(cost int) WaitlistOption {
	return func(s *WaitlistService) { s.tokenCost = cost }
}

func NewWaitlistService(st store.Store, admission *AdmissionEvaluator, dispatcher Dispatcher, opts ...WaitlistOption) *WaitlistService {
	s := &WaitlistService{
		store:       st,
		admission:   admission,
		dispatcher:  dispatcher,
		clock:       clock.NewSystem(),
		offerWindow: DefaultOfferWindow,
		tokenCost:   bcrypt.DefaultCost,
		newToken:    utils.GenerateOfferToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now is truncated to the millisecond precision FIFO ranks are stored with.
func (s *WaitlistService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

type EnqueueInput struct {
	CallerID   string
	BusinessID string
	Category   string
	TargetPlan models.PlanTier
	Zone       string
	Specialty  string
}

// Enqueue adds the business to the back of the partition's line. It never
// reserves a slot.
func (s *WaitlistService) Enqueue(ctx context.Context, in EnqueueInput) (models.EntryView, error) {
	if in.CallerID == "" {
		return models.EntryView{}, status.ErrUnauthenticated
	}
	if !in.TargetPlan.Capped() {
		return models.EntryView{}, fmt.Errorf("target plan %q: %w", in.TargetPlan, status.ErrInvalidArgument)
	}

	var view models.EntryView
	err := s.store.Update(ctx, func(tx store.Txn) error {
		holder, err := tx.Holder(in.BusinessID)
		if err != nil {
			return err
		}
		if holder.OwnerID != in.CallerID {
			return fmt.Errorf("business %s: %w", in.BusinessID, status.ErrPermissionDenied)
		}
		if err := checkDimensions(holder, in.Category, in.Zone, in.Specialty); err != nil {
			return err
		}
		if !holder.Active {
			return fmt.Errorf("business %s is inactive: %w", holder.ID, status.ErrFailedPrecondition)
		}
		if holder.Plan.Rank() <= in.TargetPlan.Rank() {
			return fmt.Errorf("business %s is already on %s: %w", holder.ID, holder.Plan, status.ErrFailedPrecondition)
		}

		key := models.PartitionKey{
			Category:  holder.Category,
			Plan:      in.TargetPlan,
			Zone:      in.Zone,
			Specialty: in.Specialty,
		}
		adm, err := s.admission.admissionWith(tx, key)
		if err != nil {
			return err
		}
		if adm.Allowed {
			return status.ErrAlreadyAdmitted
		}
		openID, err := tx.OpenEntryID(holder.ID, key)
		if err != nil {
			return err
		}
		if openID != "" {
			return fmt.Errorf("entry %s: %w", openID, status.ErrAlreadyQueued)
		}

		entry := models.WaitlistEntry{
			ID:         uuid.NewString(),
			BusinessID: holder.ID,
			Category:   key.Category,
			TargetPlan: key.Plan,
			Zone:       key.Zone,
			Specialty:  key.Specialty,
			Status:     models.EntryWaiting,
			CreatedAt:  s.now(),
		}
		ahead, err := tx.WaitingAhead(key, entry.CreatedAt)
		if err != nil {
			return err
		}
		view = models.EntryView{WaitlistEntry: entry, Position: ahead + 1}
		return tx.PutEntry(entry)
	})
	if err != nil {
		s.monitor.TrackOperation("enqueue", in.Category, status.Code(err))
		return models.EntryView{}, err
	}

	s.monitor.TrackOperation("enqueue", view.Category, "success")
	slog.Info("waitlist entry created",
		"entry_id", view.ID,
		"business_id", view.BusinessID,
		"partition", view.Partition().String(),
		"position", view.Position,
	)
	return view, nil
}

// checkDimensions rejects partition dimensions that do not describe the holder.
// Empty zone or specialty mean "any".
func checkDimensions(h models.SlotHolder, category, zone, specialty string) error {
	if category != "" && category != h.Category {
		return fmt.Errorf("business %s is listed in %q, not %q: %w", h.ID, h.Category, category, status.ErrInvalidArgument)
	}
	if zone != "" && zone != h.Zone {
		return fmt.Errorf("business %s is not in zone %q: %w", h.ID, zone, status.ErrInvalidArgument)
	}
	if specialty != "" && specialty != h.Specialty {
		return fmt.Errorf("business %s does not have specialty %q: %w", h.ID, specialty, status.ErrInvalidArgument)
	}
	return nil
}

// Notify offers a free slot to the oldest waiting entry of the partition.
// It returns nil without error when there is nothing to do: no waiting entry,
// an offer already outstanding, or no free slot. The token is only minted
// once a read finds a candidate.
func (s *WaitlistService) Notify(ctx context.Context, key models.PartitionKey) (*models.WaitlistEntry, error) {
	if !key.Plan.Capped() {
		return nil, nil
	}

	var candidate *models.WaitlistEntry
	err := s.store.View(ctx, func(r store.Reader) error {
		var err error
		candidate, err = s.nextOffer(r, key)
		return err
	})
	if err != nil {
		s.monitor.TrackOperation("notify", key.Category, status.Code(err))
		return nil, err
	}
	if candidate == nil {
		s.monitor.TrackOperation("notify", key.Category, "noop")
		return nil, nil
	}

	token, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("generate offer token: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.tokenCost)
	if err != nil {
		return nil, fmt.Errorf("hash offer token: %w", err)
	}

	var (
		notified *models.WaitlistEntry
		contact  string
	)
	err = s.store.Update(ctx, func(tx store.Txn) error {
		notified = nil

		oldest, err := s.nextOffer(tx, key)
		if err != nil || oldest == nil {
			return err
		}

		entry := *oldest
		now := s.now()
		expiresAt := now.Add(s.offerWindow)
		entry.Status = models.EntryNotified
		entry.NotifiedAt = &now
		entry.ExpiresAt = &expiresAt
		entry.TokenHash = string(hash)

		if holder, err := tx.Holder(entry.BusinessID); err == nil {
			contact = holder.Contact
		} else if !errors.Is(err, status.ErrNotFound) {
			return err
		}

		if err := tx.PutEntry(entry); err != nil {
			return err
		}
		notified = &entry
		return nil
	})
	if err != nil {
		s.monitor.TrackOperation("notify", key.Category, status.Code(err))
		return nil, err
	}
	if notified == nil {
		s.monitor.TrackOperation("notify", key.Category, "noop")
		return nil, nil
	}

	s.monitor.TrackOperation("notify", key.Category, "success")
	slog.Info("waitlist entry notified",
		"entry_id", notified.ID,
		"business_id", notified.BusinessID,
		"partition", key.String(),
		"expires_at", notified.ExpiresAt,
	)

	s.dispatch(ctx, Offer{
		EntryID:    notified.ID,
		BusinessID: notified.BusinessID,
		Recipient:  contact,
		Message:    offerMessage(key, *notified.ExpiresAt),
		Token:      token,
		Partition:  key,
		ExpiresAt:  *notified.ExpiresAt,
	})
	return notified, nil
}

// nextOffer returns the entry that should receive the partition's next offer,
// or nil when an offer is outstanding, nobody waits, or no slot is free.
func (s *WaitlistService) nextOffer(r store.Reader, key models.PartitionKey) (*models.WaitlistEntry, error) {
	offered, err := r.OfferedCount(key)
	if err != nil || offered > 0 {
		return nil, err
	}
	oldest, err := r.OldestWaiting(key)
	if err != nil || oldest == nil {
		return nil, err
	}
	if oldest.Status != models.EntryWaiting {
		return nil, nil
	}
	adm, err := s.admission.admissionWith(r, key)
	if err != nil || !adm.Allowed {
		return nil, err
	}
	return oldest, nil
}

// dispatch runs after commit and never affects the transition.
func (s *WaitlistService) dispatch(ctx context.Context, offer Offer) {
	ctx = context.WithoutCancel(ctx)
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		if err := s.dispatcher.Dispatch(ctx, offer); err != nil {
			s.monitor.TrackDispatch("failed")
			slog.Error("offer dispatch failed", "entry_id", offer.EntryID, "error", err)
			return
		}
		s.monitor.TrackDispatch("sent")
	}()
}

// WaitDispatches blocks until every in-flight dispatch has returned.
func (s *WaitlistService) WaitDispatches() {
	s.dispatches.Wait()
}

type ConfirmInput struct {
	CallerID string
	EntryID  string
	// Token is optional; when present it must match the offer.
	Token string
}

type ConfirmResult struct {
	Entry  models.WaitlistEntry `json:"entry"`
	Holder models.SlotHolder    `json:"holder"`
}

// Confirm claims the offered slot. Capacity is re-checked in the same
// transaction that writes the holder's new plan.
func (s *WaitlistService) Confirm(ctx context.Context, in ConfirmInput) (ConfirmResult, error) {
	if in.CallerID == "" {
		return ConfirmResult{}, status.ErrUnauthenticated
	}

	var (
		result    ConfirmResult
		oldPlan   models.PlanTier
		slotsLeft int
	)
	err := s.store.Update(ctx, func(tx store.Txn) error {
		entry, err := tx.Entry(in.EntryID)
		if err != nil {
			return err
		}
		holder, err := tx.Holder(entry.BusinessID)
		if err != nil {
			return err
		}
		if holder.OwnerID != in.CallerID {
			return fmt.Errorf("entry %s: %w", entry.ID, status.ErrPermissionDenied)
		}
		if entry.Status != models.EntryNotified {
			return fmt.Errorf("entry %s is %s: %w", entry.ID, entry.Status, status.ErrFailedPrecondition)
		}
		if !holder.Active {
			return fmt.Errorf("business %s is inactive: %w", holder.ID, status.ErrFailedPrecondition)
		}
		if holder.Plan.Rank() <= entry.TargetPlan.Rank() {
			return fmt.Errorf("business %s is already on %s: %w", holder.ID, holder.Plan, status.ErrFailedPrecondition)
		}
		now := s.now()
		if entry.ExpiresAt == nil || now.After(*entry.ExpiresAt) {
			return fmt.Errorf("entry %s: %w", entry.ID, status.ErrDeadlineExceeded)
		}
		if in.Token != "" && bcrypt.CompareHashAndPassword([]byte(entry.TokenHash), []byte(in.Token)) != nil {
			return fmt.Errorf("entry %s: token mismatch: %w", entry.ID, status.ErrPermissionDenied)
		}

		key := entry.Partition()
		adm, err := s.admission.admissionWith(tx, key)
		if err != nil {
			return err
		}
		if !adm.Allowed {
			return fmt.Errorf("partition %s: %w", key, status.ErrResourceExhausted)
		}

		oldPlan = holder.Plan
		holder.Plan = entry.TargetPlan
		holder.UpdatedAt = now
		entry.Status = models.EntryConfirmed
		entry.ConfirmedAt = &now
		if err := tx.PutHolder(holder); err != nil {
			return err
		}
		if err := tx.PutEntry(entry); err != nil {
			return err
		}

		slotsLeft = adm.SlotsLeft - 1
		result = ConfirmResult{Entry: entry, Holder: holder}
		return nil
	})
	if err != nil {
		s.monitor.TrackOperation("confirm", "", status.Code(err))
		return ConfirmResult{}, err
	}

	key := result.Entry.Partition()
	s.monitor.TrackOperation("confirm", key.Category, "success")
	slog.Info("waitlist entry confirmed",
		"entry_id", result.Entry.ID,
		"business_id", result.Holder.ID,
		"plan", result.Holder.Plan,
	)

	s.mirrorPlan(ctx, result.Holder)
	if slotsLeft > 0 {
		s.notifyQuietly(ctx, key)
	}
	// Moving up from another capped tier frees a slot there.
	s.releaseFrom(ctx, result.Holder, oldPlan)
	return result, nil
}

func (s *WaitlistService) mirrorPlan(ctx context.Context, holder models.SlotHolder) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.MirrorPlan(ctx, holder); err != nil {
		slog.Error("mirror plan failed", "business_id", holder.ID, "plan", holder.Plan, "error", err)
	}
}

func (s *WaitlistService) notifyQuietly(ctx context.Context, key models.PartitionKey) {
	if _, err := s.Notify(ctx, key); err != nil {
		slog.Error("notify failed", "partition", key.String(), "error", err)
	}
}

// releaseFrom notifies the partitions a holder left when it moved up from
// one capped tier to another. Downgrades are handled by the release trigger.
func (s *WaitlistService) releaseFrom(ctx context.Context, holder models.SlotHolder, oldPlan models.PlanTier) {
	if !oldPlan.Capped() || holder.Plan.Rank() >= oldPlan.Rank() {
		return
	}
	freed := models.PartitionKey{
		Category:  holder.Category,
		Plan:      oldPlan,
		Zone:      holder.Zone,
		Specialty: holder.Specialty,
	}
	for _, key := range freed.Broader() {
		s.notifyQuietly(ctx, key)
	}
}

// Expire closes a notified entry whose window has elapsed. It reports false
// for entries that are not due, already terminal, or still waiting.
func (s *WaitlistService) Expire(ctx context.Context, entryID string) (models.WaitlistEntry, bool, error) {
	var (
		entry   models.WaitlistEntry
		expired bool
	)
	err := s.store.Update(ctx, func(tx store.Txn) error {
		expired = false
		var err error
		entry, err = tx.Entry(entryID)
		if err != nil {
			return err
		}
		now := s.now()
		if !entry.Due(now) {
			return nil
		}
		entry.Status = models.EntryExpired
		entry.ExpiredAt = &now
		expired = true
		return tx.PutEntry(entry)
	})
	if err != nil {
		s.monitor.TrackOperation("expire", "", status.Code(err))
		return models.WaitlistEntry{}, false, err
	}
	if expired {
		s.monitor.TrackOperation("expire", entry.Category, "success")
		slog.Info("waitlist entry expired", "entry_id", entry.ID, "partition", entry.Partition().String())
	}
	return entry, expired, nil
}

// Entry returns one of the caller's entries with its live position.
func (s *WaitlistService) Entry(ctx context.Context, callerID, entryID string) (models.EntryView, error) {
	if callerID == "" {
		return models.EntryView{}, status.ErrUnauthenticated
	}
	var view models.EntryView
	err := s.store.View(ctx, func(r store.Reader) error {
		entry, err := r.Entry(entryID)
		if err != nil {
			return err
		}
		holder, err := r.Holder(entry.BusinessID)
		if err != nil {
			return err
		}
		if holder.OwnerID != callerID {
			return fmt.Errorf("entry %s: %w", entryID, status.ErrPermissionDenied)
		}
		view, err = viewOf(r, entry)
		return err
	})
	return view, err
}

// EntriesForBusiness lists every entry of a business, oldest first.
func (s *WaitlistService) EntriesForBusiness(ctx context.Context, callerID, businessID string) ([]models.EntryView, error) {
	if callerID == "" {
		return nil, status.ErrUnauthenticated
	}
	var entries []models.WaitlistEntry
	err := s.store.View(ctx, func(r store.Reader) error {
		holder, err := r.Holder(businessID)
		if err != nil {
			return err
		}
		if holder.OwnerID != callerID {
			return fmt.Errorf("business %s: %w", businessID, status.ErrPermissionDenied)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	entries, err = s.store.BusinessEntries(ctx, businessID)
	if err != nil {
		return nil, err
	}

	views := make([]models.EntryView, 0, len(entries))
	err = s.store.View(ctx, func(r store.Reader) error {
		for _, e := range entries {
			v, err := viewOf(r, e)
			if err != nil {
				return err
			}
			views = append(views, v)
		}
		return nil
	})
	return views, err
}

func viewOf(r store.Reader, e models.WaitlistEntry) (models.EntryView, error) {
	e.TokenHash = ""
	view := models.EntryView{WaitlistEntry: e}
	if e.Status != models.EntryWaiting {
		return view, nil
	}
	ahead, err := r.WaitingAhead(e.Partition(), e.CreatedAt)
	if err != nil {
		return models.EntryView{}, err
	}
	view.Position = ahead + 1
	return view, nil
}
