package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"slot-waitlist/internal/clock"
	"slot-waitlist/internal/store"
	"slot-waitlist/models"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu     sync.Mutex
	offers []Offer
	err    error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, offer Offer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offers = append(d.offers, offer)
	return d.err
}

func (d *fakeDispatcher) sent() []Offer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Offer(nil), d.offers...)
}

type fakeMirror struct {
	mu      sync.Mutex
	holders []models.SlotHolder
	err     error
}

func (m *fakeMirror) MirrorPlan(_ context.Context, h models.SlotHolder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holders = append(m.holders, h)
	return m.err
}

type fixture struct {
	store      *store.MemoryStore
	clock      *clock.Manual
	counter    *SlotCounter
	admission  *AdmissionEvaluator
	dispatcher *fakeDispatcher
	mirror     *fakeMirror
	waitlist   *WaitlistService
	plans      *PlanService
	trigger    *ReleaseTrigger
	sweep      *SweepJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewManual(baseTime)
	counter := NewSlotCounter(st, models.DefaultCapacityTable())
	admission := NewAdmissionEvaluator(counter, nil)
	dispatcher := &fakeDispatcher{}
	mirror := &fakeMirror{}
	waitlist := NewWaitlistService(st, admission, dispatcher,
		WithClock(clk),
		WithMirror(mirror),
		WithTokenCost(bcrypt.MinCost),
	)
	return &fixture{
		store:      st,
		clock:      clk,
		counter:    counter,
		admission:  admission,
		dispatcher: dispatcher,
		mirror:     mirror,
		waitlist:   waitlist,
		plans:      NewPlanService(st, admission, waitlist),
		trigger:    NewReleaseTrigger(waitlist),
		sweep:      NewSweepJob(st, waitlist, store.NewLocalLocker(), time.Hour, time.Minute),
	}
}

func (f *fixture) putHolder(t *testing.T, h models.SlotHolder) models.SlotHolder {
	t.Helper()
	if h.OwnerID == "" {
		h.OwnerID = "owner-" + h.ID
	}
	if h.Contact == "" {
		h.Contact = h.ID + "@example.com"
	}
	h.UpdatedAt = f.clock.Now()
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Txn) error {
		return tx.PutHolder(h)
	}))
	return h
}

// fillTier adds n active holders on the category's plan.
func (f *fixture) fillTier(t *testing.T, category string, plan models.PlanTier, n int) []models.SlotHolder {
	t.Helper()
	holders := make([]models.SlotHolder, n)
	for i := range holders {
		holders[i] = f.putHolder(t, models.SlotHolder{
			ID:       fmt.Sprintf("%s-%s-%d", category, plan, i),
			Category: category,
			Plan:     plan,
			Active:   true,
		})
	}
	return holders
}

func (f *fixture) freeHolder(t *testing.T, id, category string) models.SlotHolder {
	t.Helper()
	return f.putHolder(t, models.SlotHolder{ID: id, Category: category, Plan: models.PlanFree, Active: true})
}

func (f *fixture) enqueue(t *testing.T, h models.SlotHolder, plan models.PlanTier) models.EntryView {
	t.Helper()
	view, err := f.waitlist.Enqueue(context.Background(), EnqueueInput{
		CallerID:   h.OwnerID,
		BusinessID: h.ID,
		Category:   h.Category,
		TargetPlan: plan,
	})
	require.NoError(t, err)
	return view
}

// downgrade writes the holder to free the way an owner request would.
func (f *fixture) downgrade(t *testing.T, h models.SlotHolder) {
	t.Helper()
	_, err := f.plans.RequestPlanChange(context.Background(), PlanChangeInput{
		CallerID:   h.OwnerID,
		BusinessID: h.ID,
		TargetPlan: models.PlanFree,
	})
	require.NoError(t, err)
}

// deliverChanges runs the release trigger over every buffered plan change.
func (f *fixture) deliverChanges(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, f.trigger.Run(ctx, f.store))
	f.waitlist.WaitDispatches()
}

func (f *fixture) entry(t *testing.T, id string) models.WaitlistEntry {
	t.Helper()
	var e models.WaitlistEntry
	require.NoError(t, f.store.View(context.Background(), func(r store.Reader) error {
		var err error
		e, err = r.Entry(id)
		return err
	}))
	return e
}

func (f *fixture) holder(t *testing.T, id string) models.SlotHolder {
	t.Helper()
	var h models.SlotHolder
	require.NoError(t, f.store.View(context.Background(), func(r store.Reader) error {
		var err error
		h, err = r.Holder(id)
		return err
	}))
	return h
}

// forceNotified moves a waiting entry straight to notified, bypassing the
// one-offer-per-partition rule, to set up races.
func (f *fixture) forceNotified(t *testing.T, id, token string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.store.Update(context.Background(), func(tx store.Txn) error {
		e, err := tx.Entry(id)
		if err != nil {
			return err
		}
		if e.Status != models.EntryWaiting {
			return errors.New("entry not waiting")
		}
		now := f.clock.Now()
		exp := now.Add(DefaultOfferWindow)
		e.Status = models.EntryNotified
		e.NotifiedAt = &now
		e.ExpiresAt = &exp
		e.TokenHash = string(hash)
		return tx.PutEntry(e)
	}))
}
