package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"slot-waitlist/internal/status"
	"slot-waitlist/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

var cafesFeatured = models.PartitionKey{Category: "cafes", Plan: models.PlanFeatured}

func waitingEntry(id, business string, created time.Time) models.WaitlistEntry {
	return models.WaitlistEntry{
		ID:         id,
		BusinessID: business,
		Category:   "cafes",
		TargetPlan: models.PlanFeatured,
		Status:     models.EntryWaiting,
		CreatedAt:  created,
	}
}

func put(t *testing.T, s *MemoryStore, entries ...models.WaitlistEntry) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx Txn) error {
		for _, e := range entries {
			if err := tx.PutEntry(e); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestMemoryStore_FIFOOrder(t *testing.T) {
	s := NewMemoryStore()
	put(t, s,
		waitingEntry("c", "b3", t0.Add(2*time.Second)),
		waitingEntry("b", "b2", t0),
		waitingEntry("a", "b1", t0),
	)

	err := s.View(context.Background(), func(r Reader) error {
		oldest, err := r.OldestWaiting(cafesFeatured)
		require.NoError(t, err)
		require.NotNil(t, oldest)
		assert.Equal(t, "a", oldest.ID, "equal timestamps break ties by id")

		ahead, err := r.WaitingAhead(cafesFeatured, t0.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, ahead)

		ahead, err = r.WaitingAhead(cafesFeatured, t0)
		require.NoError(t, err)
		assert.Zero(t, ahead)

		none, err := r.OldestWaiting(models.PartitionKey{Category: "bars", Plan: models.PlanFeatured})
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.Update(context.Background(), func(tx Txn) error {
		require.NoError(t, tx.PutEntry(waitingEntry("a", "b1", t0)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(context.Background(), func(r Reader) error {
		_, err := r.Entry("a")
		return err
	})
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestMemoryStore_PanicReleasesLock(t *testing.T) {
	s := NewMemoryStore()

	assert.Panics(t, func() {
		_ = s.Update(context.Background(), func(tx Txn) error {
			require.NoError(t, tx.PutEntry(waitingEntry("a", "b1", t0)))
			panic("callback bug")
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- s.Update(context.Background(), func(tx Txn) error {
			_, err := tx.Entry("a")
			assert.ErrorIs(t, err, status.ErrNotFound, "panicked writes are discarded")
			return tx.PutEntry(waitingEntry("b", "b2", t0))
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("store still locked after a panicking update")
	}
}

func TestMemoryStore_ViewIsReadOnly(t *testing.T) {
	s := NewMemoryStore()
	err := s.View(context.Background(), func(r Reader) error {
		return r.(Txn).PutEntry(waitingEntry("a", "b1", t0))
	})
	assert.Error(t, err)
}

func TestMemoryStore_OpenEntryAndOffers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	e := waitingEntry("a", "b1", t0)
	put(t, s, e)

	exp := t0.Add(48 * time.Hour)
	e.Status = models.EntryNotified
	e.NotifiedAt = &t0
	e.ExpiresAt = &exp
	put(t, s, e)

	require.NoError(t, s.View(ctx, func(r Reader) error {
		id, err := r.OpenEntryID("b1", cafesFeatured)
		require.NoError(t, err)
		assert.Equal(t, "a", id)

		offered, err := r.OfferedCount(cafesFeatured)
		require.NoError(t, err)
		assert.Equal(t, 1, offered)
		return nil
	}))
	assert.Equal(t, []string{"a"}, s.Offers())

	due, err := s.DueOffers(ctx, exp)
	require.NoError(t, err)
	assert.Empty(t, due, "expiry must be strictly before now")

	due, err = s.DueOffers(ctx, exp.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, due)

	depth, err := s.Depth(ctx, cafesFeatured)
	require.NoError(t, err)
	assert.Equal(t, Depth{Offered: 1}, depth)

	e.Status = models.EntryExpired
	put(t, s, e)
	require.NoError(t, s.View(ctx, func(r Reader) error {
		id, err := r.OpenEntryID("b1", cafesFeatured)
		require.NoError(t, err)
		assert.Empty(t, id)
		return nil
	}))
}

func TestMemoryStore_PlanChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	h := models.SlotHolder{ID: "h1", OwnerID: "o1", Category: "cafes", Zone: "north", Plan: models.PlanFeatured, Active: true}

	write := func(h models.SlotHolder) {
		require.NoError(t, s.Update(ctx, func(tx Txn) error { return tx.PutHolder(h) }))
	}
	write(h)

	h.Contact = "new@example.com"
	write(h)

	h.Plan = models.PlanFree
	write(h)

	h.Active = false
	write(h)

	consumeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	var got []models.PlanChange
	require.NoError(t, s.Consume(consumeCtx, func(_ context.Context, c models.PlanChange) error {
		got = append(got, c)
		return nil
	}))

	require.Len(t, got, 2, "creation and contact edits emit nothing")
	assert.Equal(t, models.PlanFeatured, got[0].OldPlan)
	assert.Equal(t, models.PlanFree, got[0].NewPlan)
	assert.True(t, got[0].Downgrade())
	assert.Equal(t, "north", got[0].Zone)
	assert.NotEmpty(t, got[0].EventID)
	assert.True(t, got[1].Deactivated)

	require.NoError(t, s.View(ctx, func(r Reader) error {
		holders, err := r.PartitionHolders("cafes", models.PlanFree)
		require.NoError(t, err)
		assert.Len(t, holders, 1)
		return nil
	}))
}

func TestMemoryStore_PartitionsAndBusinessEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sponsor := waitingEntry("s", "b1", t0.Add(time.Minute))
	sponsor.TargetPlan = models.PlanSponsor
	put(t, s, waitingEntry("f", "b1", t0), sponsor, waitingEntry("g", "b2", t0))

	parts, err := s.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.PartitionKey{cafesFeatured, {Category: "cafes", Plan: models.PlanSponsor}}, parts)

	entries, err := s.BusinessEntries(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "f", entries[0].ID)
	assert.Equal(t, "s", entries[1].ID)

	entries, err = s.BusinessEntries(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPlanChangeFor(t *testing.T) {
	h := models.SlotHolder{ID: "h", Category: "cafes", Plan: models.PlanSponsor, Active: true}

	assert.Nil(t, planChangeFor(nil, h))
	assert.Nil(t, planChangeFor(&h, h))

	reactivated := h
	inactive := h
	inactive.Active = false
	assert.Nil(t, planChangeFor(&inactive, reactivated), "reactivation is not a release")

	moved := h
	moved.Plan = models.PlanFeatured
	c := planChangeFor(&h, moved)
	require.NotNil(t, c)
	assert.Equal(t, models.PlanSponsor, c.OldPlan)
	assert.Equal(t, models.PlanFeatured, c.NewPlan)
	assert.False(t, c.Deactivated)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	unlock, ok, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	_, ok, err = l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
