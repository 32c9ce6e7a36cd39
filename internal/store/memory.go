package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"slot-waitlist/internal/status"
	"slot-waitlist/models"
)

// MemoryStore is a process-local Store. Update holds one lock for the whole
// callback, so transactions are serialized rather than retried.
type MemoryStore struct {
	mu      sync.Mutex
	holders map[string]models.SlotHolder
	entries map[string]models.WaitlistEntry
	offers  []string
	changes chan models.PlanChange
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holders: make(map[string]models.SlotHolder),
		entries: make(map[string]models.WaitlistEntry),
		changes: make(chan models.PlanChange, 1024),
	}
}

func (s *MemoryStore) View(_ context.Context, fn func(Reader) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTxn{s: s})
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	changes, err := s.commit(fn)
	if err != nil {
		return err
	}
	for _, c := range changes {
		select {
		case s.changes <- c:
		default:
			slog.Warn("memory store: plan change buffer full, dropping", "event_id", c.EventID)
		}
	}
	return nil
}

// commit runs fn under the lock and applies its writes. The lock is released
// even if fn panics.
func (s *MemoryStore) commit(fn func(Txn) error) ([]models.PlanChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &memTxn{s: s, writable: true}
	if err := fn(t); err != nil {
		return nil, err
	}
	return t.apply(), nil
}

func (s *MemoryStore) DueOffers(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.WaitlistEntry
	for _, e := range s.entries {
		if e.Status == models.EntryNotified && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(*due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(*due[j].ExpiresAt)
		}
		return due[i].ID < due[j].ID
	})
	ids := make([]string, len(due))
	for i, e := range due {
		ids[i] = e.ID
	}
	return ids, nil
}

func (s *MemoryStore) Partitions(_ context.Context) ([]models.PartitionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[models.PartitionKey]bool)
	var keys []models.PartitionKey
	for _, e := range s.entries {
		k := e.Partition()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *MemoryStore) Depth(_ context.Context, key models.PartitionKey) (Depth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d Depth
	for _, e := range s.entries {
		if e.Partition() != key {
			continue
		}
		switch e.Status {
		case models.EntryWaiting:
			d.Waiting++
		case models.EntryNotified:
			d.Offered++
		}
	}
	return d, nil
}

func (s *MemoryStore) BusinessEntries(_ context.Context, businessID string) ([]models.WaitlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := []models.WaitlistEntry{}
	for _, e := range s.entries {
		if e.BusinessID == businessID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Offers returns the ids of entries that were offered a slot, in order.
func (s *MemoryStore) Offers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.offers...)
}

func (s *MemoryStore) Consume(ctx context.Context, handle func(context.Context, models.PlanChange) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-s.changes:
			if err := handle(ctx, c); err != nil {
				slog.Error("plan change handler failed", "event_id", c.EventID, "error", err)
			}
		}
	}
}

type memTxn struct {
	s        *MemoryStore
	writable bool
	holders  []models.SlotHolder
	entries  []models.WaitlistEntry
}

func (t *memTxn) Holder(id string) (models.SlotHolder, error) {
	h, ok := t.s.holders[id]
	if !ok {
		return models.SlotHolder{}, fmt.Errorf("holder %s: %w", id, status.ErrNotFound)
	}
	return h, nil
}

func (t *memTxn) PartitionHolders(category string, plan models.PlanTier) ([]models.SlotHolder, error) {
	var out []models.SlotHolder
	for _, h := range t.s.holders {
		if h.Category == category && h.Plan == plan {
			out = append(out, h)
		}
	}
	return out, nil
}

func (t *memTxn) Entry(id string) (models.WaitlistEntry, error) {
	e, ok := t.s.entries[id]
	if !ok {
		return models.WaitlistEntry{}, fmt.Errorf("entry %s: %w", id, status.ErrNotFound)
	}
	return e, nil
}

func (t *memTxn) OldestWaiting(key models.PartitionKey) (*models.WaitlistEntry, error) {
	var oldest *models.WaitlistEntry
	for _, e := range t.s.entries {
		if e.Status != models.EntryWaiting || e.Partition() != key {
			continue
		}
		if oldest == nil || fifoLess(e, *oldest) {
			c := e
			oldest = &c
		}
	}
	return oldest, nil
}

// fifoLess mirrors the sorted-set order of the Redis store: millisecond
// score first, then id.
func fifoLess(a, b models.WaitlistEntry) bool {
	am, bm := a.CreatedAt.UnixMilli(), b.CreatedAt.UnixMilli()
	if am != bm {
		return am < bm
	}
	return a.ID < b.ID
}

func (t *memTxn) WaitingAhead(key models.PartitionKey, createdAt time.Time) (int, error) {
	n := 0
	for _, e := range t.s.entries {
		if e.Status == models.EntryWaiting && e.Partition() == key && e.CreatedAt.UnixMilli() < createdAt.UnixMilli() {
			n++
		}
	}
	return n, nil
}

func (t *memTxn) OfferedCount(key models.PartitionKey) (int, error) {
	n := 0
	for _, e := range t.s.entries {
		if e.Status == models.EntryNotified && e.Partition() == key {
			n++
		}
	}
	return n, nil
}

func (t *memTxn) OpenEntryID(businessID string, key models.PartitionKey) (string, error) {
	for _, e := range t.s.entries {
		if e.BusinessID == businessID && e.Partition() == key && e.Status.Open() {
			return e.ID, nil
		}
	}
	return "", nil
}

func (t *memTxn) PutHolder(h models.SlotHolder) error {
	if !t.writable {
		return errors.New("store: write in read-only view")
	}
	t.holders = append(t.holders, h)
	return nil
}

func (t *memTxn) PutEntry(e models.WaitlistEntry) error {
	if !t.writable {
		return errors.New("store: write in read-only view")
	}
	t.entries = append(t.entries, e)
	return nil
}

func (t *memTxn) apply() []models.PlanChange {
	var changes []models.PlanChange
	for _, h := range t.holders {
		var old *models.SlotHolder
		if prev, ok := t.s.holders[h.ID]; ok {
			old = &prev
		}
		if c := planChangeFor(old, h); c != nil {
			changes = append(changes, *c)
		}
		t.s.holders[h.ID] = h
	}
	for _, e := range t.entries {
		if prev, ok := t.s.entries[e.ID]; ok && prev.Status == models.EntryWaiting && e.Status == models.EntryNotified {
			t.s.offers = append(t.s.offers, e.ID)
		}
		t.s.entries[e.ID] = e
	}
	return changes
}
