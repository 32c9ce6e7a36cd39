package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"slot-waitlist/internal/status"
	"slot-waitlist/models"

	"github.com/redis/go-redis/v9"
)

const (
	planChangeStreamLen = 100000
	offersStreamLen     = 10000
)

type holderWrite struct {
	old  *models.SlotHolder
	next models.SlotHolder
}

type entryWrite struct {
	old  *models.WaitlistEntry
	next models.WaitlistEntry
}

// redisTxn watches every key right before reading it, so any concurrent
// change to data the decision depends on aborts the EXEC.
type redisTxn struct {
	ctx context.Context
	rdb redis.Cmdable
	tx  *redis.Tx // nil for read-only views

	holders map[string]*models.SlotHolder
	entries map[string]*models.WaitlistEntry

	holderWrites []holderWrite
	entryWrites  []entryWrite
}

func newRedisTxn(ctx context.Context, rdb redis.Cmdable, tx *redis.Tx) *redisTxn {
	return &redisTxn{
		ctx:     ctx,
		rdb:     rdb,
		tx:      tx,
		holders: make(map[string]*models.SlotHolder),
		entries: make(map[string]*models.WaitlistEntry),
	}
}

func (t *redisTxn) watch(keys ...string) error {
	if t.tx == nil || len(keys) == 0 {
		return nil
	}
	return t.tx.Watch(t.ctx, keys...).Err()
}

func (t *redisTxn) dirty() bool {
	return len(t.holderWrites) > 0 || len(t.entryWrites) > 0
}

func (t *redisTxn) Holder(id string) (models.SlotHolder, error) {
	if h, ok := t.holders[id]; ok {
		if h == nil {
			return models.SlotHolder{}, fmt.Errorf("holder %s: %w", id, status.ErrNotFound)
		}
		return *h, nil
	}
	key := holderKey(id)
	if err := t.watch(key); err != nil {
		return models.SlotHolder{}, err
	}
	raw, err := t.rdb.Get(t.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		t.holders[id] = nil
		return models.SlotHolder{}, fmt.Errorf("holder %s: %w", id, status.ErrNotFound)
	}
	if err != nil {
		return models.SlotHolder{}, fmt.Errorf("store: get holder %s: %w", id, err)
	}
	var h models.SlotHolder
	if err := json.Unmarshal(raw, &h); err != nil {
		return models.SlotHolder{}, fmt.Errorf("store: decode holder %s: %w", id, err)
	}
	t.holders[id] = &h
	return h, nil
}

func (t *redisTxn) PartitionHolders(category string, plan models.PlanTier) ([]models.SlotHolder, error) {
	idx := holderIndexKey(category, plan)
	if err := t.watch(idx); err != nil {
		return nil, err
	}
	ids, err := t.rdb.SMembers(t.ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("store: holder index %s: %w", idx, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = holderKey(id)
	}
	if err := t.watch(keys...); err != nil {
		return nil, err
	}
	vals, err := t.rdb.MGet(t.ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load holders: %w", err)
	}
	holders := make([]models.SlotHolder, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var h models.SlotHolder
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("store: decode holder: %w", err)
		}
		cached := h
		t.holders[h.ID] = &cached
		holders = append(holders, h)
	}
	return holders, nil
}

func (t *redisTxn) Entry(id string) (models.WaitlistEntry, error) {
	if e, ok := t.entries[id]; ok {
		if e == nil {
			return models.WaitlistEntry{}, fmt.Errorf("entry %s: %w", id, status.ErrNotFound)
		}
		return *e, nil
	}
	key := entryKey(id)
	if err := t.watch(key); err != nil {
		return models.WaitlistEntry{}, err
	}
	raw, err := t.rdb.Get(t.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		t.entries[id] = nil
		return models.WaitlistEntry{}, fmt.Errorf("entry %s: %w", id, status.ErrNotFound)
	}
	if err != nil {
		return models.WaitlistEntry{}, fmt.Errorf("store: get entry %s: %w", id, err)
	}
	var e models.WaitlistEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.WaitlistEntry{}, fmt.Errorf("store: decode entry %s: %w", id, err)
	}
	t.entries[id] = &e
	return e, nil
}

func (t *redisTxn) OldestWaiting(key models.PartitionKey) (*models.WaitlistEntry, error) {
	wk := waitingKey(key)
	if err := t.watch(wk); err != nil {
		return nil, err
	}
	// Equal scores are ordered by member, which is the entry id.
	ids, err := t.rdb.ZRange(t.ctx, wk, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("store: oldest waiting: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	e, err := t.Entry(ids[0])
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *redisTxn) WaitingAhead(key models.PartitionKey, createdAt time.Time) (int, error) {
	wk := waitingKey(key)
	if err := t.watch(wk); err != nil {
		return 0, err
	}
	n, err := t.rdb.ZCount(t.ctx, wk, "-inf", "("+strconv.FormatInt(createdAt.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: waiting ahead: %w", err)
	}
	return int(n), nil
}

func (t *redisTxn) OfferedCount(key models.PartitionKey) (int, error) {
	ok := offeredKey(key)
	if err := t.watch(ok); err != nil {
		return 0, err
	}
	n, err := t.rdb.SCard(t.ctx, ok).Result()
	if err != nil {
		return 0, fmt.Errorf("store: offered count: %w", err)
	}
	return int(n), nil
}

func (t *redisTxn) OpenEntryID(businessID string, key models.PartitionKey) (string, error) {
	k := openKey(businessID, key)
	if err := t.watch(k); err != nil {
		return "", err
	}
	id, err := t.rdb.Get(t.ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: open entry: %w", err)
	}
	return id, nil
}

func (t *redisTxn) PutHolder(h models.SlotHolder) error {
	if t.tx == nil {
		return errors.New("store: write in read-only view")
	}
	var old *models.SlotHolder
	prev, err := t.Holder(h.ID)
	switch {
	case err == nil:
		old = &prev
	case !errors.Is(err, status.ErrNotFound):
		return err
	}
	t.holderWrites = append(t.holderWrites, holderWrite{old: old, next: h})
	return nil
}

func (t *redisTxn) PutEntry(e models.WaitlistEntry) error {
	if t.tx == nil {
		return errors.New("store: write in read-only view")
	}
	var old *models.WaitlistEntry
	prev, err := t.Entry(e.ID)
	switch {
	case err == nil:
		old = &prev
	case !errors.Is(err, status.ErrNotFound):
		return err
	}
	t.entryWrites = append(t.entryWrites, entryWrite{old: old, next: e})
	return nil
}

func (t *redisTxn) flush(pipe redis.Pipeliner) error {
	for _, w := range t.holderWrites {
		if err := t.flushHolder(pipe, w); err != nil {
			return err
		}
	}
	for _, w := range t.entryWrites {
		if err := t.flushEntry(pipe, w); err != nil {
			return err
		}
	}
	return nil
}

func (t *redisTxn) flushHolder(pipe redis.Pipeliner, w holderWrite) error {
	data, err := json.Marshal(w.next)
	if err != nil {
		return err
	}
	pipe.Set(t.ctx, holderKey(w.next.ID), data, 0)

	newIdx := holderIndexKey(w.next.Category, w.next.Plan)
	if w.old == nil {
		pipe.SAdd(t.ctx, newIdx, w.next.ID)
	} else if oldIdx := holderIndexKey(w.old.Category, w.old.Plan); oldIdx != newIdx {
		pipe.SRem(t.ctx, oldIdx, w.next.ID)
		pipe.SAdd(t.ctx, newIdx, w.next.ID)
	}

	if change := planChangeFor(w.old, w.next); change != nil {
		payload, err := json.Marshal(change)
		if err != nil {
			return err
		}
		pipe.XAdd(t.ctx, &redis.XAddArgs{
			Stream: planChangeStream,
			MaxLen: planChangeStreamLen,
			Approx: true,
			Values: map[string]any{"payload": string(payload)},
		})
	}
	return nil
}

func (t *redisTxn) flushEntry(pipe redis.Pipeliner, w entryWrite) error {
	e := w.next
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe.Set(t.ctx, entryKey(e.ID), data, 0)

	key := e.Partition()
	var oldStatus models.EntryStatus
	if w.old == nil {
		pipe.SAdd(t.ctx, businessKey(e.BusinessID), e.ID)
		pipe.SAdd(t.ctx, partitionsKey, key.String())
	} else {
		oldStatus = w.old.Status
	}
	if oldStatus == e.Status {
		return nil
	}

	switch oldStatus {
	case models.EntryWaiting:
		pipe.ZRem(t.ctx, waitingKey(key), e.ID)
	case models.EntryNotified:
		pipe.SRem(t.ctx, offeredKey(key), e.ID)
		pipe.ZRem(t.ctx, notifiedKey, e.ID)
	}

	switch e.Status {
	case models.EntryWaiting:
		pipe.ZAdd(t.ctx, waitingKey(key), redis.Z{Score: float64(e.CreatedAt.UnixMilli()), Member: e.ID})
	case models.EntryNotified:
		var expiresAt time.Time
		if e.ExpiresAt != nil {
			expiresAt = *e.ExpiresAt
		}
		pipe.SAdd(t.ctx, offeredKey(key), e.ID)
		pipe.ZAdd(t.ctx, notifiedKey, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: e.ID})
		if oldStatus == models.EntryWaiting {
			pipe.XAdd(t.ctx, &redis.XAddArgs{
				Stream: offersStream,
				MaxLen: offersStreamLen,
				Approx: true,
				Values: map[string]any{
					"entry_id":    e.ID,
					"business_id": e.BusinessID,
					"partition":   key.String(),
					"expires_at":  expiresAt.Format(time.RFC3339),
				},
			})
		}
	}

	if e.Status.Open() {
		pipe.Set(t.ctx, openKey(e.BusinessID, key), e.ID, 0)
	} else if oldStatus.Open() {
		pipe.Del(t.ctx, openKey(e.BusinessID, key))
	}
	return nil
}
