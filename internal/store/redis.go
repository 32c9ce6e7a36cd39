package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"slot-waitlist/internal/status"
	"slot-waitlist/models"

	"github.com/redis/go-redis/v9"
)

const defaultMaxRetries = 10

// RedisStore keeps holders and entries as JSON documents with set and
// sorted-set indexes maintained in the same MULTI/EXEC as the documents.
type RedisStore struct {
	rdb        *redis.Client
	maxRetries int
}

type RedisOption func(*RedisStore)

// WithMaxRetries bounds how many times Update re-runs after a WATCH conflict.
func WithMaxRetries(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) View(ctx context.Context, fn func(Reader) error) error {
	return fn(newRedisTxn(ctx, s.rdb, nil))
}

func (s *RedisStore) Update(ctx context.Context, fn func(Txn) error) error {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			t := newRedisTxn(ctx, tx, tx)
			if err := fn(t); err != nil {
				return err
			}
			if !t.dirty() {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return t.flush(pipe)
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("store: watch conflict, retrying", "attempt", attempt)
			continue
		}
		return err
	}
	return status.ErrTxConflict
}

func (s *RedisStore) DueOffers(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, notifiedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: due offers: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Partitions(ctx context.Context) ([]models.PartitionKey, error) {
	members, err := s.rdb.SMembers(ctx, partitionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: partitions: %w", err)
	}
	keys := make([]models.PartitionKey, 0, len(members))
	for _, m := range members {
		key, err := models.ParsePartitionKey(m)
		if err != nil {
			slog.Warn("store: skipping malformed partition", "partition", m, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *RedisStore) Depth(ctx context.Context, key models.PartitionKey) (Depth, error) {
	waiting, err := s.rdb.ZCard(ctx, waitingKey(key)).Result()
	if err != nil {
		return Depth{}, fmt.Errorf("store: waiting depth: %w", err)
	}
	offered, err := s.rdb.SCard(ctx, offeredKey(key)).Result()
	if err != nil {
		return Depth{}, fmt.Errorf("store: offered depth: %w", err)
	}
	return Depth{Waiting: int(waiting), Offered: int(offered)}, nil
}

func (s *RedisStore) BusinessEntries(ctx context.Context, businessID string) ([]models.WaitlistEntry, error) {
	ids, err := s.rdb.SMembers(ctx, businessKey(businessID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: business entries: %w", err)
	}
	if len(ids) == 0 {
		return []models.WaitlistEntry{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: business entries: %w", err)
	}
	entries := make([]models.WaitlistEntry, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e models.WaitlistEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("store: decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
