package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"slot-waitlist/models"

	"github.com/redis/go-redis/v9"
)

// RedisFeed reads plan changes from the holder stream through a consumer
// group. Pending messages left by a crashed consumer are replayed first.
type RedisFeed struct {
	rdb      *redis.Client
	group    string
	consumer string
	block    time.Duration
	attempts int
}

type FeedOption func(*RedisFeed)

func WithConsumer(name string) FeedOption {
	return func(f *RedisFeed) {
		if name != "" {
			f.consumer = name
		}
	}
}

func WithBlock(d time.Duration) FeedOption {
	return func(f *RedisFeed) {
		if d > 0 {
			f.block = d
		}
	}
}

func NewRedisFeed(rdb *redis.Client, group string, opts ...FeedOption) *RedisFeed {
	f := &RedisFeed{
		rdb:      rdb,
		group:    group,
		consumer: "consumer-1",
		block:    5 * time.Second,
		attempts: 3,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *RedisFeed) Consume(ctx context.Context, handle func(context.Context, models.PlanChange) error) error {
	err := f.rdb.XGroupCreateMkStream(ctx, planChangeStream, f.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}

	start := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := f.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    f.group,
			Consumer: f.consumer,
			Streams:  []string{planChangeStream, start},
			Count:    32,
			Block:    f.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("plan change feed read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		delivered := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				delivered++
				f.deliver(ctx, msg, handle)
			}
		}
		if start == "0" && delivered == 0 {
			start = ">"
		}
	}
}

func (f *RedisFeed) deliver(ctx context.Context, msg redis.XMessage, handle func(context.Context, models.PlanChange) error) {
	defer func() {
		if err := f.rdb.XAck(ctx, planChangeStream, f.group, msg.ID).Err(); err != nil {
			slog.Error("plan change ack failed", "message_id", msg.ID, "error", err)
		}
	}()

	raw, _ := msg.Values["payload"].(string)
	var change models.PlanChange
	if err := json.Unmarshal([]byte(raw), &change); err != nil {
		slog.Error("dropping malformed plan change", "message_id", msg.ID, "error", err)
		return
	}

	var err error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		if err = handle(ctx, change); err == nil {
			return
		}
		slog.Warn("plan change handler failed", "event_id", change.EventID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	slog.Error("giving up on plan change", "event_id", change.EventID, "holder_id", change.HolderID, "error", err)
}
