package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"slot-waitlist/internal/clock"
	"slot-waitlist/internal/store"
	"slot-waitlist/models"
	"slot-waitlist/monitoring"
)

const (
	DefaultSweepInterval = 6 * time.Hour
	sweepLockName        = "lock:waitlist:sweep"
)

type SweepReport struct {
	Skipped  bool          `json:"skipped"`
	Due      int           `json:"due"`
	Expired  int           `json:"expired"`
	Notified int           `json:"notified"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// SweepJob expires lapsed offers and moves each affected line forward.
type SweepJob struct {
	store    store.Store
	waitlist *WaitlistService
	locker   store.Locker
	clock    clock.Clock
	monitor  *monitoring.Monitor
	interval time.Duration
	lockTTL  time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSweepJob(st store.Store, waitlist *WaitlistService, locker store.Locker, interval, lockTTL time.Duration) *SweepJob {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &SweepJob{
		store:    st,
		waitlist: waitlist,
		locker:   locker,
		clock:    waitlist.clock,
		monitor:  waitlist.monitor,
		interval: interval,
		lockTTL:  lockTTL,
		stopChan: make(chan struct{}),
	}
}

// RunOnce performs a single sweep. Another replica holding the lock makes
// this a skipped no-op.
func (j *SweepJob) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	unlock, ok, err := j.locker.TryLock(ctx, sweepLockName, j.lockTTL)
	if err != nil {
		j.monitor.TrackSweep(0, 0, "error")
		return report, fmt.Errorf("sweep lock: %w", err)
	}
	if !ok {
		report.Skipped = true
		j.monitor.TrackSweep(0, 0, "skipped")
		slog.Info("sweep skipped, lock held elsewhere")
		return report, nil
	}
	defer unlock()

	start := time.Now()
	due, err := j.store.DueOffers(ctx, j.clock.Now())
	if err != nil {
		j.monitor.TrackSweep(time.Since(start), 0, "error")
		return report, fmt.Errorf("list due offers: %w", err)
	}
	report.Due = len(due)

	var touched []models.PartitionKey
	seen := make(map[models.PartitionKey]bool)
	for _, id := range due {
		entry, expired, err := j.waitlist.Expire(ctx, id)
		if err != nil {
			report.Failed++
			slog.Error("sweep: expire failed", "entry_id", id, "error", err)
			continue
		}
		if !expired {
			continue
		}
		report.Expired++
		if key := entry.Partition(); !seen[key] {
			seen[key] = true
			touched = append(touched, key)
		}
	}

	// Partitions whose release event was lost still get a chance to advance.
	partitions, err := j.store.Partitions(ctx)
	if err != nil {
		report.Failed++
		slog.Error("sweep: list partitions failed", "error", err)
	}
	for _, key := range partitions {
		if !seen[key] {
			seen[key] = true
			touched = append(touched, key)
		}
	}

	for _, key := range touched {
		entry, err := j.waitlist.Notify(ctx, key)
		if err != nil {
			report.Failed++
			slog.Error("sweep: notify failed", "partition", key.String(), "error", err)
			continue
		}
		if entry != nil {
			report.Notified++
		}
	}

	report.Duration = time.Since(start)
	result := "success"
	if report.Failed > 0 {
		result = "partial"
	}
	j.monitor.TrackSweep(report.Duration, report.Expired, result)
	slog.Info("sweep finished",
		"due", report.Due,
		"expired", report.Expired,
		"notified", report.Notified,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, nil
}

// Start runs the sweep on its interval until Stop is called or ctx ends.
func (j *SweepJob) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.loop(ctx)
}

func (j *SweepJob) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("sweep scheduler started", "interval", j.interval)
	for {
		select {
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		case <-j.stopChan:
			slog.Info("sweep scheduler stopping")
			return
		case <-ctx.Done():
			slog.Info("sweep scheduler stopping")
			return
		}
	}
}

func (j *SweepJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
	j.wg.Wait()
}
