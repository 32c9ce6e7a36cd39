package monitoring

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"slot-waitlist/internal/store"
	"slot-waitlist/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	waitlistDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waitlist_depth_total",
			Help: "Current waitlist entries per partition and state",
		},
		[]string{"category", "plan", "zone", "specialty", "state"},
	)

	waitlistOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_operations_total",
			Help: "Total waitlist operations",
		},
		[]string{"operation", "category", "result"},
	)

	admissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_checks_total",
			Help: "Admission decisions by plan and outcome",
		},
		[]string{"plan", "allowed"},
	)

	offerDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offer_dispatch_total",
			Help: "Slot offer notifications handed to the dispatcher",
		},
		[]string{"status"},
	)

	sweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_sweep_runs_total",
			Help: "Sweep job executions",
		},
		[]string{"result"},
	)

	sweepExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_sweep_expired_total",
			Help: "Offers expired by the sweep job",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waitlist_sweep_duration_seconds",
			Help:    "Duration of sweep runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

// Monitor samples store gauges on an interval. The Track methods only touch
// package collectors, so they are safe on a nil *Monitor.
type Monitor struct {
	store    store.Store
	interval time.Duration
}

func NewMonitor(st store.Store, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{store: st, interval: interval}
}

// Run collects until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collectDepth(ctx)
	for {
		select {
		case <-ticker.C:
			m.collectDepth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) collectDepth(ctx context.Context) {
	partitions, err := m.store.Partitions(ctx)
	if err != nil {
		slog.Warn("metrics: list partitions", "error", err)
		return
	}
	for _, key := range partitions {
		depth, err := m.store.Depth(ctx, key)
		if err != nil {
			slog.Warn("metrics: partition depth", "partition", key.String(), "error", err)
			continue
		}
		waitlistDepth.WithLabelValues(key.Category, string(key.Plan), key.Zone, key.Specialty, "waiting").Set(float64(depth.Waiting))
		waitlistDepth.WithLabelValues(key.Category, string(key.Plan), key.Zone, key.Specialty, "offered").Set(float64(depth.Offered))
	}
}

func (m *Monitor) TrackOperation(operation, category, result string) {
	waitlistOperations.WithLabelValues(operation, category, result).Inc()
}

func (m *Monitor) TrackAdmission(plan models.PlanTier, allowed bool) {
	admissionChecks.WithLabelValues(string(plan), strconv.FormatBool(allowed)).Inc()
}

func (m *Monitor) TrackDispatch(status string) {
	offerDispatches.WithLabelValues(status).Inc()
}

func (m *Monitor) TrackSweep(duration time.Duration, expired int, result string) {
	sweepRuns.WithLabelValues(result).Inc()
	sweepExpired.Add(float64(expired))
	sweepDuration.Observe(duration.Seconds())
}
