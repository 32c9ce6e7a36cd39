package monitoring

import (
	"context"
	"testing"
	"time"

	"slot-waitlist/internal/store"
	"slot-waitlist/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_CollectDepth(t *testing.T) {
	st := store.NewMemoryStore()
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.Update(context.Background(), func(tx store.Txn) error {
		for _, id := range []string{"e1", "e2"} {
			if err := tx.PutEntry(models.WaitlistEntry{
				ID:         id,
				BusinessID: "biz-" + id,
				Category:   "metrics-cafes",
				TargetPlan: models.PlanFeatured,
				Status:     models.EntryWaiting,
				CreatedAt:  created,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	NewMonitor(st, time.Minute).collectDepth(context.Background())

	waiting := waitlistDepth.WithLabelValues("metrics-cafes", "featured", "", "", "waiting")
	offered := waitlistDepth.WithLabelValues("metrics-cafes", "featured", "", "", "offered")
	assert.Equal(t, 2.0, testutil.ToFloat64(waiting))
	assert.Equal(t, 0.0, testutil.ToFloat64(offered))
}

func TestMonitor_TrackIsNilSafe(t *testing.T) {
	var m *Monitor

	before := testutil.ToFloat64(sweepRuns.WithLabelValues("success"))
	expiredBefore := testutil.ToFloat64(sweepExpired)

	m.TrackSweep(time.Second, 3, "success")
	m.TrackDispatch("sent")
	m.TrackAdmission(models.PlanFeatured, true)
	m.TrackOperation("enqueue", "cafes", "ok")

	assert.Equal(t, before+1, testutil.ToFloat64(sweepRuns.WithLabelValues("success")))
	assert.Equal(t, expiredBefore+3, testutil.ToFloat64(sweepExpired))
}
