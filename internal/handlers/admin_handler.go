package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"slot-waitlist/internal/services"
	"slot-waitlist/internal/status"
	"slot-waitlist/internal/store"
	"slot-waitlist/models"

	"github.com/pocketbase/pocketbase/core"
)

type AdminHandler struct {
	store    store.Store
	waitlist *services.WaitlistService
	sweep    *services.SweepJob
}

func NewAdminHandler(st store.Store, waitlist *services.WaitlistService, sweep *services.SweepJob) *AdminHandler {
	return &AdminHandler{
		store:    st,
		waitlist: waitlist,
		sweep:    sweep,
	}
}

type partitionDepth struct {
	Partition models.PartitionKey `json:"partition"`
	store.Depth
}

// GetWaitlistDashboard - GET /api/v1/admin/waitlist-dashboard
func (h *AdminHandler) GetWaitlistDashboard(e *core.RequestEvent) error {
	ctx := e.Request.Context()

	keys, err := h.store.Partitions(ctx)
	if err != nil {
		return respondError(e, err)
	}

	dashboard := make([]partitionDepth, 0, len(keys))
	totals := store.Depth{}
	for _, key := range keys {
		d, err := h.store.Depth(ctx, key)
		if err != nil {
			slog.Warn("dashboard depth failed", "partition", key.String(), "error", err)
			continue
		}
		totals.Waiting += d.Waiting
		totals.Offered += d.Offered
		dashboard = append(dashboard, partitionDepth{Partition: key, Depth: d})
	}
	return e.JSON(http.StatusOK, map[string]any{
		"partitions": dashboard,
		"total":      totals,
	})
}

// RunSweep - POST /api/v1/admin/sweep
func (h *AdminHandler) RunSweep(e *core.RequestEvent) error {
	report, err := h.sweep.RunOnce(e.Request.Context())
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, report)
}

type forceNotifyRequest struct {
	Partition string `json:"partition"`
}

// ForceNotify - POST /api/v1/admin/notify
// Moves a partition's line forward without waiting for a release or a sweep.
func (h *AdminHandler) ForceNotify(e *core.RequestEvent) error {
	var req forceNotifyRequest
	if err := e.BindBody(&req); err != nil {
		return respondInvalid(e, err)
	}
	key, err := models.ParsePartitionKey(req.Partition)
	if err != nil {
		return respondError(e, fmt.Errorf("%v: %w", err, status.ErrInvalidArgument))
	}

	slog.Info("admin forcing notify", "admin_id", callerID(e), "partition", key.String())

	entry, err := h.waitlist.Notify(e.Request.Context(), key)
	if err != nil {
		return respondError(e, err)
	}
	if entry == nil {
		return e.JSON(http.StatusOK, map[string]any{"notified": false})
	}
	entry.TokenHash = ""
	return e.JSON(http.StatusOK, map[string]any{"notified": true, "entry": entry})
}
