package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"slot-waitlist/internal/services"
	"slot-waitlist/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
)

const businessesCollection = "businesses"

// RecordSync mirrors PocketBase business records into the waitlist store.
type RecordSync struct {
	app   core.App
	plans *services.PlanService
}

func NewRecordSync(app core.App, plans *services.PlanService) *RecordSync {
	return &RecordSync{app: app, plans: plans}
}

// SyncAll upserts every business record. It runs once at startup so writes
// made while the service was down are picked up.
func (s *RecordSync) SyncAll(ctx context.Context) (int, error) {
	var rows []dbx.NullStringMap
	if err := s.app.DB().NewQuery(
		"SELECT id, owner, contact, category, zone, specialty, plan, active, updated FROM " + businessesCollection,
	).WithContext(ctx).All(&rows); err != nil {
		return 0, fmt.Errorf("fetch businesses: %w", err)
	}

	synced := 0
	for _, row := range rows {
		holder := holderFromRow(row)
		if err := s.plans.SyncHolder(ctx, holder); err != nil {
			slog.Error("business sync failed", "business_id", holder.ID, "error", err)
			continue
		}
		synced++
	}
	slog.Info("synced businesses to waitlist store", "count", synced, "total", len(rows))
	return synced, nil
}

// BindHooks keeps the store current as business records change. Sync errors
// are logged and never fail the record write.
func (s *RecordSync) BindHooks() {
	upsert := func(e *core.RecordEvent) error {
		holder := holderFromRecord(e.Record)
		if err := s.plans.SyncHolder(e.Context, holder); err != nil {
			slog.Error("business sync failed", "business_id", holder.ID, "error", err)
		}
		return e.Next()
	}
	s.app.OnRecordAfterCreateSuccess(businessesCollection).BindFunc(upsert)
	s.app.OnRecordAfterUpdateSuccess(businessesCollection).BindFunc(upsert)

	s.app.OnRecordAfterDeleteSuccess(businessesCollection).BindFunc(func(e *core.RecordEvent) error {
		if err := s.plans.RemoveHolder(e.Context, e.Record.Id); err != nil {
			slog.Error("business removal failed", "business_id", e.Record.Id, "error", err)
		}
		return e.Next()
	})
}

func holderFromRecord(r *core.Record) models.SlotHolder {
	return models.SlotHolder{
		ID:        r.Id,
		OwnerID:   r.GetString("owner"),
		Contact:   r.GetString("contact"),
		Category:  r.GetString("category"),
		Zone:      r.GetString("zone"),
		Specialty: r.GetString("specialty"),
		Plan:      models.PlanTier(r.GetString("plan")),
		Active:    r.GetBool("active"),
		UpdatedAt: r.GetDateTime("updated").Time(),
	}
}

func holderFromRow(row dbx.NullStringMap) models.SlotHolder {
	active, _ := strconv.ParseBool(row["active"].String)
	holder := models.SlotHolder{
		ID:        row["id"].String,
		OwnerID:   row["owner"].String,
		Contact:   row["contact"].String,
		Category:  row["category"].String,
		Zone:      row["zone"].String,
		Specialty: row["specialty"].String,
		Plan:      models.PlanTier(row["plan"].String),
		Active:    active,
	}
	if updated, err := types.ParseDateTime(row["updated"].String); err == nil {
		holder.UpdatedAt = updated.Time()
	}
	return holder
}

// RecordMirror writes confirmed plan changes back to the business record.
type RecordMirror struct {
	app core.App
}

func NewRecordMirror(app core.App) *RecordMirror {
	return &RecordMirror{app: app}
}

func (m *RecordMirror) MirrorPlan(ctx context.Context, holder models.SlotHolder) error {
	record, err := m.app.FindRecordById(businessesCollection, holder.ID)
	if err != nil {
		return fmt.Errorf("find business %s: %w", holder.ID, err)
	}
	if record.GetString("plan") == string(holder.Plan) {
		return nil
	}
	record.Set("plan", string(holder.Plan))
	return m.app.SaveWithContext(ctx, record)
}
