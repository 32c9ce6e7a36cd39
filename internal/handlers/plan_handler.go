package handlers

import (
	"net/http"

	"slot-waitlist/internal/services"
	"slot-waitlist/models"

	"github.com/go-playground/validator/v10"
	"github.com/pocketbase/pocketbase/core"
)

type PlanHandler struct {
	plans    *services.PlanService
	validate *validator.Validate
}

func NewPlanHandler(plans *services.PlanService) *PlanHandler {
	return &PlanHandler{plans: plans, validate: validator.New()}
}

type planRequest struct {
	TargetPlan string `json:"target_plan" validate:"required,oneof=free featured sponsor"`
	Zone       string `json:"zone"`
	Specialty  string `json:"specialty"`
}

// RequestPlanChange - POST /api/v1/businesses/{businessId}/plan
// Responds 200 when the plan was changed and 202 when the business was queued.
func (h *PlanHandler) RequestPlanChange(e *core.RequestEvent) error {
	var req planRequest
	if err := e.BindBody(&req); err != nil {
		return respondInvalid(e, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return respondInvalid(e, err)
	}

	res, err := h.plans.RequestPlanChange(e.Request.Context(), services.PlanChangeInput{
		CallerID:   callerID(e),
		BusinessID: e.Request.PathValue("businessId"),
		TargetPlan: models.PlanTier(req.TargetPlan),
		Zone:       req.Zone,
		Specialty:  req.Specialty,
	})
	if err != nil {
		return respondError(e, err)
	}
	if res.Queued != nil {
		return e.JSON(http.StatusAccepted, res)
	}
	return e.JSON(http.StatusOK, res)
}
