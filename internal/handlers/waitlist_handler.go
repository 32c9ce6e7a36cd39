package handlers

import (
	"net/http"

	"slot-waitlist/internal/services"
	"slot-waitlist/models"

	"github.com/go-playground/validator/v10"
	"github.com/pocketbase/pocketbase/core"
)

type WaitlistHandler struct {
	waitlist *services.WaitlistService
	validate *validator.Validate
}

func NewWaitlistHandler(waitlist *services.WaitlistService) *WaitlistHandler {
	return &WaitlistHandler{
		waitlist: waitlist,
		validate: validator.New(),
	}
}

type enqueueRequest struct {
	BusinessID string `json:"business_id" validate:"required"`
	Category   string `json:"category"`
	TargetPlan string `json:"target_plan" validate:"required,oneof=featured sponsor"`
	Zone       string `json:"zone"`
	Specialty  string `json:"specialty"`
}

// Enqueue - POST /api/v1/waitlist
func (h *WaitlistHandler) Enqueue(e *core.RequestEvent) error {
	var req enqueueRequest
	if err := e.BindBody(&req); err != nil {
		return respondInvalid(e, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return respondInvalid(e, err)
	}

	view, err := h.waitlist.Enqueue(e.Request.Context(), services.EnqueueInput{
		CallerID:   callerID(e),
		BusinessID: req.BusinessID,
		Category:   req.Category,
		TargetPlan: models.PlanTier(req.TargetPlan),
		Zone:       req.Zone,
		Specialty:  req.Specialty,
	})
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusCreated, view)
}

// GetEntry - GET /api/v1/waitlist/{entryId}
func (h *WaitlistHandler) GetEntry(e *core.RequestEvent) error {
	view, err := h.waitlist.Entry(e.Request.Context(), callerID(e), e.Request.PathValue("entryId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, view)
}

// ListBusinessEntries - GET /api/v1/businesses/{businessId}/waitlist
func (h *WaitlistHandler) ListBusinessEntries(e *core.RequestEvent) error {
	views, err := h.waitlist.EntriesForBusiness(e.Request.Context(), callerID(e), e.Request.PathValue("businessId"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"entries": views})
}

type confirmRequest struct {
	Token string `json:"token" validate:"omitempty,hexadecimal"`
}

// Confirm - POST /api/v1/waitlist/{entryId}/confirm
func (h *WaitlistHandler) Confirm(e *core.RequestEvent) error {
	var req confirmRequest
	if e.Request.ContentLength != 0 {
		if err := e.BindBody(&req); err != nil {
			return respondInvalid(e, err)
		}
	}
	if err := h.validate.Struct(req); err != nil {
		return respondInvalid(e, err)
	}

	res, err := h.waitlist.Confirm(e.Request.Context(), services.ConfirmInput{
		CallerID: callerID(e),
		EntryID:  e.Request.PathValue("entryId"),
		Token:    req.Token,
	})
	if err != nil {
		return respondError(e, err)
	}
	res.Entry.TokenHash = ""
	return e.JSON(http.StatusOK, res)
}
