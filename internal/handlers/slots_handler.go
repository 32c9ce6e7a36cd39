package handlers

import (
	"fmt"
	"net/http"

	"slot-waitlist/internal/services"
	"slot-waitlist/internal/status"
	"slot-waitlist/models"

	"github.com/pocketbase/pocketbase/core"
)

type SlotsHandler struct {
	admission *services.AdmissionEvaluator
}

func NewSlotsHandler(admission *services.AdmissionEvaluator) *SlotsHandler {
	return &SlotsHandler{admission: admission}
}

type admissionResponse struct {
	models.Admission
	Urgency models.Urgency `json:"urgency"`
}

// GetAdmission - GET /api/v1/slots/admission?category=&plan=&zone=&specialty=
func (h *SlotsHandler) GetAdmission(e *core.RequestEvent) error {
	q := e.Request.URL.Query()
	category := q.Get("category")
	if category == "" {
		return respondError(e, fmt.Errorf("category is required: %w", status.ErrInvalidArgument))
	}
	plan, err := models.ParsePlanTier(q.Get("plan"))
	if err != nil {
		return respondError(e, fmt.Errorf("%v: %w", err, status.ErrInvalidArgument))
	}

	adm, err := h.admission.CanAdmit(e.Request.Context(), models.PartitionKey{
		Category:  category,
		Plan:      plan,
		Zone:      q.Get("zone"),
		Specialty: q.Get("specialty"),
	})
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, admissionResponse{
		Admission: adm,
		Urgency:   services.ClassifyUrgency(adm.SlotsLeft),
	})
}

// GetCompetition - GET /api/v1/slots/competition?category=
func (h *SlotsHandler) GetCompetition(e *core.RequestEvent) error {
	report, err := h.admission.CompetitionLevel(e.Request.Context(), e.Request.URL.Query().Get("category"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, report)
}
