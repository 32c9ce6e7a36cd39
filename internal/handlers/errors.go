package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"slot-waitlist/internal/status"

	"github.com/go-playground/validator/v10"
	"github.com/pocketbase/pocketbase/core"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var statusByCode = map[string]int{
	"unauthenticated":     http.StatusUnauthorized,
	"permission_denied":   http.StatusForbidden,
	"not_found":           http.StatusNotFound,
	"failed_precondition": http.StatusConflict,
	"deadline_exceeded":   http.StatusGone,
	"resource_exhausted":  http.StatusConflict,
	"already_admitted":    http.StatusConflict,
	"already_queued":      http.StatusConflict,
	"invalid_argument":    http.StatusBadRequest,
	"aborted":             http.StatusServiceUnavailable,
}

// respondError writes a service error as {"error", "code"}. Unknown errors
// are logged and reported without detail.
func respondError(e *core.RequestEvent, err error) error {
	code := status.Code(err)
	httpStatus, ok := statusByCode[code]
	if !ok {
		slog.Error("request failed", "path", e.Request.URL.Path, "error", err)
		return e.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error", Code: code})
	}
	return e.JSON(httpStatus, errorResponse{Error: err.Error(), Code: code})
}

func respondInvalid(e *core.RequestEvent, err error) error {
	msg := err.Error()
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		msg = verrs[0].Field() + " failed " + verrs[0].Tag() + " validation"
	}
	return e.JSON(http.StatusBadRequest, errorResponse{Error: msg, Code: "invalid_argument"})
}

// callerID is empty for anonymous requests; the services reject those.
func callerID(e *core.RequestEvent) string {
	if e.Auth == nil {
		return ""
	}
	return e.Auth.Id
}
