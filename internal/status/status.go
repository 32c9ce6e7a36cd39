package status

import "errors"

var (
	ErrUnauthenticated    = errors.New("waitlist: unauthenticated")
	ErrPermissionDenied   = errors.New("waitlist: permission denied")
	ErrNotFound           = errors.New("waitlist: not found")
	ErrFailedPrecondition = errors.New("waitlist: failed precondition")
	ErrDeadlineExceeded   = errors.New("waitlist: confirmation window elapsed")
	ErrResourceExhausted  = errors.New("waitlist: no slot left")
	ErrAlreadyAdmitted    = errors.New("waitlist: capacity available, admit directly")
	ErrAlreadyQueued      = errors.New("waitlist: business already queued for partition")
	ErrInvalidArgument    = errors.New("waitlist: invalid argument")
	ErrTxConflict         = errors.New("store: transaction conflict, retries exhausted")
)

// Code returns the stable machine-readable code for a sentinel error.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrFailedPrecondition):
		return "failed_precondition"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrAlreadyAdmitted):
		return "already_admitted"
	case errors.Is(err, ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrTxConflict):
		return "aborted"
	}
	return "internal_error"
}
