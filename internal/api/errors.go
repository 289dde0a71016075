package api

import (
	"encoding/json"
	"errors"
	"net/http"

	bookingapp "github.com/ahrav/booking-armada/internal/app/booking"
	"github.com/ahrav/booking-armada/internal/domain/booking"
)

// Error codes returned in errorResponse.Code.
const (
	codeInvalidArgument = "invalid_argument"
	codeUnauthenticated = "unauthenticated"
	codeNotEntitled     = "not_entitled"
	codeNotFound        = "not_found"
	codeConflict        = "conflict"
	codeUnavailable     = "unavailable"
	codeInternal        = "internal"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// ActiveSessionID is set on conflicts so clients can follow the run
	// that is already in progress.
	ActiveSessionID string `json:"active_session_id,omitempty"`
}

// errInvalidRequest marks malformed requests detected by the handlers.
var errInvalidRequest = errors.New("invalid request")

// classify maps an error to its HTTP status and response body.
func classify(err error) (int, errorResponse) {
	var (
		conflict    *booking.ConflictError
		notEntitled *booking.NotEntitledError
	)
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict, errorResponse{
			Code:            codeConflict,
			Message:         err.Error(),
			ActiveSessionID: conflict.ActiveSessionID.String(),
		}
	case errors.As(err, &notEntitled):
		return http.StatusForbidden, errorResponse{Code: codeNotEntitled, Message: err.Error()}
	case errors.Is(err, booking.ErrSessionNotFound), errors.Is(err, booking.ErrConfigurationNotFound):
		return http.StatusNotFound, errorResponse{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, booking.ErrInvalidConfiguration), errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, errorResponse{Code: codeInvalidArgument, Message: err.Error()}
	case errors.Is(err, bookingapp.ErrSchedulerClosed):
		return http.StatusServiceUnavailable, errorResponse{Code: codeUnavailable, Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Code: codeInternal, Message: "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
