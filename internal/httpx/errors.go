package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-ticket-quota/internal/eventlock"
	"github.com/ariefcatur/go-ticket-quota/internal/inventory"
	"github.com/ariefcatur/go-ticket-quota/internal/orders"
	"github.com/ariefcatur/go-ticket-quota/internal/quota"
)

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var insufficient *inventory.InsufficientError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "sold out", Code: "insufficient_quota", Details: insufficient.Outcome,
		})
	case errors.Is(err, eventlock.ErrLockTimeout):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "event is busy, try again", Code: "lock_timeout",
		})
	case errors.Is(err, inventory.ErrInvalid),
		errors.Is(err, quota.ErrCrossEvent),
		errors.Is(err, quota.ErrInvalidCount),
		errors.Is(err, quota.ErrNoQuotas):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
	case errors.Is(err, inventory.ErrEmptyCart):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "empty_cart"})
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, quota.ErrQuotaNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_transition"})
	default:
		h.logger().Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
	}
}
