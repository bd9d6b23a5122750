package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/ariefcatur/go-ticket-quota/internal/inventory"
	"github.com/go-chi/chi/v5"
)

type createOrderReq struct {
	CartID string `json:"cart_id"`
	Email  string `json:"email"`
}

type payOrderReq struct {
	PaymentRef string `json:"payment_ref"`
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return inventory.ErrInvalid
	}
	return nil
}

func (h *Handlers) addToCart(w http.ResponseWriter, r *http.Request) {
	var in inventory.AddToCartInput
	if err := decode(r, &in); err != nil {
		h.writeError(w, err)
		return
	}
	in.EventID = chi.URLParam(r, "eventID")

	pos, err := h.Workflows.AddToCart(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (h *Handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	o, err := h.Workflows.CreateOrder(r.Context(), chi.URLParam(r, "eventID"), req.CartID, req.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handlers) payOrder(w http.ResponseWriter, r *http.Request) {
	var req payOrderReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	o, err := h.Workflows.PayOrder(r.Context(), chi.URLParam(r, "orderID"), req.PaymentRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Workflows.CancelOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
