package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-ticket-quota/internal/quota"
	"github.com/go-chi/chi/v5"
)

type quotaResp struct {
	quota.Quota
	// Available is nil for unlimited quotas and never negative.
	Available *int `json:"available"`
}

func (h *Handlers) getQuota(w http.ResponseWriter, r *http.Request) {
	q, err := h.Quotas.Get(r.Context(), quota.Ref{QuotaID: chi.URLParam(r, "quotaID")})
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := quotaResp{Quota: q}
	if q.Size != nil {
		avail := max(q.Available(r.URL.Query().Get("ignore_voucher_blocks") == "true"), 0)
		resp.Available = &avail
	}
	writeJSON(w, http.StatusOK, resp)
}
