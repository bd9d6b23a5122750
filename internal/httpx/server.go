package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/idempotency"
	"github.com/ariefcatur/go-ticket-quota/internal/inventory"
	"github.com/ariefcatur/go-ticket-quota/internal/orders"
	"github.com/ariefcatur/go-ticket-quota/internal/quota"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Workflows is the selling side of inventory.Service.
type Workflows interface {
	AddToCart(ctx context.Context, in inventory.AddToCartInput) (orders.CartPosition, error)
	CreateOrder(ctx context.Context, eventID, cartID, email string) (orders.Order, error)
	PayOrder(ctx context.Context, orderID, paymentRef string) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID string) (orders.Order, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
}

type QuotaReader interface {
	Get(ctx context.Context, ref quota.Ref) (quota.Quota, error)
}

type Handlers struct {
	Workflows Workflows
	Orders    OrderReader
	Quotas    QuotaReader
	Gate      *idempotency.Gate
	// IdempotencyHeader names the request header carrying the client key.
	IdempotencyHeader string
	Logger            *slog.Logger
}

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Register mounts the API. Writes go through the idempotency gate when
// one is configured.
func (h *Handlers) Register(r chi.Router) {
	r.Get("/quotas/{quotaID}", h.getQuota)
	r.Get("/orders/{orderID}", h.getOrder)

	r.Group(func(r chi.Router) {
		if h.Gate != nil {
			r.Use(h.Gate.Middleware(h.IdempotencyHeader, Credential))
		}
		r.Post("/events/{eventID}/cart", h.addToCart)
		r.Post("/events/{eventID}/orders", h.createOrder)
		r.Post("/orders/{orderID}/pay", h.payOrder)
		r.Post("/orders/{orderID}/cancel", h.cancelOrder)
	})
}

const sessionCookie = "session"

// Credential identifies the caller for idempotency scoping: the
// Authorization header plus the session cookie, if any.
func Credential(r *http.Request) string {
	cred := r.Header.Get("Authorization")
	if c, err := r.Cookie(sessionCookie); err == nil {
		cred += "|session=" + c.Value
	}
	return cred
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
