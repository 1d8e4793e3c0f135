package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-pipeline/internal/checkout"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"

	maxIdempotencyKey = 255
)

type Checkouts interface {
	Submit(ctx context.Context, c orders.Checkout, opts ...checkout.SubmitOption) (checkout.Outcome, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
}

type StatusChanger interface {
	Transition(ctx context.Context, orderID string, to orders.Status) (orders.Transition, error)
}

type OrdersHandler struct {
	Checkouts Checkouts
	Orders    OrderReader
	Status    StatusChanger
	Log       *zap.Logger
}

type CreateOrderResp struct {
	OrderID string `json:"orderId"`
}

type UpdateStatusReq struct {
	Status string `json:"status"`
}

type UpdateStatusResp struct {
	OrderID  string        `json:"orderId"`
	Previous orders.Status `json:"previous"`
	Status   orders.Status `json:"status"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Patch("/orders/{id}/status", h.updateStatus)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *OrdersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrValidation),
		errors.Is(err, orders.ErrUnknownSKU),
		errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrStatusConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.Checkout
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if uid := r.Header.Get(HeaderUserID); uid != "" {
		req.UserID = &uid
	} else {
		req.UserID = nil
	}

	var opts []checkout.SubmitOption
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" {
		if len(key) > maxIdempotencyKey {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "idempotency key too long"})
			return
		}
		opts = append(opts, checkout.WithIdempotencyKey(key))
	}

	// Bounded by the intake poll window, not a handler timeout.
	out, err := h.Checkouts.Submit(r.Context(), req, opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateOrderResp{OrderID: out.OrderID})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req UpdateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	to, err := orders.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	t, err := h.Status.Transition(ctx, orderID, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateStatusResp{OrderID: orderID, Previous: t.From, Status: to})
}
