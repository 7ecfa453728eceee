package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/namaskah/verify/internal/domain"
	"github.com/namaskah/verify/internal/service"
	"github.com/namaskah/verify/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namaskah_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "namaskah_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})
)

// Orchestrator is the mutation surface exposed over HTTP.
type Orchestrator interface {
	Purchase(ctx context.Context, req domain.PurchaseRequest, idempotencyKey string) (*domain.Verification, bool, error)
	Cancel(ctx context.Context, id uuid.UUID, userID int64) (*domain.Verification, error)
}

// Reader is the query surface backed by the store.
type Reader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Verification, error)
	Balance(ctx context.Context, userID int64) (*domain.UserBalance, error)
	Entries(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error)
	ManualCredit(ctx context.Context, userID int64, amount decimal.Decimal) (*domain.UserBalance, error)
}

type Handler struct {
	reader  Reader
	service Orchestrator
	log     *logrus.Logger
}

func NewHandler(reader Reader, svc Orchestrator, log *logrus.Logger) *Handler {
	return &Handler{reader: reader, service: svc, log: log}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateVerificationHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/verifications"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key header", "POST", endpoint)
		return
	}

	var req domain.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	if req.UserID <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "Valid user_id required", "POST", endpoint)
		return
	}
	if req.ServiceName == "" || req.Country == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "service_name and country required", "POST", endpoint)
		return
	}
	if !req.Capability.Valid() {
		h.respondError(w, http.StatusUnprocessableEntity, "capability must be sms or voice", "POST", endpoint)
		return
	}
	if req.MaxCost.IsNegative() {
		h.respondError(w, http.StatusUnprocessableEntity, "Non-negative max_cost required", "POST", endpoint)
		return
	}

	v, existing, err := h.service.Purchase(r.Context(), req, idempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInsufficientBalance):
			h.respondError(w, http.StatusUnprocessableEntity, "Insufficient balance", "POST", endpoint)
		case errors.Is(err, service.ErrNoInventory):
			h.respondError(w, http.StatusConflict, "No numbers available for requested service", "POST", endpoint)
		case errors.Is(err, service.ErrVendorUnavailable):
			h.respondError(w, http.StatusServiceUnavailable, "Verification provider unavailable", "POST", endpoint)
		case errors.Is(err, service.ErrInvalidRequest):
			h.respondError(w, http.StatusUnprocessableEntity, "Invalid purchase request", "POST", endpoint)
		default:
			h.log.WithError(err).Error("purchase failed")
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpoint)
		}
		return
	}

	// Idempotent replay returns the original resource, not a new charge.
	if existing {
		h.respondJSON(w, http.StatusOK, v, "POST", endpoint)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/verifications/%s", v.ID))
	h.respondJSON(w, http.StatusCreated, v, "POST", endpoint)
}

func (h *Handler) GetVerificationHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/verifications/{id}"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid verification id", "GET", endpoint)
		return
	}

	v, err := h.reader.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Verification not found", "GET", endpoint)
			return
		}
		h.log.WithError(err).Error("verification lookup failed")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, v, "GET", endpoint)
}

type cancelBody struct {
	UserID int64 `json:"user_id"`
}

func (h *Handler) CancelVerificationHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/verifications/{id}/cancel"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid verification id", "POST", endpoint)
		return
	}

	var body cancelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID <= 0 {
		h.respondError(w, http.StatusBadRequest, "Valid user_id required", "POST", endpoint)
		return
	}

	v, err := h.service.Cancel(r.Context(), id, body.UserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "Verification not found", "POST", endpoint)
		case errors.Is(err, service.ErrForbidden):
			h.respondError(w, http.StatusForbidden, "Verification owned by another user", "POST", endpoint)
		case errors.Is(err, service.ErrPurchaseInProgress):
			h.respondError(w, http.StatusConflict, "Purchase still in progress", "POST", endpoint)
		default:
			h.log.WithError(err).Error("cancel failed")
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpoint)
		}
		return
	}
	h.respondJSON(w, http.StatusOK, v, "POST", endpoint)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}/balance"
	userID, ok := parseUserID(w, r, "GET", endpoint, h)
	if !ok {
		return
	}

	balance, err := h.reader.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "User balance not found", "GET", endpoint)
			return
		}
		h.log.WithError(err).Error("balance lookup failed")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, balance, "GET", endpoint)
}

func (h *Handler) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}/ledger"
	userID, ok := parseUserID(w, r, "GET", endpoint, h)
	if !ok {
		return
	}

	entries, err := h.reader.Entries(r.Context(), userID, 100)
	if err != nil {
		h.log.WithError(err).Error("ledger lookup failed")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", endpoint)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", endpoint)
}

func (h *Handler) CreateCreditHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}/credits"
	userID, ok := parseUserID(w, r, "POST", endpoint, h)
	if !ok {
		return
	}

	var req domain.CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}
	if !req.Amount.IsPositive() {
		h.respondError(w, http.StatusUnprocessableEntity, "Positive amount required", "POST", endpoint)
		return
	}

	balance, err := h.reader.ManualCredit(r.Context(), userID, req.Amount)
	if err != nil {
		h.log.WithError(err).Error("manual credit failed")
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, balance, "POST", endpoint)
}

func parseUserID(w http.ResponseWriter, r *http.Request, method, endpoint string, h *Handler) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid user id", method, endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
