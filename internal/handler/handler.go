package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mygads/genfity-server-sub007/internal/infrastructure/auth"
	"github.com/mygads/genfity-server-sub007/internal/infrastructure/redis"
	"github.com/mygads/genfity-server-sub007/internal/models"
	service "github.com/mygads/genfity-server-sub007/internal/services"
	pkgerrors "github.com/mygads/genfity-server-sub007/pkg/errors"
)

const cronLockKey = "cron:expire:lock"

type Handler struct {
	service     service.LifecycleService
	redisClient redis.RedisClient
	cronSecret  string
}

func NewHandler(s service.LifecycleService, redisClient redis.RedisClient, cronSecret string) *Handler {
	return &Handler{service: s, redisClient: redisClient, cronSecret: cronSecret}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

// writeServiceError maps the lifecycle error kinds onto HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, pkgerrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pkgerrors.ErrStateConflict):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

func (h *Handler) RegisterUserRoutes(r *mux.Router) {
	r.HandleFunc("/transactions", h.CreateTransaction).Methods("POST")
	r.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	r.HandleFunc("/transactions/{id:[0-9]+}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions/{id:[0-9]+}/cancel", h.CancelTransaction).Methods("POST")
	r.HandleFunc("/transactions/{id:[0-9]+}/payments", h.CreatePayment).Methods("POST")
}

func (h *Handler) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/payments/{id:[0-9]+}/status", h.UpdatePaymentStatus).Methods("PATCH")
	r.HandleFunc("/transactions/{id:[0-9]+}/delivery/complete", h.CompleteDelivery).Methods("POST")
}

func (h *Handler) RegisterCronRoutes(r *mux.Router) {
	r.HandleFunc("/cron/expire", h.CronExpire).Methods("POST")
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}

	var req struct {
		Amount           int64  `json:"amount"`
		Currency         string `json:"currency"`
		Type             string `json:"type"`
		VoucherID        *int64 `json:"voucher_id"`
		ServiceFeeAmount int64  `json:"service_fee_amount"`
		Notes            string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.service.CreateTransaction(r.Context(), service.CreateTransactionParams{
		UserID:           userID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Type:             models.TransactionType(req.Type),
		VoucherID:        req.VoucherID,
		ServiceFeeAmount: req.ServiceFeeAmount,
		Notes:            req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}

	transactions, err := h.service.ListTransactions(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, transactions)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}
	transactionID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), transactionID, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}
	transactionID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.service.CancelTransaction(r.Context(), transactionID, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.UserIDFrom(r.Context()); !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}
	transactionID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Amount      int64   `json:"amount"`
		Method      string  `json:"method"`
		ExternalID  string  `json:"external_id"`
		PaymentURL  string  `json:"payment_url"`
		CustomerIDs []int64 `json:"customer_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	// Lazy-expire before the predicate so a stale pending row cannot
	// slip a payment past its deadline.
	h.service.AutoExpire(r.Context(), transactionID, 0)
	allowed, err := h.service.CanCreatePayment(r.Context(), transactionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !allowed {
		h.writeError(w, http.StatusConflict, pkgerrors.ErrPaymentNotAllowed)
		return
	}

	p, err := h.service.CreatePayment(r.Context(), service.CreatePaymentParams{
		TransactionID: transactionID,
		Amount:        req.Amount,
		Method:        req.Method,
		ExternalID:    req.ExternalID,
		PaymentURL:    req.PaymentURL,
		CustomerIDs:   req.CustomerIDs,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.UserIDFrom(r.Context())
	paymentID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Status     string `json:"status"`
		AdminNotes string `json:"admin_notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	p, err := h.service.UpdatePaymentStatus(r.Context(), paymentID, models.PaymentStatus(req.Status), req.AdminNotes, adminID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) CompleteDelivery(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.UserIDFrom(r.Context())
	transactionID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.CompleteDelivery(r.Context(), transactionID, adminID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// CronExpire runs both bulk expiry sweeps. The external scheduler proves
// itself with a shared secret header; a mismatch is an unauthorized no-op.
// A short Redis lock keeps overlapping triggers single-flight.
func (h *Handler) CronExpire(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Cron-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.cronSecret)) != 1 {
		h.writeError(w, http.StatusUnauthorized, errors.New("invalid cron secret"))
		return
	}

	if h.redisClient != nil {
		acquired, err := h.redisClient.SetNX(r.Context(), cronLockKey, "locked", time.Minute)
		if err != nil {
			slog.Error("failed to acquire cron lock", "error", err)
		} else if !acquired {
			h.writeJSON(w, http.StatusOK, map[string]string{"status": "sweep already running"})
			return
		} else {
			defer func() {
				if err := h.redisClient.Del(r.Context(), cronLockKey); err != nil {
					slog.Error("failed to release cron lock", "error", err)
				}
			}()
		}
	}

	payments, err := h.service.ProcessExpiredPayments(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	transactions, err := h.service.ProcessExpiredTransactions(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	slog.Info("expiry sweep completed", "expired_payments", len(payments), "expired_transactions", len(transactions))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"expired_payments":     payments,
		"expired_transactions": transactions,
	})
}
