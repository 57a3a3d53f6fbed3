package handler_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/mygads/genfity-server-sub007/internal/handler"
	"github.com/mygads/genfity-server-sub007/internal/infrastructure/auth"
	"github.com/mygads/genfity-server-sub007/internal/models"
	service "github.com/mygads/genfity-server-sub007/internal/services"
	pkgerrors "github.com/mygads/genfity-server-sub007/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLifecycle lets each test pin down just the methods it expects to be
// called; anything else panics loudly.
type stubLifecycle struct {
	createTransaction   func(ctx context.Context, params service.CreateTransactionParams) (*models.Transaction, error)
	getTransaction      func(ctx context.Context, transactionID, userID int64) (*models.Transaction, error)
	listTransactions    func(ctx context.Context, userID int64) ([]models.Transaction, error)
	canCreatePayment    func(ctx context.Context, transactionID int64) (bool, error)
	createPayment       func(ctx context.Context, params service.CreatePaymentParams) (*models.Payment, error)
	updatePaymentStatus func(ctx context.Context, paymentID int64, newStatus models.PaymentStatus, adminNotes string, actingAdminID int64) (*models.Payment, error)
	autoExpire          func(ctx context.Context, transactionID, paymentID int64)
	expireTransactions  func(ctx context.Context) ([]models.Transaction, error)
	expirePayments      func(ctx context.Context) ([]models.Payment, error)
	cancelTransaction   func(ctx context.Context, transactionID, userID int64) (*models.Transaction, error)
	completeDelivery    func(ctx context.Context, transactionID, actingAdminID int64) (*service.DeliveryResult, error)
}

func (s *stubLifecycle) CreateTransaction(ctx context.Context, params service.CreateTransactionParams) (*models.Transaction, error) {
	return s.createTransaction(ctx, params)
}

func (s *stubLifecycle) GetTransaction(ctx context.Context, transactionID, userID int64) (*models.Transaction, error) {
	return s.getTransaction(ctx, transactionID, userID)
}

func (s *stubLifecycle) ListTransactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	return s.listTransactions(ctx, userID)
}

func (s *stubLifecycle) CanCreatePayment(ctx context.Context, transactionID int64) (bool, error) {
	return s.canCreatePayment(ctx, transactionID)
}

func (s *stubLifecycle) CreatePayment(ctx context.Context, params service.CreatePaymentParams) (*models.Payment, error) {
	return s.createPayment(ctx, params)
}

func (s *stubLifecycle) UpdatePaymentStatus(ctx context.Context, paymentID int64, newStatus models.PaymentStatus, adminNotes string, actingAdminID int64) (*models.Payment, error) {
	return s.updatePaymentStatus(ctx, paymentID, newStatus, adminNotes, actingAdminID)
}

func (s *stubLifecycle) AutoExpire(ctx context.Context, transactionID, paymentID int64) {
	if s.autoExpire != nil {
		s.autoExpire(ctx, transactionID, paymentID)
	}
}

func (s *stubLifecycle) ProcessExpiredTransactions(ctx context.Context) ([]models.Transaction, error) {
	return s.expireTransactions(ctx)
}

func (s *stubLifecycle) ProcessExpiredPayments(ctx context.Context) ([]models.Payment, error) {
	return s.expirePayments(ctx)
}

func (s *stubLifecycle) CancelTransaction(ctx context.Context, transactionID, userID int64) (*models.Transaction, error) {
	return s.cancelTransaction(ctx, transactionID, userID)
}

func (s *stubLifecycle) CompleteDelivery(ctx context.Context, transactionID, actingAdminID int64) (*service.DeliveryResult, error) {
	return s.completeDelivery(ctx, transactionID, actingAdminID)
}

type fakeRedis struct {
	setNXResult bool
	setNXErr    error
	deleted     []string
}

func (r *fakeRedis) Get(ctx context.Context, key string) (string, error) { return "", nil }
func (r *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}
func (r *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return r.setNXResult, r.setNXErr
}
func (r *fakeRedis) Del(ctx context.Context, key string) error {
	r.deleted = append(r.deleted, key)
	return nil
}
func (r *fakeRedis) Close() error { return nil }

func newRouter(svc service.LifecycleService, redisClient *fakeRedis, cronSecret string) *mux.Router {
	h := handler.NewHandler(svc, redisClient, cronSecret)
	r := mux.NewRouter()
	h.RegisterUserRoutes(r)
	h.RegisterAdminRoutes(r)
	h.RegisterCronRoutes(r)
	return r
}

func authed(req *http.Request, userID int64, role string) *http.Request {
	return req.WithContext(auth.ContextWithUser(req.Context(), userID, role))
}

func TestCreateTransactionHandler(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		svc := &stubLifecycle{
			createTransaction: func(_ context.Context, params service.CreateTransactionParams) (*models.Transaction, error) {
				assert.Equal(t, int64(1), params.UserID)
				assert.Equal(t, int64(100000), params.Amount)
				assert.Equal(t, models.TypeProduct, params.Type)
				return &models.Transaction{ID: 9, UserID: 1, Status: models.TransactionPending}, nil
			},
		}
		router := newRouter(svc, &fakeRedis{}, "secret")

		req := httptest.NewRequest("POST", "/transactions", strings.NewReader(`{"amount":100000,"type":"product"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authed(req, 1, ""))

		assert.Equal(t, http.StatusCreated, rec.Code)
		var tx models.Transaction
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
		assert.Equal(t, int64(9), tx.ID)
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		router := newRouter(&stubLifecycle{}, &fakeRedis{}, "secret")
		req := httptest.NewRequest("POST", "/transactions", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		router := newRouter(&stubLifecycle{}, &fakeRedis{}, "secret")
		req := httptest.NewRequest("POST", "/transactions", strings.NewReader(`{"amount":`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authed(req, 1, ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServiceErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"Validation", pkgerrors.ErrInvalidAmount, http.StatusBadRequest},
		{"NotFound", pkgerrors.ErrTransactionNotFound, http.StatusNotFound},
		{"StateConflict", pkgerrors.ErrTransactionTerminal, http.StatusConflict},
		{"Unknown", stderrors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubLifecycle{
				getTransaction: func(context.Context, int64, int64) (*models.Transaction, error) {
					return nil, tc.err
				},
			}
			router := newRouter(svc, &fakeRedis{}, "secret")

			req := httptest.NewRequest("GET", "/transactions/5", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authed(req, 1, ""))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCreatePaymentHandler(t *testing.T) {
	t.Run("ExpiresThenChecksThenCreates", func(t *testing.T) {
		var calls []string
		svc := &stubLifecycle{
			autoExpire: func(_ context.Context, transactionID, paymentID int64) {
				assert.Equal(t, int64(5), transactionID)
				assert.Zero(t, paymentID)
				calls = append(calls, "expire")
			},
			canCreatePayment: func(_ context.Context, transactionID int64) (bool, error) {
				calls = append(calls, "check")
				return true, nil
			},
			createPayment: func(_ context.Context, params service.CreatePaymentParams) (*models.Payment, error) {
				calls = append(calls, "create")
				assert.Equal(t, int64(5), params.TransactionID)
				assert.Equal(t, []int64{10, 11}, params.CustomerIDs)
				return &models.Payment{ID: 3, TransactionID: 5, Status: models.PaymentPending}, nil
			},
		}
		router := newRouter(svc, &fakeRedis{}, "secret")

		req := httptest.NewRequest("POST", "/transactions/5/payments",
			strings.NewReader(`{"amount":100000,"method":"bank_transfer","customer_ids":[10,11]}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authed(req, 1, ""))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, []string{"expire", "check", "create"}, calls)
	})

	t.Run("NotAllowed", func(t *testing.T) {
		svc := &stubLifecycle{
			canCreatePayment: func(context.Context, int64) (bool, error) { return false, nil },
		}
		router := newRouter(svc, &fakeRedis{}, "secret")

		req := httptest.NewRequest("POST", "/transactions/5/payments",
			strings.NewReader(`{"amount":100000,"method":"bank_transfer"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authed(req, 1, ""))

		assert.Equal(t, http.StatusConflict, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body["error"], "cannot create payment")
	})
}

func TestUpdatePaymentStatusHandler(t *testing.T) {
	svc := &stubLifecycle{
		updatePaymentStatus: func(_ context.Context, paymentID int64, newStatus models.PaymentStatus, adminNotes string, actingAdminID int64) (*models.Payment, error) {
			assert.Equal(t, int64(3), paymentID)
			assert.Equal(t, models.PaymentPaid, newStatus)
			assert.Equal(t, "verified", adminNotes)
			assert.Equal(t, int64(7), actingAdminID)
			return &models.Payment{ID: 3, Status: models.PaymentPaid}, nil
		},
	}
	router := newRouter(svc, &fakeRedis{}, "secret")

	req := httptest.NewRequest("PATCH", "/payments/3/status",
		strings.NewReader(`{"status":"paid","admin_notes":"verified"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(req, 7, auth.RoleAdmin))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCompleteDeliveryHandler(t *testing.T) {
	svc := &stubLifecycle{
		completeDelivery: func(_ context.Context, transactionID, actingAdminID int64) (*service.DeliveryResult, error) {
			assert.Equal(t, int64(5), transactionID)
			return &service.DeliveryResult{Delivered: true, TransactionCompleted: true}, nil
		},
	}
	router := newRouter(svc, &fakeRedis{}, "secret")

	req := httptest.NewRequest("POST", "/transactions/5/delivery/complete", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(req, 7, auth.RoleAdmin))

	assert.Equal(t, http.StatusOK, rec.Code)
	var result service.DeliveryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Delivered)
	assert.True(t, result.TransactionCompleted)
}

func TestCronExpireHandler(t *testing.T) {
	newSweepStub := func() *stubLifecycle {
		return &stubLifecycle{
			expirePayments: func(context.Context) ([]models.Payment, error) {
				return []models.Payment{{ID: 1, Status: models.PaymentExpired}}, nil
			},
			expireTransactions: func(context.Context) ([]models.Transaction, error) {
				return []models.Transaction{{ID: 2, Status: models.TransactionExpired}}, nil
			},
		}
	}

	t.Run("WrongSecret", func(t *testing.T) {
		router := newRouter(newSweepStub(), &fakeRedis{setNXResult: true}, "secret")
		req := httptest.NewRequest("POST", "/cron/expire", nil)
		req.Header.Set("X-Cron-Secret", "guess")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("SweepsAndReleasesLock", func(t *testing.T) {
		redisClient := &fakeRedis{setNXResult: true}
		router := newRouter(newSweepStub(), redisClient, "secret")

		req := httptest.NewRequest("POST", "/cron/expire", nil)
		req.Header.Set("X-Cron-Secret", "secret")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			ExpiredPayments     []models.Payment     `json:"expired_payments"`
			ExpiredTransactions []models.Transaction `json:"expired_transactions"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.ExpiredPayments, 1)
		assert.Len(t, body.ExpiredTransactions, 1)
		assert.Equal(t, []string{"cron:expire:lock"}, redisClient.deleted)
	})

	t.Run("LockHeldElsewhere", func(t *testing.T) {
		redisClient := &fakeRedis{setNXResult: false}
		router := newRouter(newSweepStub(), redisClient, "secret")

		req := httptest.NewRequest("POST", "/cron/expire", nil)
		req.Header.Set("X-Cron-Secret", "secret")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "already running")
		assert.Empty(t, redisClient.deleted)
	})
}
