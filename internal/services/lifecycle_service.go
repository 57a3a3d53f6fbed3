package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mygads/genfity-server-sub007/internal/infrastructure/kafka"
	"github.com/mygads/genfity-server-sub007/internal/infrastructure/observability"
	"github.com/mygads/genfity-server-sub007/internal/models"
	"github.com/mygads/genfity-server-sub007/internal/repository"
	pkgerrors "github.com/mygads/genfity-server-sub007/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Expiry horizons. A transaction outlives its payments: each payment
// attempt gets one day, the purchase intent a week.
const (
	TransactionTTL = 7 * 24 * time.Hour
	PaymentTTL     = 24 * time.Hour
)

const eventTopic = "transactions"

type CreateTransactionParams struct {
	UserID           int64
	Amount           int64
	Currency         string
	Type             models.TransactionType
	VoucherID        *int64
	ServiceFeeAmount int64
	Notes            string
}

type CreatePaymentParams struct {
	TransactionID int64
	Amount        int64
	Method        string
	ExternalID    string
	PaymentURL    string
	// CustomerIDs fan out to delivery line items, one per purchased item.
	CustomerIDs []int64
}

type DeliveryResult struct {
	Delivered            bool `json:"delivered"`
	TransactionCompleted bool `json:"transaction_completed"`
}

type LifecycleService interface {
	CreateTransaction(ctx context.Context, params CreateTransactionParams) (*models.Transaction, error)
	GetTransaction(ctx context.Context, transactionID, userID int64) (*models.Transaction, error)
	ListTransactions(ctx context.Context, userID int64) ([]models.Transaction, error)
	CanCreatePayment(ctx context.Context, transactionID int64) (bool, error)
	CreatePayment(ctx context.Context, params CreatePaymentParams) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID int64, newStatus models.PaymentStatus, adminNotes string, actingAdminID int64) (*models.Payment, error)
	AutoExpire(ctx context.Context, transactionID, paymentID int64)
	ProcessExpiredTransactions(ctx context.Context) ([]models.Transaction, error)
	ProcessExpiredPayments(ctx context.Context) ([]models.Payment, error)
	CancelTransaction(ctx context.Context, transactionID, userID int64) (*models.Transaction, error)
	CompleteDelivery(ctx context.Context, transactionID, actingAdminID int64) (*DeliveryResult, error)
}

type lifecycleService struct {
	transactionRepo repository.TransactionRepository
	paymentRepo     repository.PaymentRepository
	deliveryRepo    repository.DeliveryRepository
	voucherRepo     repository.VoucherRepository
	producer        kafka.KafkaProducer
	now             func() time.Time
}

func NewLifecycleService(
	transactionRepo repository.TransactionRepository,
	paymentRepo repository.PaymentRepository,
	deliveryRepo repository.DeliveryRepository,
	voucherRepo repository.VoucherRepository,
	producer kafka.KafkaProducer,
) *lifecycleService {
	return NewLifecycleServiceWithClock(transactionRepo, paymentRepo, deliveryRepo, voucherRepo, producer, time.Now)
}

// NewLifecycleServiceWithClock lets tests move time without sleeping.
func NewLifecycleServiceWithClock(
	transactionRepo repository.TransactionRepository,
	paymentRepo repository.PaymentRepository,
	deliveryRepo repository.DeliveryRepository,
	voucherRepo repository.VoucherRepository,
	producer kafka.KafkaProducer,
	now func() time.Time,
) *lifecycleService {
	return &lifecycleService{
		transactionRepo: transactionRepo,
		paymentRepo:     paymentRepo,
		deliveryRepo:    deliveryRepo,
		voucherRepo:     voucherRepo,
		producer:        producer,
		now:             now,
	}
}

// emitEvent publishes a lifecycle event. Event loss never blocks or rolls
// back a state transition; failures are logged and dropped.
func (s *lifecycleService) emitEvent(ctx context.Context, eventType string, key int64, payload map[string]interface{}) {
	if s.producer == nil {
		return
	}
	payload["event_type"] = eventType
	payload["emitted_at"] = s.now().UTC().Format(time.RFC3339)
	eventBytes, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal lifecycle event", "event_type", eventType, "error", err)
		return
	}
	if err := s.producer.Send(ctx, eventTopic, key, eventBytes); err != nil {
		slog.Error("failed to send lifecycle event", "event_type", eventType, "key", key, "error", err)
	}
}

func (s *lifecycleService) CreateTransaction(ctx context.Context, params CreateTransactionParams) (*models.Transaction, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	if params.Amount <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, pkgerrors.ErrInvalidAmount
	}
	if !params.Type.Valid() {
		span.SetStatus(codes.Error, "invalid type")
		return nil, pkgerrors.ErrInvalidType
	}

	now := s.now()
	currency := params.Currency
	if currency == "" {
		currency = "IDR"
	}

	var discount int64
	if params.VoucherID != nil {
		var err error
		discount, err = s.voucherRepo.Redeem(ctx, *params.VoucherID, params.UserID, params.Amount)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "voucher redemption failed")
			slog.Error("failed to redeem voucher", "voucher_id", *params.VoucherID, "user_id", params.UserID, "error", err)
			return nil, err
		}
	}

	finalAmount := params.Amount - discount + params.ServiceFeeAmount
	tx := &models.Transaction{
		UserID:           params.UserID,
		Amount:           finalAmount,
		Currency:         currency,
		Type:             params.Type,
		Status:           models.TransactionPending,
		VoucherID:        params.VoucherID,
		OriginalAmount:   params.Amount,
		DiscountAmount:   discount,
		FinalAmount:      finalAmount,
		ServiceFeeAmount: params.ServiceFeeAmount,
		Notes:            params.Notes,
		ExpiresAt:        now.Add(TransactionTTL),
	}

	if _, err := s.transactionRepo.Create(ctx, tx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction creation failed")
		return nil, err
	}

	s.emitEvent(ctx, "transaction.created", tx.ID, map[string]interface{}{
		"transaction_id": tx.ID,
		"user_id":        tx.UserID,
		"amount":         tx.FinalAmount,
		"type":           tx.Type,
		"expires_at":     tx.ExpiresAt.UTC().Format(time.RFC3339),
	})

	slog.Info("transaction created", "transaction_id", tx.ID, "user_id", tx.UserID, "type", tx.Type, "final_amount", tx.FinalAmount)
	return tx, nil
}

// GetTransaction is an ownership-scoped read. It lazily expires the row
// first so an interactive caller never sees a stale pending status.
func (s *lifecycleService) GetTransaction(ctx context.Context, transactionID, userID int64) (*models.Transaction, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "GetTransaction")
	defer span.End()

	s.AutoExpire(ctx, transactionID, 0)
	return s.transactionRepo.GetByIDForUser(ctx, transactionID, userID)
}

func (s *lifecycleService) ListTransactions(ctx context.Context, userID int64) ([]models.Transaction, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "ListTransactions")
	defer span.End()

	return s.transactionRepo.ListByUser(ctx, userID)
}

// CanCreatePayment is a pure predicate with no side effects. Callers that
// need an up-to-date answer must run AutoExpire first; this method never
// expires anything itself.
func (s *lifecycleService) CanCreatePayment(ctx context.Context, transactionID int64) (bool, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "CanCreatePayment")
	defer span.End()

	tx, err := s.transactionRepo.GetByID(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if tx.Status != models.TransactionPending && tx.Status != models.TransactionInProgress {
		return false, nil
	}
	if !tx.ExpiresAt.After(s.now()) {
		return false, nil
	}

	if _, err := s.paymentRepo.GetActiveByTransaction(ctx, transactionID); err == nil {
		return false, nil
	} else if !stderrors.Is(err, pkgerrors.ErrPaymentNotFound) {
		span.RecordError(err)
		return false, err
	}

	return true, nil
}

// CreatePayment persists a pending payment with a one-day deadline and
// promotes the parent transaction to in_progress atomically. The caller is
// responsible for having checked CanCreatePayment after AutoExpire; the
// only guard re-checked here is the single-active-payment invariant, which
// the repository enforces under a row lock.
func (s *lifecycleService) CreatePayment(ctx context.Context, params CreatePaymentParams) (*models.Payment, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "CreatePayment")
	defer span.End()

	if params.Amount <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, pkgerrors.ErrInvalidAmount
	}
	if params.Method == "" {
		span.SetStatus(codes.Error, "missing method")
		return nil, pkgerrors.ErrMissingMethod
	}

	tx, err := s.transactionRepo.GetByID(ctx, params.TransactionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	externalID := params.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}

	now := s.now()
	p := &models.Payment{
		TransactionID: params.TransactionID,
		Amount:        params.Amount,
		Method:        params.Method,
		Status:        models.PaymentPending,
		ExternalID:    externalID,
		PaymentURL:    params.PaymentURL,
		ExpiresAt:     now.Add(PaymentTTL),
	}

	if _, err := s.paymentRepo.CreateForTransaction(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment creation failed")
		return nil, err
	}

	if len(params.CustomerIDs) > 0 {
		items := make([]models.DeliveryItem, 0, len(params.CustomerIDs))
		for _, customerID := range params.CustomerIDs {
			items = append(items, models.DeliveryItem{
				TransactionID: params.TransactionID,
				CustomerID:    customerID,
				Kind:          tx.Type,
				Status:        models.DeliveryAwaiting,
			})
		}
		if err := s.deliveryRepo.CreateItems(ctx, items); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delivery fan-out failed")
			return nil, err
		}
	}

	s.emitEvent(ctx, "payment.created", params.TransactionID, map[string]interface{}{
		"payment_id":     p.ID,
		"transaction_id": p.TransactionID,
		"amount":         p.Amount,
		"payment_method": p.Method,
		"expires_at":     p.ExpiresAt.UTC().Format(time.RFC3339),
	})

	slog.Info("payment created", "payment_id", p.ID, "transaction_id", p.TransactionID, "payment_method", p.Method)
	return p, nil
}

// UpdatePaymentStatus applies a manual (admin or gateway-driven) status
// change. A payment whose deadline already passed is expired first and the
// requested change is then rejected as a state conflict; marking a dead
// payment paid is never honored.
func (s *lifecycleService) UpdatePaymentStatus(ctx context.Context, paymentID int64, newStatus models.PaymentStatus, adminNotes string, actingAdminID int64) (*models.Payment, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "UpdatePaymentStatus")
	defer span.End()

	if !newStatus.Valid() {
		span.SetStatus(codes.Error, "invalid status")
		return nil, pkgerrors.ErrInvalidStatus
	}

	p, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := s.now()
	if p.Status == models.PaymentPending && !p.ExpiresAt.After(now) {
		if _, err := s.paymentRepo.UpdateStatus(ctx, paymentID, models.PaymentExpired, "", nil); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if newStatus != models.PaymentExpired {
			slog.Warn("rejected status change on expired payment", "payment_id", paymentID, "requested", newStatus, "admin_id", actingAdminID)
			span.SetStatus(codes.Error, "payment expired")
			return nil, pkgerrors.ErrPaymentTerminal
		}
		return s.paymentRepo.GetByID(ctx, paymentID)
	}

	if p.Status.IsTerminal() {
		if p.Status == newStatus {
			// Replaying the transition it already took is a no-op.
			return p, nil
		}
		span.SetStatus(codes.Error, "payment terminal")
		return nil, pkgerrors.ErrPaymentTerminal
	}

	var paidAt *time.Time
	if newStatus == models.PaymentPaid {
		paidAt = &now
	}

	ok, err := s.paymentRepo.UpdateStatus(ctx, paymentID, newStatus, adminNotes, paidAt)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		// Lost the race against a concurrent transition.
		span.SetStatus(codes.Error, "payment no longer pending")
		return nil, pkgerrors.ErrPaymentTerminal
	}

	if newStatus == models.PaymentPaid {
		if err := s.settlePaidTransaction(ctx, p.TransactionID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	s.emitEvent(ctx, "payment."+string(newStatus), p.TransactionID, map[string]interface{}{
		"payment_id":     paymentID,
		"transaction_id": p.TransactionID,
		"status":         newStatus,
		"admin_id":       actingAdminID,
	})

	slog.Info("payment status updated", "payment_id", paymentID, "status", newStatus, "admin_id", actingAdminID)
	return s.paymentRepo.GetByID(ctx, paymentID)
}

// settlePaidTransaction moves the parent transaction forward after a paid
// payment: straight to paid when every delivery item is already delivered,
// otherwise it stays in_progress until the last item lands.
func (s *lifecycleService) settlePaidTransaction(ctx context.Context, transactionID int64) error {
	items, err := s.deliveryRepo.ListByTransaction(ctx, transactionID)
	if err != nil {
		return err
	}

	allDelivered := len(items) > 0
	for _, item := range items {
		if item.Status != models.DeliveryDelivered {
			allDelivered = false
			break
		}
	}

	if !allDelivered {
		slog.Info("payment settled, delivery outstanding", "transaction_id", transactionID, "items", len(items))
		return nil
	}

	ok, err := s.transactionRepo.UpdateStatus(ctx, transactionID,
		[]models.TransactionStatus{models.TransactionPending, models.TransactionInProgress}, models.TransactionPaid)
	if err != nil {
		return err
	}
	if ok {
		s.emitEvent(ctx, "transaction.completed", transactionID, map[string]interface{}{
			"transaction_id": transactionID,
		})
		slog.Info("transaction completed", "transaction_id", transactionID)
	}
	return nil
}

// AutoExpire lazily expires the identified transaction and/or payment when
// its deadline passed and it is still non-terminal. Pass 0 to skip either
// side. Best-effort: failures are logged, never returned, and running it
// twice on an already-expired row is a no-op thanks to the conditional
// update.
func (s *lifecycleService) AutoExpire(ctx context.Context, transactionID, paymentID int64) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "AutoExpire")
	defer span.End()

	now := s.now()

	if transactionID != 0 {
		tx, err := s.transactionRepo.GetByID(ctx, transactionID)
		switch {
		case err != nil:
			slog.Warn("auto-expire: transaction read failed", "transaction_id", transactionID, "error", err)
		case !tx.Status.IsTerminal() && !tx.ExpiresAt.After(now):
			ok, err := s.transactionRepo.UpdateStatus(ctx, transactionID, models.ExpirableTransactionStatuses(), models.TransactionExpired)
			if err != nil {
				slog.Error("auto-expire: transaction update failed", "transaction_id", transactionID, "error", err)
			} else if ok {
				observability.ExpiredEntities.WithLabelValues("transaction", "lazy").Inc()
				s.emitEvent(ctx, "transaction.expired", transactionID, map[string]interface{}{"transaction_id": transactionID})
				slog.Info("transaction lazily expired", "transaction_id", transactionID)
			}
		}
	}

	if paymentID != 0 {
		p, err := s.paymentRepo.GetByID(ctx, paymentID)
		switch {
		case err != nil:
			slog.Warn("auto-expire: payment read failed", "payment_id", paymentID, "error", err)
		case p.Status == models.PaymentPending && !p.ExpiresAt.After(now):
			ok, err := s.paymentRepo.UpdateStatus(ctx, paymentID, models.PaymentExpired, "", nil)
			if err != nil {
				slog.Error("auto-expire: payment update failed", "payment_id", paymentID, "error", err)
			} else if ok {
				observability.ExpiredEntities.WithLabelValues("payment", "lazy").Inc()
				s.emitEvent(ctx, "payment.expired", p.TransactionID, map[string]interface{}{"payment_id": paymentID, "transaction_id": p.TransactionID})
				slog.Info("payment lazily expired", "payment_id", paymentID)
			}
		}
	}
}

// ProcessExpiredTransactions is the bulk sweep counterpart of AutoExpire,
// meant to be driven by an external periodic trigger. The predicate-gated
// update makes it safe to race the lazy per-request path.
func (s *lifecycleService) ProcessExpiredTransactions(ctx context.Context) ([]models.Transaction, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "ProcessExpiredTransactions")
	defer span.End()

	expired, err := s.transactionRepo.ExpireDue(ctx, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	observability.ExpiredEntities.WithLabelValues("transaction", "sweep").Add(float64(len(expired)))
	for _, tx := range expired {
		s.emitEvent(ctx, "transaction.expired", tx.ID, map[string]interface{}{"transaction_id": tx.ID})
	}
	return expired, nil
}

func (s *lifecycleService) ProcessExpiredPayments(ctx context.Context) ([]models.Payment, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "ProcessExpiredPayments")
	defer span.End()

	expired, err := s.paymentRepo.ExpireDue(ctx, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	observability.ExpiredEntities.WithLabelValues("payment", "sweep").Add(float64(len(expired)))
	for _, p := range expired {
		s.emitEvent(ctx, "payment.expired", p.TransactionID, map[string]interface{}{"payment_id": p.ID, "transaction_id": p.TransactionID})
	}
	return expired, nil
}

// CancelTransaction cancels a transaction on behalf of its owner. A missing
// row and a row owned by someone else both come back as not-found so that
// callers cannot probe for existence. Cancelling an already-terminal
// transaction returns its current state unchanged.
func (s *lifecycleService) CancelTransaction(ctx context.Context, transactionID, userID int64) (*models.Transaction, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "CancelTransaction")
	defer span.End()

	if _, err := s.transactionRepo.GetByIDForUser(ctx, transactionID, userID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.AutoExpire(ctx, transactionID, 0)

	ok, err := s.transactionRepo.UpdateStatus(ctx, transactionID, models.CancellableTransactionStatuses(), models.TransactionCancelled)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if ok {
		// An in-flight payment attempt dies with its transaction.
		if active, err := s.paymentRepo.GetActiveByTransaction(ctx, transactionID); err == nil {
			if _, err := s.paymentRepo.UpdateStatus(ctx, active.ID, models.PaymentCancelled, "", nil); err != nil {
				slog.Error("failed to cancel active payment", "payment_id", active.ID, "transaction_id", transactionID, "error", err)
			}
		} else if !stderrors.Is(err, pkgerrors.ErrPaymentNotFound) {
			slog.Error("failed to look up active payment", "transaction_id", transactionID, "error", err)
		}

		s.emitEvent(ctx, "transaction.cancelled", transactionID, map[string]interface{}{
			"transaction_id": transactionID,
			"user_id":        userID,
		})
		slog.Info("transaction cancelled", "transaction_id", transactionID, "user_id", userID)
	}

	return s.transactionRepo.GetByIDForUser(ctx, transactionID, userID)
}

// CompleteDelivery marks the transaction's awaiting line items delivered
// and, when that was the last outstanding item, closes the transaction out
// as paid. The repository runs the mark-and-count under a row lock on the
// parent, so concurrent completions cannot both miss the final state.
func (s *lifecycleService) CompleteDelivery(ctx context.Context, transactionID, actingAdminID int64) (*DeliveryResult, error) {
	tracer := otel.Tracer("lifecycle-service")
	ctx, span := tracer.Start(ctx, "CompleteDelivery")
	defer span.End()

	delivered, remaining, err := s.deliveryRepo.CompleteForTransaction(ctx, transactionID, s.now())
	if err != nil {
		span.RecordError(err)
		if stderrors.Is(err, pkgerrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delivery completion failed: %w", err)
	}

	result := &DeliveryResult{Delivered: delivered > 0}

	if remaining == 0 {
		completed, err := s.transactionRepo.UpdateStatus(ctx, transactionID,
			[]models.TransactionStatus{models.TransactionPending, models.TransactionInProgress}, models.TransactionPaid)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		result.TransactionCompleted = completed
		if completed {
			s.emitEvent(ctx, "transaction.completed", transactionID, map[string]interface{}{
				"transaction_id": transactionID,
				"admin_id":       actingAdminID,
			})
			slog.Info("transaction completed by delivery", "transaction_id", transactionID, "admin_id", actingAdminID)
		}
	}

	slog.Info("delivery processed", "transaction_id", transactionID, "delivered", delivered, "remaining", remaining, "admin_id", actingAdminID)
	return result, nil
}
