package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mygads/genfity-server-sub007/internal/infrastructure/observability"
	"github.com/mygads/genfity-server-sub007/internal/models"
	pkgerrors "github.com/mygads/genfity-server-sub007/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const paymentColumns = `id, transaction_id, amount, method, status, external_id, payment_url, admin_notes, expires_at, action_date, payment_date, created_at, updated_at`

type PostgresPaymentRepository struct {
	db *sql.DB
}

func NewPostgresPaymentRepository(db *sql.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

func scanPayment(row interface{ Scan(...any) error }) (*models.Payment, error) {
	var p models.Payment
	var externalID, paymentURL, adminNotes sql.NullString
	var actionDate, paymentDate sql.NullTime
	err := row.Scan(&p.ID, &p.TransactionID, &p.Amount, &p.Method, &p.Status,
		&externalID, &paymentURL, &adminNotes, &p.ExpiresAt,
		&actionDate, &paymentDate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ExternalID = externalID.String
	p.PaymentURL = paymentURL.String
	p.AdminNotes = adminNotes.String
	if actionDate.Valid {
		p.ActionDate = &actionDate.Time
	}
	if paymentDate.Valid {
		p.PaymentDate = &paymentDate.Time
	}
	return &p, nil
}

// CreateForTransaction inserts the payment and promotes the parent
// transaction from pending to in_progress inside one database transaction.
// The parent row is locked first so two concurrent creates serialize on it;
// the loser then sees the winner's pending payment and fails.
func (r *PostgresPaymentRepository) CreateForTransaction(ctx context.Context, p *models.Payment) (int64, error) {
	var err error
	tracer := otel.Tracer("payment-repository")
	ctx, span := tracer.Start(ctx, "CreatePayment")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreatePayment", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreatePayment").Observe(time.Since(start).Seconds())
	}()

	if p == nil {
		err = pkgerrors.ErrNilPayment
		slog.Error("failed to create payment", "method", "CreateForTransaction", "error", err)
		return 0, err
	}
	if p.Amount <= 0 {
		err = pkgerrors.ErrInvalidAmount
		slog.Error("amount must be positive", "method", "CreateForTransaction", "amount", p.Amount, "error", err)
		return 0, err
	}
	if p.Method == "" {
		err = pkgerrors.ErrMissingMethod
		slog.Error("payment method is required", "method", "CreateForTransaction", "error", err)
		return 0, err
	}

	span.SetAttributes(
		attribute.Int64("transaction_id", p.TransactionID),
		attribute.Int64("amount", p.Amount),
		attribute.String("payment_method", p.Method),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "CreateForTransaction", "error", err)
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	rollback := func(cause error) (int64, error) {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "CreateForTransaction", "error", rbErr)
			return 0, fmt.Errorf("rollback failed: %v; original error: %w", rbErr, cause)
		}
		return 0, cause
	}

	var parentStatus models.TransactionStatus
	err = dbTx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1 FOR UPDATE`, p.TransactionID).Scan(&parentStatus)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		slog.Warn("transaction not found", "method", "CreateForTransaction", "transaction_id", p.TransactionID)
		return rollback(err)
	}
	if err != nil {
		slog.Error("failed to lock transaction", "method", "CreateForTransaction", "transaction_id", p.TransactionID, "error", err)
		return rollback(fmt.Errorf("failed to lock transaction: %w", err))
	}

	var pendingCount int
	err = dbTx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE transaction_id = $1 AND status = $2`, p.TransactionID, models.PaymentPending).Scan(&pendingCount)
	if err != nil {
		slog.Error("failed to count pending payments", "method", "CreateForTransaction", "transaction_id", p.TransactionID, "error", err)
		return rollback(fmt.Errorf("failed to count pending payments: %w", err))
	}
	if pendingCount > 0 {
		err = pkgerrors.ErrActivePaymentExists
		slog.Warn("pending payment already exists", "method", "CreateForTransaction", "transaction_id", p.TransactionID)
		return rollback(err)
	}

	query := `INSERT INTO payments (transaction_id, amount, method, status, external_id, payment_url, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`
	err = dbTx.QueryRowContext(ctx, query,
		p.TransactionID, p.Amount, p.Method, p.Status, p.ExternalID, p.PaymentURL, p.ExpiresAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		slog.Error("failed to insert payment", "method", "CreateForTransaction", "transaction_id", p.TransactionID, "error", err)
		return rollback(fmt.Errorf("failed to insert payment: %w", err))
	}

	// A pending parent moves to in_progress now that a payment exists.
	// An in_progress parent stays as it is.
	if parentStatus == models.TransactionPending {
		_, err = dbTx.ExecContext(ctx, `UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
			models.TransactionInProgress, p.TransactionID, models.TransactionPending)
		if err != nil {
			slog.Error("failed to promote transaction", "method", "CreateForTransaction", "transaction_id", p.TransactionID, "error", err)
			return rollback(fmt.Errorf("failed to promote transaction: %w", err))
		}
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit payment creation", "method", "CreateForTransaction", "transaction_id", p.TransactionID, "error", err)
		return 0, fmt.Errorf("failed to commit payment creation: %w", err)
	}

	slog.Info("payment created", "method", "CreateForTransaction", "id", p.ID, "transaction_id", p.TransactionID, "payment_method", p.Method, "expires_at", p.ExpiresAt)
	return p.ID, nil
}

func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id int64) (*models.Payment, error) {
	var err error
	tracer := otel.Tracer("payment-repository")
	ctx, span := tracer.Start(ctx, "GetPaymentByID")
	span.SetAttributes(attribute.Int64("payment_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetPaymentByID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetPaymentByID").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPaymentNotFound
		slog.Warn("payment not found", "method", "GetByID", "payment_id", id)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get payment by id", "method", "GetByID", "payment_id", id, "error", err)
		return nil, fmt.Errorf("failed to get payment by id: %w", err)
	}

	return p, nil
}

func (r *PostgresPaymentRepository) GetActiveByTransaction(ctx context.Context, transactionID int64) (*models.Payment, error) {
	var err error
	tracer := otel.Tracer("payment-repository")
	ctx, span := tracer.Start(ctx, "GetActivePayment")
	span.SetAttributes(attribute.Int64("transaction_id", transactionID))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetActivePayment", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetActivePayment").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, transactionID, models.PaymentPending))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPaymentNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get active payment", "method", "GetActiveByTransaction", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("failed to get active payment: %w", err)
	}

	return p, nil
}

func (r *PostgresPaymentRepository) UpdateStatus(ctx context.Context, id int64, to models.PaymentStatus, adminNotes string, paidAt *time.Time) (bool, error) {
	var err error
	tracer := otel.Tracer("payment-repository")
	ctx, span := tracer.Start(ctx, "UpdatePaymentStatus")
	span.SetAttributes(attribute.Int64("payment_id", id), attribute.String("to", string(to)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("UpdatePaymentStatus", status).Inc()
		observability.RepositoryDuration.WithLabelValues("UpdatePaymentStatus").Observe(time.Since(start).Seconds())
	}()

	if !to.Valid() {
		err = pkgerrors.ErrInvalidStatus
		slog.Error("invalid payment status", "method", "UpdateStatus", "status", to, "error", err)
		return false, err
	}

	var paymentDate sql.NullTime
	if paidAt != nil {
		paymentDate = sql.NullTime{Time: *paidAt, Valid: true}
	}

	// Only a pending payment may transition; terminal rows never match.
	query := `UPDATE payments SET status = $1, admin_notes = $2, action_date = NOW(), payment_date = COALESCE($3, payment_date), updated_at = NOW() WHERE id = $4 AND status = $5`
	res, err := r.db.ExecContext(ctx, query, to, adminNotes, paymentDate, id, models.PaymentPending)
	if err != nil {
		slog.Error("failed to update payment status", "method", "UpdateStatus", "payment_id", id, "to", to, "error", err)
		return false, fmt.Errorf("failed to update payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		slog.Error("failed to read rows affected", "method", "UpdateStatus", "payment_id", id, "error", err)
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected > 0 {
		slog.Info("payment status updated", "method", "UpdateStatus", "payment_id", id, "to", to)
	}
	return affected > 0, nil
}

func (r *PostgresPaymentRepository) ExpireDue(ctx context.Context, now time.Time) ([]models.Payment, error) {
	var err error
	tracer := otel.Tracer("payment-repository")
	ctx, span := tracer.Start(ctx, "ExpireDuePayments")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ExpireDuePayments", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ExpireDuePayments").Observe(time.Since(start).Seconds())
	}()

	query := `UPDATE payments SET status = $1, action_date = NOW(), updated_at = NOW() WHERE expires_at < $2 AND status = $3 RETURNING ` + paymentColumns
	rows, err := r.db.QueryContext(ctx, query, models.PaymentExpired, now, models.PaymentPending)
	if err != nil {
		slog.Error("failed to expire due payments", "method", "ExpireDue", "error", err)
		return nil, fmt.Errorf("failed to expire due payments: %w", err)
	}
	defer rows.Close()

	var expired []models.Payment
	for rows.Next() {
		p, scanErr := scanPayment(rows)
		if scanErr != nil {
			err = scanErr
			slog.Error("failed to scan expired payment", "method", "ExpireDue", "error", err)
			return nil, fmt.Errorf("failed to scan expired payment: %w", err)
		}
		expired = append(expired, *p)
	}
	if err = rows.Err(); err != nil {
		slog.Error("failed to iterate expired payments", "method", "ExpireDue", "error", err)
		return nil, fmt.Errorf("failed to iterate expired payments: %w", err)
	}

	slog.Info("due payments expired", "method", "ExpireDue", "count", len(expired))
	return expired, nil
}
