package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/mygads/genfity-server-sub007/internal/infrastructure/observability"
	"github.com/mygads/genfity-server-sub007/internal/models"
	pkgerrors "github.com/mygads/genfity-server-sub007/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const transactionColumns = `id, user_id, amount, currency, type, status, voucher_id, original_amount, discount_amount, final_amount, service_fee_amount, notes, expires_at, created_at, updated_at`

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func scanTransaction(row interface{ Scan(...any) error }) (*models.Transaction, error) {
	var tx models.Transaction
	var voucherID sql.NullInt64
	var notes sql.NullString
	err := row.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Currency, &tx.Type, &tx.Status,
		&voucherID, &tx.OriginalAmount, &tx.DiscountAmount, &tx.FinalAmount,
		&tx.ServiceFeeAmount, &notes, &tx.ExpiresAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if voucherID.Valid {
		tx.VoucherID = &voucherID.Int64
	}
	tx.Notes = notes.String
	return &tx, nil
}

func transactionStatusStrings(statuses []models.TransactionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (r *PostgresTransactionRepository) Create(ctx context.Context, tx *models.Transaction) (int64, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreateTransaction", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateTransaction").Observe(time.Since(start).Seconds())
	}()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return 0, err
	}
	if !tx.Type.Valid() {
		err = pkgerrors.ErrInvalidType
		slog.Error("invalid transaction type", "method", "Create", "type", tx.Type, "error", err)
		return 0, err
	}
	if !tx.Status.Valid() {
		err = pkgerrors.ErrInvalidStatus
		slog.Error("invalid transaction status", "method", "Create", "status", tx.Status, "error", err)
		return 0, err
	}
	if tx.Amount <= 0 {
		err = pkgerrors.ErrInvalidAmount
		slog.Error("amount must be positive", "method", "Create", "amount", tx.Amount, "error", err)
		return 0, err
	}

	span.SetAttributes(
		attribute.Int64("user_id", tx.UserID),
		attribute.Int64("amount", tx.Amount),
		attribute.String("type", string(tx.Type)),
		attribute.String("status", string(tx.Status)),
	)

	var voucherID sql.NullInt64
	if tx.VoucherID != nil {
		voucherID = sql.NullInt64{Int64: *tx.VoucherID, Valid: true}
	}

	query := `INSERT INTO transactions (user_id, amount, currency, type, status, voucher_id, original_amount, discount_amount, final_amount, service_fee_amount, notes, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id, created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query,
		tx.UserID, tx.Amount, tx.Currency, tx.Type, tx.Status, voucherID,
		tx.OriginalAmount, tx.DiscountAmount, tx.FinalAmount, tx.ServiceFeeAmount,
		tx.Notes, tx.ExpiresAt,
	).Scan(&tx.ID, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		slog.Error("failed to create transaction", "method", "Create", "user_id", tx.UserID, "type", tx.Type, "error", err)
		return 0, fmt.Errorf("failed to create transaction: %w", err)
	}

	slog.Info("transaction created", "method", "Create", "id", tx.ID, "user_id", tx.UserID, "type", tx.Type, "status", tx.Status, "expires_at", tx.ExpiresAt)
	return tx.ID, nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByID")
	span.SetAttributes(attribute.Int64("transaction_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetTransactionByID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetTransactionByID").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		slog.Warn("transaction not found", "method", "GetByID", "transaction_id", id)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}

	return tx, nil
}

func (r *PostgresTransactionRepository) GetByIDForUser(ctx context.Context, id, userID int64) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByIDForUser")
	span.SetAttributes(attribute.Int64("transaction_id", id), attribute.Int64("user_id", userID))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetTransactionByIDForUser", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetTransactionByIDForUser").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 AND user_id = $2`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id, userID))
	if stderrors.Is(err, sql.ErrNoRows) {
		// Missing and not-owned are deliberately indistinguishable here.
		err = pkgerrors.ErrTransactionNotFound
		slog.Warn("transaction not found or not owned", "method", "GetByIDForUser", "transaction_id", id, "user_id", userID)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction for user", "method", "GetByIDForUser", "transaction_id", id, "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get transaction for user: %w", err)
	}

	return tx, nil
}

func (r *PostgresTransactionRepository) ListByUser(ctx context.Context, userID int64) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ListTransactionsByUser")
	span.SetAttributes(attribute.Int64("user_id", userID))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ListTransactionsByUser", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ListTransactionsByUser").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		slog.Error("failed to list transactions", "method", "ListByUser", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		tx, scanErr := scanTransaction(rows)
		if scanErr != nil {
			err = scanErr
			slog.Error("failed to scan transaction row", "method", "ListByUser", "user_id", userID, "error", err)
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, *tx)
	}
	if err = rows.Err(); err != nil {
		slog.Error("failed to iterate transactions", "method", "ListByUser", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return transactions, nil
}

func (r *PostgresTransactionRepository) UpdateStatus(ctx context.Context, id int64, from []models.TransactionStatus, to models.TransactionStatus) (bool, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "UpdateTransactionStatus")
	span.SetAttributes(attribute.Int64("transaction_id", id), attribute.String("to", string(to)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("UpdateTransactionStatus", status).Inc()
		observability.RepositoryDuration.WithLabelValues("UpdateTransactionStatus").Observe(time.Since(start).Seconds())
	}()

	if !to.Valid() {
		err = pkgerrors.ErrInvalidStatus
		slog.Error("invalid transaction status", "method", "UpdateStatus", "status", to, "error", err)
		return false, err
	}

	query := `UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)`
	res, err := r.db.ExecContext(ctx, query, to, id, pq.Array(transactionStatusStrings(from)))
	if err != nil {
		slog.Error("failed to update transaction status", "method", "UpdateStatus", "transaction_id", id, "to", to, "error", err)
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		slog.Error("failed to read rows affected", "method", "UpdateStatus", "transaction_id", id, "error", err)
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected > 0 {
		slog.Info("transaction status updated", "method", "UpdateStatus", "transaction_id", id, "to", to)
	}
	return affected > 0, nil
}

func (r *PostgresTransactionRepository) ExpireDue(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ExpireDueTransactions")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ExpireDueTransactions", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ExpireDueTransactions").Observe(time.Since(start).Seconds())
	}()

	query := `UPDATE transactions SET status = $1, updated_at = NOW() WHERE expires_at < $2 AND status = ANY($3) RETURNING ` + transactionColumns
	rows, err := r.db.QueryContext(ctx, query, models.TransactionExpired, now, pq.Array(transactionStatusStrings(models.ExpirableTransactionStatuses())))
	if err != nil {
		slog.Error("failed to expire due transactions", "method", "ExpireDue", "error", err)
		return nil, fmt.Errorf("failed to expire due transactions: %w", err)
	}
	defer rows.Close()

	var expired []models.Transaction
	for rows.Next() {
		tx, scanErr := scanTransaction(rows)
		if scanErr != nil {
			err = scanErr
			slog.Error("failed to scan expired transaction", "method", "ExpireDue", "error", err)
			return nil, fmt.Errorf("failed to scan expired transaction: %w", err)
		}
		expired = append(expired, *tx)
	}
	if err = rows.Err(); err != nil {
		slog.Error("failed to iterate expired transactions", "method", "ExpireDue", "error", err)
		return nil, fmt.Errorf("failed to iterate expired transactions: %w", err)
	}

	slog.Info("due transactions expired", "method", "ExpireDue", "count", len(expired))
	return expired, nil
}
