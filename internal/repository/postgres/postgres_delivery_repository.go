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

type PostgresDeliveryRepository struct {
	db *sql.DB
}

func NewPostgresDeliveryRepository(db *sql.DB) *PostgresDeliveryRepository {
	return &PostgresDeliveryRepository{db: db}
}

func (r *PostgresDeliveryRepository) CreateItems(ctx context.Context, items []models.DeliveryItem) error {
	var err error
	tracer := otel.Tracer("delivery-repository")
	ctx, span := tracer.Start(ctx, "CreateDeliveryItems")
	span.SetAttributes(attribute.Int("count", len(items)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreateDeliveryItems", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateDeliveryItems").Observe(time.Since(start).Seconds())
	}()

	if len(items) == 0 {
		return nil
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "CreateItems", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `INSERT INTO delivery_items (transaction_id, customer_id, kind, status) VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	for i := range items {
		item := &items[i]
		err = dbTx.QueryRowContext(ctx, query, item.TransactionID, item.CustomerID, item.Kind, item.Status).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			if rbErr := dbTx.Rollback(); rbErr != nil {
				slog.Error("rollback failed", "method", "CreateItems", "error", rbErr)
				return fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
			}
			slog.Error("failed to insert delivery item", "method", "CreateItems", "transaction_id", item.TransactionID, "error", err)
			return fmt.Errorf("failed to insert delivery item: %w", err)
		}
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit delivery items", "method", "CreateItems", "error", err)
		return fmt.Errorf("failed to commit delivery items: %w", err)
	}

	slog.Info("delivery items created", "method", "CreateItems", "transaction_id", items[0].TransactionID, "count", len(items))
	return nil
}

func (r *PostgresDeliveryRepository) ListByTransaction(ctx context.Context, transactionID int64) ([]models.DeliveryItem, error) {
	var err error
	tracer := otel.Tracer("delivery-repository")
	ctx, span := tracer.Start(ctx, "ListDeliveryItems")
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
		observability.RepositoryCalls.WithLabelValues("ListDeliveryItems", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ListDeliveryItems").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT id, transaction_id, customer_id, kind, status, delivered_at, created_at FROM delivery_items WHERE transaction_id = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		slog.Error("failed to list delivery items", "method", "ListByTransaction", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("failed to list delivery items: %w", err)
	}
	defer rows.Close()

	var items []models.DeliveryItem
	for rows.Next() {
		var item models.DeliveryItem
		var deliveredAt sql.NullTime
		if err = rows.Scan(&item.ID, &item.TransactionID, &item.CustomerID, &item.Kind, &item.Status, &deliveredAt, &item.CreatedAt); err != nil {
			slog.Error("failed to scan delivery item", "method", "ListByTransaction", "transaction_id", transactionID, "error", err)
			return nil, fmt.Errorf("failed to scan delivery item: %w", err)
		}
		if deliveredAt.Valid {
			item.DeliveredAt = &deliveredAt.Time
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		slog.Error("failed to iterate delivery items", "method", "ListByTransaction", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("failed to iterate delivery items: %w", err)
	}

	return items, nil
}

// CompleteForTransaction marks the awaiting items delivered and counts what
// remains, all under a row lock on the parent transaction. Two concurrent
// completions serialize on the lock, so the second one always sees the
// first one's writes when it counts the remainder.
func (r *PostgresDeliveryRepository) CompleteForTransaction(ctx context.Context, transactionID int64, now time.Time) (int, int, error) {
	var err error
	tracer := otel.Tracer("delivery-repository")
	ctx, span := tracer.Start(ctx, "CompleteDelivery")
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
		observability.RepositoryCalls.WithLabelValues("CompleteDelivery", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CompleteDelivery").Observe(time.Since(start).Seconds())
	}()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "CompleteForTransaction", "error", err)
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	rollback := func(cause error) (int, int, error) {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "CompleteForTransaction", "error", rbErr)
			return 0, 0, fmt.Errorf("rollback failed: %v; original error: %w", rbErr, cause)
		}
		return 0, 0, cause
	}

	var parentID int64
	err = dbTx.QueryRowContext(ctx, `SELECT id FROM transactions WHERE id = $1 FOR UPDATE`, transactionID).Scan(&parentID)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		slog.Warn("transaction not found", "method", "CompleteForTransaction", "transaction_id", transactionID)
		return rollback(err)
	}
	if err != nil {
		slog.Error("failed to lock transaction", "method", "CompleteForTransaction", "transaction_id", transactionID, "error", err)
		return rollback(fmt.Errorf("failed to lock transaction: %w", err))
	}

	res, err := dbTx.ExecContext(ctx, `UPDATE delivery_items SET status = $1, delivered_at = $2 WHERE transaction_id = $3 AND status = $4`,
		models.DeliveryDelivered, now, transactionID, models.DeliveryAwaiting)
	if err != nil {
		slog.Error("failed to mark items delivered", "method", "CompleteForTransaction", "transaction_id", transactionID, "error", err)
		return rollback(fmt.Errorf("failed to mark items delivered: %w", err))
	}
	deliveredNow, err := res.RowsAffected()
	if err != nil {
		slog.Error("failed to read rows affected", "method", "CompleteForTransaction", "transaction_id", transactionID, "error", err)
		return rollback(fmt.Errorf("failed to read rows affected: %w", err))
	}

	var total, remaining int
	err = dbTx.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $1) FROM delivery_items WHERE transaction_id = $2`,
		models.DeliveryAwaiting, transactionID).Scan(&total, &remaining)
	if err != nil {
		slog.Error("failed to count delivery items", "method", "CompleteForTransaction", "transaction_id", transactionID, "error", err)
		return rollback(fmt.Errorf("failed to count delivery items: %w", err))
	}
	if total == 0 {
		err = pkgerrors.ErrDeliveryNotFound
		slog.Warn("no delivery items for transaction", "method", "CompleteForTransaction", "transaction_id", transactionID)
		return rollback(err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit delivery completion", "method", "CompleteForTransaction", "transaction_id", transactionID, "error", err)
		return 0, 0, fmt.Errorf("failed to commit delivery completion: %w", err)
	}

	slog.Info("delivery completed", "method", "CompleteForTransaction", "transaction_id", transactionID, "delivered", deliveredNow, "remaining", remaining)
	return int(deliveredNow), remaining, nil
}
