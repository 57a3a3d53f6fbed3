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

type PostgresVoucherRepository struct {
	db *sql.DB
}

func NewPostgresVoucherRepository(db *sql.DB) *PostgresVoucherRepository {
	return &PostgresVoucherRepository{db: db}
}

// Redeem reads the voucher, computes the discount for the base amount and
// records a usage row. The discount never exceeds the base amount.
func (r *PostgresVoucherRepository) Redeem(ctx context.Context, voucherID, userID, amount int64) (int64, error) {
	var err error
	tracer := otel.Tracer("voucher-repository")
	ctx, span := tracer.Start(ctx, "RedeemVoucher")
	span.SetAttributes(attribute.Int64("voucher_id", voucherID), attribute.Int64("user_id", userID))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("RedeemVoucher", status).Inc()
		observability.RepositoryDuration.WithLabelValues("RedeemVoucher").Observe(time.Since(start).Seconds())
	}()

	var voucher models.Voucher
	err = r.db.QueryRowContext(ctx, `SELECT id, code, discount_type, discount_value, max_discount FROM vouchers WHERE id = $1`, voucherID).
		Scan(&voucher.ID, &voucher.Code, &voucher.DiscountType, &voucher.DiscountValue, &voucher.MaxDiscount)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrVoucherNotFound
		slog.Warn("voucher not found", "method", "Redeem", "voucher_id", voucherID)
		return 0, err
	}
	if err != nil {
		slog.Error("failed to get voucher", "method", "Redeem", "voucher_id", voucherID, "error", err)
		return 0, fmt.Errorf("failed to get voucher: %w", err)
	}

	var discount int64
	switch voucher.DiscountType {
	case models.DiscountPercentage:
		discount = amount * voucher.DiscountValue / 100
		if voucher.MaxDiscount > 0 && discount > voucher.MaxDiscount {
			discount = voucher.MaxDiscount
		}
	case models.DiscountFixed:
		discount = voucher.DiscountValue
	default:
		err = fmt.Errorf("%w: unknown discount type %q", pkgerrors.ErrValidation, voucher.DiscountType)
		slog.Error("unknown discount type", "method", "Redeem", "voucher_id", voucherID, "discount_type", voucher.DiscountType)
		return 0, err
	}
	if discount > amount {
		discount = amount
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO voucher_usages (voucher_id, user_id, discount_amount) VALUES ($1, $2, $3)`, voucherID, userID, discount)
	if err != nil {
		slog.Error("failed to record voucher usage", "method", "Redeem", "voucher_id", voucherID, "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to record voucher usage: %w", err)
	}

	slog.Info("voucher redeemed", "method", "Redeem", "voucher_id", voucherID, "user_id", userID, "discount", discount)
	return discount, nil
}
