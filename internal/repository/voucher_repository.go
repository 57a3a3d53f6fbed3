package repository

import "context"

type VoucherRepository interface {
	// Redeem records a voucher usage for the user and returns the discount
	// amount for the given base amount. Discount policy lives with the
	// voucher row; the lifecycle only stores the resulting numbers.
	Redeem(ctx context.Context, voucherID, userID, amount int64) (int64, error)
}
