package repository_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	repository "github.com/mygads/genfity-server-sub007/internal/repository/postgres"
	pkgerrors "github.com/mygads/genfity-server-sub007/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPostgresVoucherRepository_Redeem(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresVoucherRepository(db)
	ctx := context.Background()

	voucherQuery := regexp.QuoteMeta(`SELECT id, code, discount_type, discount_value, max_discount FROM vouchers WHERE id = $1`)
	usageInsert := regexp.QuoteMeta(`INSERT INTO voucher_usages (voucher_id, user_id, discount_amount) VALUES ($1, $2, $3)`)

	t.Run("PercentageCapped", func(t *testing.T) {
		mock.ExpectQuery(voucherQuery).WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "code", "discount_type", "discount_value", "max_discount"}).
				AddRow(int64(5), "LAUNCH10", "percentage", int64(10), int64(5000)))
		mock.ExpectExec(usageInsert).WithArgs(int64(5), int64(1), int64(5000)).
			WillReturnResult(sqlmock.NewResult(1, 1))

		discount, err := repo.Redeem(ctx, 5, 1, 100000)
		assert.NoError(t, err)
		assert.Equal(t, int64(5000), discount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FixedNeverExceedsAmount", func(t *testing.T) {
		mock.ExpectQuery(voucherQuery).WithArgs(int64(6)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "code", "discount_type", "discount_value", "max_discount"}).
				AddRow(int64(6), "FLAT50K", "fixed", int64(50000), int64(0)))
		mock.ExpectExec(usageInsert).WithArgs(int64(6), int64(1), int64(20000)).
			WillReturnResult(sqlmock.NewResult(1, 1))

		discount, err := repo.Redeem(ctx, 6, 1, 20000)
		assert.NoError(t, err)
		assert.Equal(t, int64(20000), discount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(voucherQuery).WithArgs(int64(99)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "code", "discount_type", "discount_value", "max_discount"}))

		discount, err := repo.Redeem(ctx, 99, 1, 100000)
		assert.Equal(t, int64(0), discount)
		assert.ErrorIs(t, err, pkgerrors.ErrVoucherNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
