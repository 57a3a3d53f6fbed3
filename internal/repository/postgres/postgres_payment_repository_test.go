package repository_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mygads/genfity-server-sub007/internal/models"
	repository "github.com/mygads/genfity-server-sub007/internal/repository/postgres"
	pkgerrors "github.com/mygads/genfity-server-sub007/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const paymentCols = "id, transaction_id, amount, method, status, external_id, payment_url, admin_notes, expires_at, action_date, payment_date, created_at, updated_at"

func paymentRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "transaction_id", "amount", "method", "status", "external_id", "payment_url", "admin_notes", "expires_at", "action_date", "payment_date", "created_at", "updated_at"})
	now := time.Now().UTC()
	for _, id := range ids {
		rows.AddRow(id, int64(7), int64(100000), "bank_transfer", "pending", "ext-1", "", "", now.Add(24*time.Hour), nil, nil, now, now)
	}
	return rows
}

func TestPostgresPaymentRepository_CreateForTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPaymentRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	newPayment := func() *models.Payment {
		return &models.Payment{
			TransactionID: 7,
			Amount:        100000,
			Method:        "bank_transfer",
			Status:        models.PaymentPending,
			ExternalID:    "ext-1",
			ExpiresAt:     now.Add(24 * time.Hour),
		}
	}

	t.Run("NilPayment", func(t *testing.T) {
		id, err := repo.CreateForTransaction(ctx, nil)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrNilPayment)
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		p := newPayment()
		p.Amount = 0
		id, err := repo.CreateForTransaction(ctx, p)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
	})

	t.Run("MissingMethod", func(t *testing.T) {
		p := newPayment()
		p.Method = ""
		id, err := repo.CreateForTransaction(ctx, p)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrMissingMethod)
	})

	t.Run("PromotesPendingParent", func(t *testing.T) {
		p := newPayment()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM transactions WHERE id = $1 FOR UPDATE`)).
			WithArgs(p.TransactionID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM payments WHERE transaction_id = $1 AND status = $2`)).
			WithArgs(p.TransactionID, models.PaymentPending).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO payments (transaction_id, amount, method, status, external_id, payment_url, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`)).
			WithArgs(p.TransactionID, p.Amount, p.Method, p.Status, p.ExternalID, p.PaymentURL, p.ExpiresAt).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(3), now, now))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`)).
			WithArgs(models.TransactionInProgress, p.TransactionID, models.TransactionPending).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		id, err := repo.CreateForTransaction(ctx, p)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InProgressParentUntouched", func(t *testing.T) {
		p := newPayment()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM transactions WHERE id = $1 FOR UPDATE`)).
			WithArgs(p.TransactionID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
			WithArgs(p.TransactionID, models.PaymentPending).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO payments`)).
			WithArgs(p.TransactionID, p.Amount, p.Method, p.Status, p.ExternalID, p.PaymentURL, p.ExpiresAt).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(4), now, now))
		mock.ExpectCommit()

		id, err := repo.CreateForTransaction(ctx, p)
		assert.NoError(t, err)
		assert.Equal(t, int64(4), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ActivePaymentExists", func(t *testing.T) {
		p := newPayment()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM transactions WHERE id = $1 FOR UPDATE`)).
			WithArgs(p.TransactionID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
			WithArgs(p.TransactionID, models.PaymentPending).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectRollback()

		id, err := repo.CreateForTransaction(ctx, p)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrActivePaymentExists)
		assert.ErrorIs(t, err, pkgerrors.ErrStateConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("TransactionMissing", func(t *testing.T) {
		p := newPayment()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM transactions WHERE id = $1 FOR UPDATE`)).
			WithArgs(p.TransactionID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}))
		mock.ExpectRollback()

		id, err := repo.CreateForTransaction(ctx, p)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresPaymentRepository_UpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPaymentRepository(db)
	ctx := context.Background()

	t.Run("PaidStampsPaymentDate", func(t *testing.T) {
		paidAt := time.Now().UTC()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE payments SET status = $1, admin_notes = $2, action_date = NOW(), payment_date = COALESCE($3, payment_date), updated_at = NOW() WHERE id = $4 AND status = $5`)).
			WithArgs(models.PaymentPaid, "settled by admin", sqlmock.AnyArg(), int64(3), models.PaymentPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.UpdateStatus(ctx, 3, models.PaymentPaid, "settled by admin", &paidAt)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("TerminalRowDoesNotMatch", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE payments SET status = $1`)).
			WithArgs(models.PaymentCancelled, "", sqlmock.AnyArg(), int64(3), models.PaymentPending).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.UpdateStatus(ctx, 3, models.PaymentCancelled, "", nil)
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InvalidTarget", func(t *testing.T) {
		ok, err := repo.UpdateStatus(ctx, 3, "bogus", "", nil)
		assert.False(t, ok)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidStatus)
	})
}

func TestPostgresPaymentRepository_GetActiveByTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPaymentRepository(db)
	ctx := context.Background()

	t.Run("Found", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT `+paymentCols+` FROM payments WHERE transaction_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`)).
			WithArgs(int64(7), models.PaymentPending).
			WillReturnRows(paymentRows(3))

		p, err := repo.GetActiveByTransaction(ctx, 7)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), p.ID)
		assert.Equal(t, models.PaymentPending, p.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("None", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT `+paymentCols+` FROM payments WHERE transaction_id = $1 AND status = $2`)).
			WithArgs(int64(7), models.PaymentPending).
			WillReturnRows(paymentRows())

		p, err := repo.GetActiveByTransaction(ctx, 7)
		assert.Nil(t, p)
		assert.ErrorIs(t, err, pkgerrors.ErrPaymentNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresPaymentRepository_ExpireDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresPaymentRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE payments SET status = $1, action_date = NOW(), updated_at = NOW() WHERE expires_at < $2 AND status = $3 RETURNING `+paymentCols)).
		WithArgs(models.PaymentExpired, now, models.PaymentPending).
		WillReturnRows(paymentRows(3))

	expired, err := repo.ExpireDue(ctx, now)
	assert.NoError(t, err)
	assert.Len(t, expired, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
