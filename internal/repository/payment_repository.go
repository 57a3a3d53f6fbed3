package repository

import (
	"context"
	"time"

	"github.com/mygads/genfity-server-sub007/internal/models"
)

type PaymentRepository interface {
	// CreateForTransaction inserts the payment and moves the parent
	// transaction from pending to in_progress as one atomic unit. Fails
	// with ErrActivePaymentExists when a pending payment already exists.
	CreateForTransaction(ctx context.Context, p *models.Payment) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Payment, error)
	// GetActiveByTransaction returns the pending payment for the
	// transaction, or ErrPaymentNotFound when there is none.
	GetActiveByTransaction(ctx context.Context, transactionID int64) (*models.Payment, error)
	// UpdateStatus transitions a pending payment to the target status,
	// stamping action_date and, when paidAt is set, payment_date.
	// Returns false when the payment was no longer pending.
	UpdateStatus(ctx context.Context, id int64, to models.PaymentStatus, adminNotes string, paidAt *time.Time) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]models.Payment, error)
}
