package repository

import (
	"context"
	"time"

	"github.com/mygads/genfity-server-sub007/internal/models"
)

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Transaction, error)
	// GetByIDForUser maps both a missing row and a row owned by another
	// user to ErrTransactionNotFound.
	GetByIDForUser(ctx context.Context, id, userID int64) (*models.Transaction, error)
	ListByUser(ctx context.Context, userID int64) ([]models.Transaction, error)
	// UpdateStatus transitions to the target status only while the current
	// status is in the from set. Returns false when no row matched.
	UpdateStatus(ctx context.Context, id int64, from []models.TransactionStatus, to models.TransactionStatus) (bool, error)
	// ExpireDue transitions every non-terminal transaction whose deadline
	// passed to expired and returns the affected rows.
	ExpireDue(ctx context.Context, now time.Time) ([]models.Transaction, error)
}
