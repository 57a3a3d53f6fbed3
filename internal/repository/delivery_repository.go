package repository

import (
	"context"
	"time"

	"github.com/mygads/genfity-server-sub007/internal/models"
)

type DeliveryRepository interface {
	CreateItems(ctx context.Context, items []models.DeliveryItem) error
	ListByTransaction(ctx context.Context, transactionID int64) ([]models.DeliveryItem, error)
	// CompleteForTransaction marks the awaiting items of the transaction
	// delivered and reports how many it delivered and how many remain.
	// The whole read-mark-count sequence runs under a row lock on the
	// parent transaction so concurrent completions cannot both observe
	// a stale remainder.
	CompleteForTransaction(ctx context.Context, transactionID int64, now time.Time) (delivered, remaining int, err error)
}
