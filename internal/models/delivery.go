package models

import "time"

// DeliveryItem is one purchased product or service awaiting fulfilment.
// The owning transaction completes only when every sibling item is delivered.
type DeliveryItem struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	CustomerID    int64           `json:"customer_id"`
	Kind          TransactionType `json:"kind"`
	Status        DeliveryStatus  `json:"status"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type DeliveryStatus string

const (
	DeliveryAwaiting  DeliveryStatus = "awaiting_delivery"
	DeliveryDelivered DeliveryStatus = "delivered"
)
