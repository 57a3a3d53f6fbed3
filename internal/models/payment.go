package models

import "time"

type Payment struct {
	ID            int64         `json:"id"`
	TransactionID int64         `json:"transaction_id"`
	Amount        int64         `json:"amount"`
	Method        string        `json:"method"`
	Status        PaymentStatus `json:"status"`
	ExternalID    string        `json:"external_id,omitempty"`
	PaymentURL    string        `json:"payment_url,omitempty"`
	AdminNotes    string        `json:"admin_notes,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at"`
	ActionDate    *time.Time    `json:"action_date,omitempty"`
	PaymentDate   *time.Time    `json:"payment_date,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentExpired, PaymentCancelled:
		return true
	}
	return false
}

// IsTerminal returns true once the payment can no longer change status.
// Every status except pending is terminal.
func (s PaymentStatus) IsTerminal() bool {
	return s != PaymentPending
}
