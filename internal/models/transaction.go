package models

import "time"

type Transaction struct {
	ID               int64             `json:"id"`
	UserID           int64             `json:"user_id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Type             TransactionType   `json:"type"`
	Status           TransactionStatus `json:"status"`
	VoucherID        *int64            `json:"voucher_id,omitempty"`
	OriginalAmount   int64             `json:"original_amount"`
	DiscountAmount   int64             `json:"discount_amount"`
	FinalAmount      int64             `json:"final_amount"`
	ServiceFeeAmount int64             `json:"service_fee_amount"`
	Notes            string            `json:"notes,omitempty"`
	ExpiresAt        time.Time         `json:"expires_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type TransactionType string

const (
	TypeProduct         TransactionType = "product"
	TypeWhatsappService TransactionType = "whatsapp_service"
)

func (t TransactionType) Valid() bool {
	return t == TypeProduct || t == TypeWhatsappService
}

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionInProgress TransactionStatus = "in_progress"
	TransactionPaid       TransactionStatus = "paid"
	TransactionFailed     TransactionStatus = "failed"
	TransactionCancelled  TransactionStatus = "cancelled"
	TransactionExpired    TransactionStatus = "expired"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionPending, TransactionInProgress, TransactionPaid,
		TransactionFailed, TransactionCancelled, TransactionExpired:
		return true
	}
	return false
}

// IsTerminal returns true if no further transition is permitted.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionPaid || s == TransactionFailed ||
		s == TransactionCancelled || s == TransactionExpired
}

// CanTransitionTo returns true if the status can move to target.
func (s TransactionStatus) CanTransitionTo(target TransactionStatus) bool {
	switch s {
	case TransactionPending:
		return target == TransactionInProgress || target == TransactionPaid ||
			target == TransactionCancelled || target == TransactionExpired
	case TransactionInProgress:
		return target == TransactionPaid || target == TransactionFailed ||
			target == TransactionCancelled || target == TransactionExpired
	default:
		return false
	}
}

// Cancellable statuses, used as the CAS guard set for user cancels.
func CancellableTransactionStatuses() []TransactionStatus {
	return []TransactionStatus{TransactionPending, TransactionInProgress}
}

// ExpirableTransactionStatuses is the guard set for the expiry sweeps.
func ExpirableTransactionStatuses() []TransactionStatus {
	return []TransactionStatus{TransactionPending, TransactionInProgress}
}
