package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Each lifecycle operation wraps one of these so the HTTP
// boundary can pick a status code with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")

	ErrTransactionNotFound = fmt.Errorf("%w: transaction not found", ErrNotFound)
	ErrPaymentNotFound     = fmt.Errorf("%w: payment not found", ErrNotFound)
	ErrDeliveryNotFound    = fmt.Errorf("%w: no delivery items for transaction", ErrNotFound)
	ErrVoucherNotFound     = fmt.Errorf("%w: voucher not found", ErrNotFound)

	ErrNilTransaction = fmt.Errorf("%w: transaction is nil", ErrValidation)
	ErrNilPayment     = fmt.Errorf("%w: payment is nil", ErrValidation)
	ErrInvalidAmount  = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrInvalidType    = fmt.Errorf("%w: invalid transaction type", ErrValidation)
	ErrInvalidStatus  = fmt.Errorf("%w: invalid status", ErrValidation)
	ErrMissingMethod  = fmt.Errorf("%w: payment method is required", ErrValidation)

	ErrActivePaymentExists = fmt.Errorf("%w: transaction already has a pending payment", ErrStateConflict)
	ErrPaymentNotAllowed   = fmt.Errorf("%w: cannot create payment for this transaction", ErrStateConflict)
	ErrPaymentTerminal     = fmt.Errorf("%w: payment is already in a terminal state", ErrStateConflict)
	ErrTransactionTerminal = fmt.Errorf("%w: transaction is already in a terminal state", ErrStateConflict)
)
