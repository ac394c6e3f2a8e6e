package core

import "errors"

// Ledger and order engine failure kinds. Operations wrap these with
// context via fmt.Errorf("%w: ...") so callers can match errors.Is.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAsset          = errors.New("invalid asset")
	ErrInvalidRecipient      = errors.New("invalid recipient")
	ErrOrderNotFound         = errors.New("order not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrOrderAlreadyFilled    = errors.New("order already filled")
	ErrOrderCancelled        = errors.New("order cancelled")
)
