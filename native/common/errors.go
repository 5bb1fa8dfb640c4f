package common

import "errors"

// Shared failure kinds surfaced by every engine. Callers branch with
// errors.Is; engines wrap these with fmt.Errorf to add call context.
var (
	ErrInvalidParty           = errors.New("invalid party")
	ErrInvalidSchedule        = errors.New("invalid schedule")
	ErrZeroAmount             = errors.New("zero amount")
	ErrAmountMismatch         = errors.New("amount mismatch")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrCouponReused           = errors.New("coupon reused")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrNotAuthorizedRole      = errors.New("caller not authorized for role")
	ErrInsufficientReleasable = errors.New("insufficient releasable amount")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyClosed          = errors.New("already closed")
	ErrArithmeticOverflow     = errors.New("arithmetic overflow")
	ErrTransferFailed         = errors.New("transfer failed")
)
