package rebase

import "errors"

var (
	// ErrArithmeticOverflow is returned when any intermediate of the interest
	// computation or a principal credit exceeds the 256-bit range. Balances
	// never wrap; the whole operation is rejected instead.
	ErrArithmeticOverflow = errors.New("rebase: arithmetic overflow")
	// ErrInsufficientBalance is returned when a debit exceeds the settled
	// balance available at execution time.
	ErrInsufficientBalance = errors.New("rebase: insufficient balance")
	// ErrRateMustDecrease is returned when an operator submits a rate greater
	// than or equal to the current global rate.
	ErrRateMustDecrease = errors.New("rebase: rate must decrease")
	// ErrUnauthorized is returned when a caller other than the registered
	// operator attempts a restricted operation.
	ErrUnauthorized = errors.New("rebase: unauthorized")
	// ErrInvalidAmount is returned for nil, negative, or zero amounts.
	ErrInvalidAmount = errors.New("rebase: invalid amount")
	// ErrInvalidRate is returned for nil or negative rates.
	ErrInvalidRate = errors.New("rebase: invalid rate")

	errNilState       = errors.New("rebase: state not configured")
	errNilAuthority   = errors.New("rebase: rate authority not configured")
	errNotInitialized = errors.New("rebase: rate authority not initialized")
)
