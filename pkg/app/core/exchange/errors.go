package exchange

import "errors"

var (
	// ErrUnauthorized is returned when a caller other than the creator
	// tries to cancel an order.
	ErrUnauthorized = errors.New("caller is not the order creator")

	// ErrAlreadyFinalized is returned when cancelling or filling an order
	// that is already Filled or Cancelled. Terminal states are forever; a
	// repeat attempt fails instead of silently succeeding.
	ErrAlreadyFinalized = errors.New("order already finalized")

	// ErrInvalidAmount is returned for zero amounts on any entry point.
	// Amounts are uint256 end-to-end, so negatives cannot be represented.
	ErrInvalidAmount = errors.New("amount must be positive")
)
