package ledger

import "errors"

var (
	// ErrUnauthorized means the caller lacks a required role, e.g. an
	// unverified driver creating a ride.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the caller is authenticated but does not own the
	// entity the operation targets.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound covers both absent entities and entities the caller has
	// no visibility into, so existence is not leaked.
	ErrNotFound = errors.New("not found")

	ErrRideNotJoinable         = errors.New("ride is no longer accepting requests")
	ErrCapacityExceeded        = errors.New("not enough seats available")
	ErrDuplicatePendingRequest = errors.New("pending request already exists for this ride")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrInvalidArgument         = errors.New("invalid argument")

	ErrPaymentNotReady = errors.New("payment is only due on completed requests")
	ErrAlreadyPaid     = errors.New("payment already completed")
)
