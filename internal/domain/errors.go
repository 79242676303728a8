package domain

import "errors"

var (
	// ErrProtocolInFlight: a non-terminal protocol instance already exists
	// for the channel. The caller must wait for it to terminate.
	ErrProtocolInFlight = errors.New("protocol instance already in flight for channel")

	// ErrProtocolDesync: the counterparty message does not match the state
	// we expect. Never silently ignored; the instance fails immediately.
	ErrProtocolDesync = errors.New("protocol desynchronization")

	// ErrCounterpartyTimeout: the counterparty did not respond within the
	// bounded await. Retriable up to the configured attempt budget.
	ErrCounterpartyTimeout = errors.New("counterparty timed out")

	// ErrInsufficientFunds: channel capacity or margin cannot cover the
	// requested transition. Rejected before any state mutation.
	ErrInsufficientFunds = errors.New("insufficient channel capacity or margin")

	ErrChannelNotFound  = errors.New("channel not found")
	ErrPositionNotFound = errors.New("no open position for channel")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrIntentNotFound   = errors.New("no just-in-time intent for alias")
	ErrIntentExpired    = errors.New("just-in-time intent expired")
	ErrAliasTaken       = errors.New("alias already reserved")

	// ErrIllegalTransition: the requested protocol type is not legal from
	// the channel's current state.
	ErrIllegalTransition = errors.New("illegal protocol transition for channel state")

	// ErrInvoiceStateConflict guards the preimage/state invariant.
	ErrInvoiceStateConflict = errors.New("invoice state transition conflict")

	// ErrRevertAmountMismatch: a peer-proposed cooperative close amount
	// exceeds the channel capacity or deviates too far from the locally
	// computed payout.
	ErrRevertAmountMismatch = errors.New("revert amount outside accepted range")
)
