package channels

import (
	"errors"
)

var (
	// ErrUnknownChannel is returned when no channel with the given id
	// exists locally.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrWrongState is returned when an operation is attempted in a
	// channel state that does not permit it.
	ErrWrongState = errors.New("wrong channel state")

	// ErrStaleSequence is returned when a payment does not advance the
	// sequence number by exactly one.
	ErrStaleSequence = errors.New("stale sequence number")

	// ErrBalanceImbalance is returned when the proposed balances do not
	// sum to the channel capacity.
	ErrBalanceImbalance = errors.New("balances do not sum to capacity")

	// ErrInsufficientBalance is returned when a payment exceeds the
	// sender's current balance.
	ErrInsufficientBalance = errors.New("insufficient channel balance")

	// ErrCapacityOutOfRange is returned when the requested capacity falls
	// outside the configured bounds.
	ErrCapacityOutOfRange = errors.New("channel capacity out of range")

	// ErrChannelIDReused is returned when a channel id is reopened with
	// different parameters.
	ErrChannelIDReused = errors.New("channel id reused")

	// ErrBadSignature is returned when a commitment or settlement
	// signature fails verification.
	ErrBadSignature = errors.New("bad signature")

	// ErrBadPublicKey is returned when a payment public key cannot be
	// parsed.
	ErrBadPublicKey = errors.New("bad public key")

	// ErrPaymentPending is returned when a new outgoing payment is
	// attempted while an unacknowledged one is outstanding. The pending
	// payment must be committed or rolled back first so the sequence
	// number is never incremented twice for one transfer.
	ErrPaymentPending = errors.New("outgoing payment already pending")

	// ErrRejected wraps a remote party's rejection of an update or open
	// proposal.
	ErrRejected = errors.New("rejected by remote peer")
)
