// Package faults defines the error kinds shared across services.
// Services wrap these sentinels with fmt.Errorf("...: %w", ...) so
// callers can classify failures with errors.Is while keeping context.
package faults

import "errors"

var (
	// ErrInvalidArgument marks malformed input: negative cash, self-trade,
	// oversized item lists, non-positive amounts.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a missing offer, listing, wallet or user.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized marks an acting user who is not a permitted party.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyTerminal marks a transition attempted from a terminal offer state.
	ErrAlreadyTerminal = errors.New("offer already in a terminal state")

	// ErrExpired marks an accept attempted past the offer deadline.
	ErrExpired = errors.New("offer expired")

	// ErrInsufficientFunds marks a debit that would drive a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSettlementFailed marks a composite settlement that could not
	// complete atomically. No partial effect is ever observable.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrConflict marks a retriable storage conflict (serialization
	// failure, deadlock) or a duplicate pending offer.
	ErrConflict = errors.New("conflict")
)
