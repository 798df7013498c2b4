// Package faults defines the closed error taxonomy shared by the settlement,
// indexing, and claim subsystems. Every error that crosses a package boundary
// carries a Kind assigned at the point it was raised; callers branch on the
// kind, never on message text.
package faults

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure classes the service distinguishes.
type Kind string

const (
	// KindValidation marks bad caller input.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing entity.
	KindNotFound Kind = "not_found"
	// KindConflict marks a state conflict such as a duplicate active session
	// or a claim inside its cooldown window.
	KindConflict Kind = "conflict"
	// KindInsufficientBalance marks a debit that would overdraw a balance.
	KindInsufficientBalance Kind = "insufficient_balance"
	// KindTransientRPC marks a retryable chain RPC failure: timeouts, rate
	// limits, connection resets.
	KindTransientRPC Kind = "transient_rpc"
	// KindReverted marks a transaction the chain executed and rejected.
	// Terminal, never retried.
	KindReverted Kind = "transaction_reverted"
	// KindNoVerifiedAddress marks a social identity with no verified wallet.
	KindNoVerifiedAddress Kind = "no_verified_address"
	// KindReconciliation marks a non-fatal per-log handler failure.
	KindReconciliation Kind = "reconciliation"
)

// Error is a classified failure. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Err.Error()
	}
	return e.Msg
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with the supplied message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context message to an existing error. A nil cause
// yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report an
// empty kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether the error chain carries the supplied kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether the error is safe to retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientRPC
}
