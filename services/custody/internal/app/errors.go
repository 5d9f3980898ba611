package app

import (
	"errors"
	"fmt"

	"pharmatrace/pkg/audit"
)

// Error kinds. Every error returned by App matches exactly one of them with
// errors.Is, which is what the transport layer maps to status codes.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrValidation        = errors.New("validation failed")
	ErrUnavailable       = errors.New("service unavailable")
)

// Error is a specific failure of one kind.
type Error struct {
	kind  error
	msg   string
	cause error
}

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

// Unwrap exposes the kind and, when present, the underlying cause.
func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// Kind returns the error kind.
func (e *Error) Kind() error { return e.kind }

var (
	ErrBatchNotFound     = newError(ErrNotFound, "batch not found")
	ErrTransferNotFound  = newError(ErrNotFound, "transfer not found")
	ErrRecallNotFound    = newError(ErrNotFound, "recall not found")
	ErrRecipientNotFound = newError(ErrNotFound, "recipient not found")
	ErrIdentityNotFound  = newError(ErrNotFound, "identity not found")
	ErrEventNotFound     = newError(ErrNotFound, "audit event not found")

	ErrNotOwner             = newError(ErrForbidden, "sender does not hold custody of this batch")
	ErrNotRecipient         = newError(ErrForbidden, "only the recipient can resolve this transfer")
	ErrNotManufacturer      = newError(ErrForbidden, "only manufacturers can register batches")
	ErrNotBatchManufacturer = newError(ErrForbidden, "only the batch manufacturer can manage its recalls")
	ErrNoDashboard          = newError(ErrForbidden, "no dashboard for this role")

	ErrAlreadyResolved         = newError(ErrConflict, "transfer already resolved")
	ErrCustodyChanged          = newError(ErrConflict, "sender no longer holds custody of this batch")
	ErrRecallActive            = newError(ErrConflict, "batch already has an active recall")
	ErrRecallResolved          = newError(ErrConflict, "recall already resolved")
	ErrWalletAlreadyRegistered = newError(ErrConflict, "wallet already registered")
	ErrEmailAlreadyExists      = newError(ErrConflict, "email already exists")
	ErrDuplicateEvent          = newError(ErrConflict, "duplicate audit event")

	// Credential failures. Callers must only ever surface ErrInvalidCredential's
	// message; the specific reason is for logs.
	ErrWalletNotRegistered = newError(ErrInvalidCredential, "wallet not registered")
	ErrNoNonceIssued       = newError(ErrInvalidCredential, "no nonce issued")
	ErrNonceExpired        = newError(ErrInvalidCredential, "nonce expired or never issued")
	ErrNonceMismatch       = newError(ErrInvalidCredential, "nonce mismatch")
	ErrMessageTampered     = newError(ErrInvalidCredential, "message does not match challenge")
	ErrInvalidSignature    = newError(ErrInvalidCredential, "invalid signature")
	ErrInvalidPassword     = newError(ErrInvalidCredential, "invalid email or password")
	ErrInvalidSession      = newError(ErrInvalidCredential, "invalid session")
)

func validation(format string, args ...any) error {
	return newError(ErrValidation, fmt.Sprintf(format, args...))
}

func unavailable(op string, err error) error {
	return &Error{kind: ErrUnavailable, msg: op, cause: err}
}

// classify passes App errors through and turns everything else coming out of
// storage into ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, audit.ErrDuplicateEvent):
		return ErrDuplicateEvent
	default:
		return unavailable(op, err)
	}
}
