// Package common defines shared constants and sentinel errors used across
// TeamVault components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// ErrConflict reports a duplicate-create rejected by a uniqueness
	// constraint (e.g. two createCredential calls racing on the same id).
	ErrConflict = errors.New("conflict")

	// Grant preconditions.
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrNoPublicKey        = errors.New("no public key registered")

	// ErrSelfLockout reports a revoke that would leave the credential owner
	// without any owner-class recovery path.
	ErrSelfLockout = errors.New("revoke would lock out credential owner")

	// ErrCorruptLedger marks an ACL ledger that failed to parse. It is
	// recovered internally and logged, never returned to callers of the
	// public operations.
	ErrCorruptLedger = errors.New("corrupt acl ledger")
)
