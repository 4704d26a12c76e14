package models

import "errors"

/*
	Business failures are part of the API contract: they travel inside the
	response envelope as plain strings so callers can branch on them without
	unwrapping HTTP status codes. Infrastructure faults (ledger or RDF store
	unreachable, storage errors) are NOT in this list; those surface as
	transport-level errors and are never encoded into an envelope.
*/

var (
	// ErrInvalidNonce covers unknown, expired, and already-consumed challenges
	// alike. The caller cannot distinguish the three cases and must simply
	// request a fresh challenge.
	ErrInvalidNonce = errors.New("invalid or expired nonce")

	ErrUnauthorized = errors.New("unauthorized")

	// ErrDuplicateTransaction message is part of the wire contract.
	ErrDuplicateTransaction = errors.New("Access key with the same transaction hash already exists")

	// ErrInvalidSignature is deliberately field-agnostic: a bad signature, a
	// tampered unique access key and a substituted requester all produce this
	// exact failure so the verifier leaks nothing about which field was wrong.
	ErrInvalidSignature = errors.New("Signature is invalid")
)
