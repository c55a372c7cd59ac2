package interfaces

import "errors"

var (
	// ErrStoreUnavailable is returned when the secret store cannot be reached
	// or refuses the connection. The operation is aborted with no partial
	// state persisted; callers decide whether to retry.
	ErrStoreUnavailable = errors.New("secret store unavailable")

	// ErrKeyNotFound is returned when a secret store path holds no value.
	// It means "nothing to recover" or "not configured", never "wrong key".
	ErrKeyNotFound = errors.New("key not found in secret store")

	// ErrNotFound is returned when a durable record (key version, escrow,
	// recovery request) does not exist in the repository.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when creating a record that violates a
	// uniqueness constraint, such as a duplicate version id or a second
	// escrow for the same (user, survey) pair.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrLengthMismatch is returned when two byte strings that must have
	// equal length (XOR operands, key components) do not.
	ErrLengthMismatch = errors.New("byte string length mismatch")

	// ErrInvalidParameter is returned for programming or input errors in
	// split/reconstruct parameters. It is never silently coerced.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAuthenticationFailure is returned when an AEAD tag check fails
	// during decryption. It signals a wrong key, not corrupted or missing
	// data, and must not be confused with ErrKeyNotFound.
	ErrAuthenticationFailure = errors.New("authentication failure: wrong key")

	// ErrInvalidState is returned when a recovery request transition is
	// attempted from the wrong status, or when self-approval is attempted.
	ErrInvalidState = errors.New("invalid recovery request state")

	// ErrRevisionConflict is returned by repositories when an optimistic
	// concurrency check fails: the record was modified since it was loaded.
	// Callers must reload and re-check state rather than blindly resubmit.
	ErrRevisionConflict = errors.New("record revision conflict")
)
