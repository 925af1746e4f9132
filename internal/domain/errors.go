package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict covers uniqueness rejections (email/username taken).
	ErrConflict = errors.New("conflict")

	// ErrInvalidState marks an operation attempted against a user that
	// is not in the required shape, e.g. promoting a non-anonymous user.
	// A lost race surfaces the same way as a caller bug.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound is returned by lookups that miss. Distinguished from
	// ErrInvalidState so callers can pick between "unauthenticated" and
	// "forbidden".
	ErrNotFound = errors.New("not found")

	// ErrDataIntegrity means the self-healing validator hit an
	// unrecoverable row (verified email, no username). This must
	// propagate as a hard failure, never be swallowed.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrInvalidUserShape reports a row that fails the user validity
	// invariant. Recoverable via User.Repair.
	ErrInvalidUserShape = errors.New("user row violates shape invariant")
)

var (
	ErrEmailTaken    = fmt.Errorf("%w: email already in use", ErrConflict)
	ErrUsernameTaken = fmt.Errorf("%w: username already in use", ErrConflict)
)
