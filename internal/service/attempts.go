package service

import (
	"context"

	"github.com/google/uuid"
)

// AttemptPolicy is the seam for limiting verification-code guessing.
// PermitAttempt is consulted before each mismatched guess is reported
// to the caller; RecordFailure is told about the miss afterwards.
//
// TODO: wire a counting policy once a lockout threshold is decided;
// guessing is currently unbounded.
type AttemptPolicy interface {
	PermitAttempt(ctx context.Context, userID uuid.UUID) error
	RecordFailure(ctx context.Context, userID uuid.UUID)
}

// UnlimitedAttempts is the default policy: every guess is allowed.
type UnlimitedAttempts struct{}

func (UnlimitedAttempts) PermitAttempt(context.Context, uuid.UUID) error { return nil }

func (UnlimitedAttempts) RecordFailure(context.Context, uuid.UUID) {}
