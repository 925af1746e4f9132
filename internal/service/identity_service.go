package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mara/identity-service/internal/config"
	"github.com/mara/identity-service/internal/domain"
	"github.com/mara/identity-service/internal/mailer"
	"github.com/mara/identity-service/internal/repository"
)

// IdentityService owns the user state machine: anonymous -> potential
// -> full, plus verification-code issuance and consumption. Every
// method takes a transaction-scoped UserRepository; the caller opens
// the one transaction per logical operation and passes the handle down.
type IdentityService struct {
	cfg    *config.Config
	sender mailer.CodeSender
	logger *slog.Logger

	attempts AttemptPolicy

	clock               func() time.Time
	newBackupCode       func() (string, error)
	newVerificationCode func() (string, error)
}

func NewIdentityService(cfg *config.Config, sender mailer.CodeSender, logger *slog.Logger) *IdentityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityService{
		cfg:                 cfg,
		sender:              sender,
		logger:              logger,
		attempts:            UnlimitedAttempts{},
		clock:               time.Now,
		newBackupCode:       generateBackupCode,
		newVerificationCode: generateVerificationCode,
	}
}

// WithAttemptPolicy replaces the guess-limiting policy. The default
// allows unlimited attempts.
func (s *IdentityService) WithAttemptPolicy(p AttemptPolicy) *IdentityService {
	s.attempts = p
	return s
}

// CreateAnonymousUser creates a user in the anonymous shape with a
// fresh backup code. A unique-constraint collision on the backup code
// gets a single regenerate-and-retry.
func (s *IdentityService) CreateAnonymousUser(ctx context.Context, users repository.UserRepository) (*domain.User, error) {
	user, err := s.createAnonymous(ctx, users)
	if errors.Is(err, domain.ErrConflict) {
		user, err = s.createAnonymous(ctx, users)
	}
	if err != nil {
		return nil, err
	}
	return user, s.assertValid(user)
}

func (s *IdentityService) createAnonymous(ctx context.Context, users repository.UserRepository) (*domain.User, error) {
	backupCode, err := s.newBackupCode()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	user := &domain.User{
		ID:         uuid.New(),
		BackupCode: backupCode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// CreatePotentialUser creates a user directly in the potential shape
// with a pending verification code. Fails with a conflict error when
// the email or username is already claimed.
func (s *IdentityService) CreatePotentialUser(ctx context.Context, users repository.UserRepository, email, username string) (*domain.User, error) {
	if err := s.checkAvailability(ctx, users, email, username); err != nil {
		return nil, err
	}

	backupCode, err := s.newBackupCode()
	if err != nil {
		return nil, err
	}
	code, err := s.newVerificationCode()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	expiresAt := now.Add(s.cfg.VerificationCodeTTL)
	user := &domain.User{
		ID:                        uuid.New(),
		Email:                     &email,
		Username:                  &username,
		BackupCode:                backupCode,
		VerificationCode:          &code,
		VerificationCodeExpiresAt: &expiresAt,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, err
	}
	if err := s.assertValid(user); err != nil {
		return nil, err
	}
	s.deliverCode(ctx, email, code)
	return user, nil
}

// PromoteAnonymousToPotential claims an email and username for an
// anonymous user and issues a verification code. The user's shape is
// re-checked against a locked transactional re-read so a racing
// promotion blocks on the row and then loses with ErrInvalidState
// instead of clobbering the earlier claim.
func (s *IdentityService) PromoteAnonymousToPotential(ctx context.Context, users repository.UserRepository, user *domain.User, email, username string) (*domain.User, error) {
	current, err := users.GetByIDForUpdate(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	current, err = s.validateOnRead(ctx, users, current)
	if err != nil {
		return nil, err
	}
	if !current.IsAnonymous() {
		return nil, fmt.Errorf("%w: user is not anonymous", domain.ErrInvalidState)
	}
	if err := s.checkAvailability(ctx, users, email, username); err != nil {
		return nil, err
	}

	code, err := s.newVerificationCode()
	if err != nil {
		return nil, err
	}
	expiresAt := s.clock().Add(s.cfg.VerificationCodeTTL)
	current.Email = &email
	current.Username = &username
	current.VerificationCode = &code
	current.VerificationCodeExpiresAt = &expiresAt
	current.UpdatedAt = s.clock()
	if err := users.Update(ctx, current); err != nil {
		return nil, err
	}
	if err := s.assertValid(current); err != nil {
		return nil, err
	}
	s.deliverCode(ctx, email, code)
	return current, nil
}

// IssueVerificationCode generates a fresh code and expiry for a
// potential or full user, overwriting any pending code. Prior codes are
// invalidated; there is no multi-code history.
func (s *IdentityService) IssueVerificationCode(ctx context.Context, users repository.UserRepository, user *domain.User) (*domain.User, error) {
	if user.IsAnonymous() {
		return nil, fmt.Errorf("%w: anonymous user cannot hold a verification code", domain.ErrInvalidState)
	}
	code, err := s.newVerificationCode()
	if err != nil {
		return nil, err
	}
	expiresAt := s.clock().Add(s.cfg.VerificationCodeTTL)
	user.VerificationCode = &code
	user.VerificationCodeExpiresAt = &expiresAt
	user.UpdatedAt = s.clock()
	if err := users.Update(ctx, user); err != nil {
		return nil, err
	}
	if err := s.assertValid(user); err != nil {
		return nil, err
	}
	s.deliverCode(ctx, *user.Email, code)
	return user, nil
}

// ConsumeVerificationCode checks a supplied code against the pending
// one. Expired or absent codes are normal not-verified outcomes, not
// errors. A matching code is single-use: the pair is cleared and an
// unverified user becomes full.
//
// Two requests racing on the same code resolve by row locking: the
// first committed write wins, the second sees an already-cleared code.
func (s *IdentityService) ConsumeVerificationCode(ctx context.Context, users repository.UserRepository, user *domain.User, supplied string) (*domain.User, bool, error) {
	if user.IsAnonymous() {
		return nil, false, fmt.Errorf("%w: anonymous user cannot verify", domain.ErrInvalidState)
	}

	// No pending code: idempotent not-verified, keep the pair cleared.
	if !user.HasPendingCode() {
		updated, err := s.clearCode(ctx, users, user)
		return updated, false, err
	}

	// Expired code never verifies, even on a value match.
	if !user.VerificationCodeExpiresAt.After(s.clock()) {
		updated, err := s.clearCode(ctx, users, user)
		return updated, false, err
	}

	if supplied != *user.VerificationCode {
		if err := s.attempts.PermitAttempt(ctx, user.ID); err != nil {
			return nil, false, err
		}
		s.attempts.RecordFailure(ctx, user.ID)
		return user, false, nil
	}

	user.VerificationCode = nil
	user.VerificationCodeExpiresAt = nil
	if !user.EmailVerified {
		user.EmailVerified = true
	}
	user.UpdatedAt = s.clock()
	if err := users.Update(ctx, user); err != nil {
		return nil, false, err
	}
	if err := s.assertValid(user); err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func (s *IdentityService) clearCode(ctx context.Context, users repository.UserRepository, user *domain.User) (*domain.User, error) {
	user.VerificationCode = nil
	user.VerificationCodeExpiresAt = nil
	user.UpdatedAt = s.clock()
	if err := users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, s.assertValid(user)
}

// RevertPotentialToAnonymous abandons a pending registration, clearing
// the claimed email and username back to the anonymous shape.
func (s *IdentityService) RevertPotentialToAnonymous(ctx context.Context, users repository.UserRepository, user *domain.User) (*domain.User, error) {
	if !user.IsPotential() {
		return nil, fmt.Errorf("%w: user is not potential", domain.ErrInvalidState)
	}
	user.Email = nil
	user.Username = nil
	user.EmailVerified = false
	user.VerificationCode = nil
	user.VerificationCodeExpiresAt = nil
	user.UpdatedAt = s.clock()
	if err := users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, s.assertValid(user)
}

// GetByID reads a user and runs the self-healing validation pass.
func (s *IdentityService) GetByID(ctx context.Context, users repository.UserRepository, id uuid.UUID) (*domain.User, error) {
	user, err := users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.validateOnRead(ctx, users, user)
}

// GetByBackupCode reads a user by its recovery secret.
func (s *IdentityService) GetByBackupCode(ctx context.Context, users repository.UserRepository, backupCode string) (*domain.User, error) {
	user, err := users.GetByBackupCode(ctx, backupCode)
	if err != nil {
		return nil, err
	}
	return s.validateOnRead(ctx, users, user)
}

// GetByEmail reads a user by email. Callers only query by email for
// potential or full users; an anonymous row here is a caller bug.
func (s *IdentityService) GetByEmail(ctx context.Context, users repository.UserRepository, email string) (*domain.User, error) {
	user, err := users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	user, err = s.validateOnRead(ctx, users, user)
	if err != nil {
		return nil, err
	}
	if user.IsAnonymous() {
		return nil, fmt.Errorf("%w: expected potential or full user", domain.ErrInvalidState)
	}
	return user, nil
}

// CheckAvailability reports whether an email and username are each free
// to claim.
func (s *IdentityService) CheckAvailability(ctx context.Context, users repository.UserRepository, email, username string) (emailAvailable, usernameAvailable bool, err error) {
	emailTaken, err := users.EmailTaken(ctx, email)
	if err != nil {
		return false, false, err
	}
	usernameTaken, err := users.UsernameTaken(ctx, username)
	if err != nil {
		return false, false, err
	}
	return !emailTaken, !usernameTaken, nil
}

func (s *IdentityService) checkAvailability(ctx context.Context, users repository.UserRepository, email, username string) error {
	taken, err := users.EmailTaken(ctx, email)
	if err != nil {
		return err
	}
	if taken {
		return domain.ErrEmailTaken
	}
	taken, err = users.UsernameTaken(ctx, username)
	if err != nil {
		return err
	}
	if taken {
		return domain.ErrUsernameTaken
	}
	return nil
}

// validateOnRead defends against concurrently-corrupted rows. A row
// that fails the shape invariant is force-repaired and written back,
// except the unrecoverable verified-email-no-username case, which
// propagates as a hard failure.
func (s *IdentityService) validateOnRead(ctx context.Context, users repository.UserRepository, user *domain.User) (*domain.User, error) {
	changed, err := user.Repair()
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", user.ID, err)
	}
	if !changed {
		return user, nil
	}
	s.logger.WarnContext(ctx, "repaired invalid user row", "user_id", user.ID.String())
	user.UpdatedAt = s.clock()
	if err := users.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, s.assertValid(user)
}

// assertValid runs after every mutation. It guards against storage
// corruption as much as programmer error, so it is never compiled out.
func (s *IdentityService) assertValid(user *domain.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("user %s left invalid after write: %w", user.ID, domain.ErrDataIntegrity)
	}
	return nil
}

func (s *IdentityService) deliverCode(ctx context.Context, email, code string) {
	if s.sender == nil {
		return
	}
	if err := s.sender.SendVerificationCode(ctx, email, code); err != nil {
		s.logger.ErrorContext(ctx, "failed to deliver verification code", "email", email, "error", err)
	}
}

func generateBackupCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateVerificationCode derives a 6-digit code from 3 random bytes,
// zero-padded on the left.
func generateVerificationCode() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	n := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	return fmt.Sprintf("%06d", n)[:6], nil
}
