package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mara/identity-service/internal/domain"
	"github.com/mara/identity-service/internal/repository"
	"gorm.io/datatypes"
)

// AuthService composes the identity engine and session manager into the
// authentication flows. Each public method is one logical operation and
// runs inside exactly one storage transaction.
type AuthService struct {
	tx       repository.TxRunner
	identity *IdentityService
	sessions *SessionService
	logger   *slog.Logger
	clock    func() time.Time
}

func NewAuthService(tx repository.TxRunner, identity *IdentityService, sessions *SessionService, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		tx:       tx,
		identity: identity,
		sessions: sessions,
		logger:   logger,
		clock:    time.Now,
	}
}

type RegisterInput struct {
	Email    string
	Username string
	// Token is the bearer token of an existing anonymous session, when
	// the caller is upgrading rather than registering fresh.
	Token string
}

type AuthResult struct {
	User    *domain.User
	Session *domain.Session
}

type VerifyResult struct {
	User     *domain.User
	Session  *domain.Session
	Verified bool
}

// RegisterAnonymous creates an anonymous user and a session for it.
func (s *AuthService) RegisterAnonymous(ctx context.Context) (*AuthResult, error) {
	var result AuthResult
	err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		user, err := s.identity.CreateAnonymousUser(ctx, repos.User)
		if err != nil {
			return err
		}
		session, err := s.sessions.Create(ctx, repos.Session, user.ID)
		if err != nil {
			return err
		}
		result = AuthResult{User: user, Session: session}
		return s.audit(ctx, repos, user.ID, domain.EventRegisteredAnonymous, nil)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Register claims an email and username. Without a token it creates a
// new potential user and session. With a token it promotes the caller's
// anonymous user in place, reusing and refreshing the existing session
// so the client is not forced to re-login.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	var result AuthResult
	err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		if input.Token == "" {
			user, err := s.identity.CreatePotentialUser(ctx, repos.User, input.Email, input.Username)
			if err != nil {
				return err
			}
			session, err := s.sessions.Create(ctx, repos.Session, user.ID)
			if err != nil {
				return err
			}
			result = AuthResult{User: user, Session: session}
			return s.audit(ctx, repos, user.ID, domain.EventRegistered, map[string]any{"username": input.Username})
		}

		session, err := s.sessions.ReadValid(ctx, repos.Session, input.Token)
		if err != nil {
			return err
		}
		user, err := s.identity.GetByID(ctx, repos.User, session.UserID)
		if err != nil {
			return err
		}
		if !user.IsAnonymous() {
			return fmt.Errorf("%w: only an anonymous user can claim a registration", domain.ErrInvalidState)
		}
		session, err = s.sessions.Refresh(ctx, repos.Session, session)
		if err != nil {
			return err
		}
		user, err = s.identity.PromoteAnonymousToPotential(ctx, repos.User, user, input.Email, input.Username)
		if err != nil {
			return err
		}
		result = AuthResult{User: user, Session: session}
		return s.audit(ctx, repos, user.ID, domain.EventPromoted, map[string]any{"username": input.Username})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Login starts a login for a registered email by reissuing a
// verification code. The caller holds no session until VerifyLogin
// succeeds.
func (s *AuthService) Login(ctx context.Context, email string) error {
	return s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		user, err := s.identity.GetByEmail(ctx, repos.User, email)
		if err != nil {
			return err
		}
		user, err = s.identity.IssueVerificationCode(ctx, repos.User, user)
		if err != nil {
			return err
		}
		return s.audit(ctx, repos, user.ID, domain.EventCodeIssued, nil)
	})
}

// ResendVerificationCode reissues the pending code, invalidating the
// previous one.
func (s *AuthService) ResendVerificationCode(ctx context.Context, email string) error {
	return s.Login(ctx, email)
}

// VerifyLogin consumes a verification code. On a match the user is
// verified (potential users become full) and a fresh session is minted.
// A mismatch, absent code, or expired code is a normal not-verified
// outcome.
func (s *AuthService) VerifyLogin(ctx context.Context, email, code string) (*VerifyResult, error) {
	var result VerifyResult
	err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		user, err := s.identity.GetByEmail(ctx, repos.User, email)
		if err != nil {
			return err
		}
		if !user.HasPendingCode() {
			return fmt.Errorf("%w: no pending verification code", domain.ErrNotFound)
		}
		user, verified, err := s.identity.ConsumeVerificationCode(ctx, repos.User, user, code)
		if err != nil {
			return err
		}
		result = VerifyResult{User: user, Verified: verified}
		if !verified {
			return nil
		}
		session, err := s.sessions.Create(ctx, repos.Session, user.ID)
		if err != nil {
			return err
		}
		result.Session = session
		return s.audit(ctx, repos, user.ID, domain.EventVerified, nil)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// LoginBackup authenticates by backup code. All other outstanding
// sessions for the user are revoked before the new one is minted, so a
// compromised-credential recovery also contains the compromise.
func (s *AuthService) LoginBackup(ctx context.Context, backupCode string) (*AuthResult, error) {
	var result AuthResult
	err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		user, err := s.identity.GetByBackupCode(ctx, repos.User, backupCode)
		if err != nil {
			return err
		}
		if err := s.sessions.DeleteAllForUser(ctx, repos.Session, user.ID); err != nil {
			return err
		}
		if err := s.audit(ctx, repos, user.ID, domain.EventSessionsRevoked, nil); err != nil {
			return err
		}
		session, err := s.sessions.Create(ctx, repos.Session, user.ID)
		if err != nil {
			return err
		}
		result = AuthResult{User: user, Session: session}
		return s.audit(ctx, repos, user.ID, domain.EventBackupLogin, nil)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Logout deletes the session behind a token. Unknown or expired tokens
// are a no-op; logout is idempotent.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		session, err := s.sessions.ReadValid(ctx, repos.Session, token)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := s.sessions.Delete(ctx, repos.Session, session.ID); err != nil {
			return err
		}
		return s.audit(ctx, repos, session.UserID, domain.EventLoggedOut, nil)
	})
}

// SessionStatus resolves a token to its session and user. ErrNotFound
// covers unknown tokens, expired sessions, and dangling user ids alike.
func (s *AuthService) SessionStatus(ctx context.Context, token string) (*AuthResult, error) {
	var result AuthResult
	err := s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		session, err := s.sessions.ReadValid(ctx, repos.Session, token)
		if err != nil {
			return err
		}
		user, err := s.identity.GetByID(ctx, repos.User, session.UserID)
		if err != nil {
			return err
		}
		result = AuthResult{User: user, Session: session}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CheckAvailability reports whether an email and username are free.
func (s *AuthService) CheckAvailability(ctx context.Context, email, username string) (emailAvailable, usernameAvailable bool, err error) {
	err = s.tx.RunInTx(ctx, func(repos *repository.Repositories) error {
		emailAvailable, usernameAvailable, err = s.identity.CheckAvailability(ctx, repos.User, email, username)
		return err
	})
	return emailAvailable, usernameAvailable, err
}

func (s *AuthService) audit(ctx context.Context, repos *repository.Repositories, userID uuid.UUID, kind domain.AuthEventKind, meta map[string]any) error {
	metadata := datatypes.JSON([]byte(`{}`))
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metadata = datatypes.JSON(raw)
	}
	return repos.AuthEvent.Create(ctx, &domain.AuthEvent{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Metadata:  metadata,
		CreatedAt: s.clock(),
	})
}
