package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mara/identity-service/internal/config"
	"github.com/mara/identity-service/internal/domain"
	"github.com/mara/identity-service/internal/repository"
)

// SessionService owns session issuance, refresh, lazy eviction, and
// revocation. Sessions are deliberately long-lived and renewal-based;
// there is no background sweep, expired rows are deleted when read.
type SessionService struct {
	cfg      *config.Config
	clock    func() time.Time
	newToken func() (string, error)
}

func NewSessionService(cfg *config.Config) *SessionService {
	return &SessionService{
		cfg:      cfg,
		clock:    time.Now,
		newToken: generateSessionToken,
	}
}

func (s *SessionService) Create(ctx context.Context, sessions repository.SessionRepository, userID uuid.UUID) (*domain.Session, error) {
	token, err := s.newToken()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	session := &domain.Session{
		ID:        uuid.New(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
		CreatedAt: now,
	}
	if err := sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ReadValid resolves a token to its session. An expired session is
// deleted as a side effect and reported as not found; expiry is a
// normal outcome, not an error.
func (s *SessionService) ReadValid(ctx context.Context, sessions repository.SessionRepository, token string) (*domain.Session, error) {
	session, err := sessions.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Expired(s.clock()) {
		if err := sessions.Delete(ctx, session.ID); err != nil {
			return nil, err
		}
		return nil, domain.ErrNotFound
	}
	return session, nil
}

// Refresh extends the session's expiry to a full TTL from now. The
// token is not rotated; the cookie the client holds stays valid.
func (s *SessionService) Refresh(ctx context.Context, sessions repository.SessionRepository, session *domain.Session) (*domain.Session, error) {
	session.ExpiresAt = s.clock().Add(s.cfg.SessionTTL)
	if err := sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionService) Delete(ctx context.Context, sessions repository.SessionRepository, id uuid.UUID) error {
	return sessions.Delete(ctx, id)
}

// DeleteAllForUser revokes every outstanding session for a user. Runs
// inside the caller's transaction, so the bulk delete is all-or-nothing
// with respect to concurrent session creation.
func (s *SessionService) DeleteAllForUser(ctx context.Context, sessions repository.SessionRepository, userID uuid.UUID) error {
	return sessions.DeleteByUserID(ctx, userID)
}

// IsNotFound reports whether an error is the ordinary miss case.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
