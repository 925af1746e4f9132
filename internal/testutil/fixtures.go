package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mara/identity-service/internal/domain"
	"gorm.io/gorm"
)

// UserBuilder creates test users with a builder pattern
type UserBuilder struct {
	email       *string
	username    *string
	verified    bool
	code        *string
	codeExpires *time.Time
	backupCode  string
}

// NewUserBuilder creates a new UserBuilder producing an anonymous user
// by default
func NewUserBuilder() *UserBuilder {
	return &UserBuilder{
		backupCode: RandomToken(),
	}
}

// WithIdentity sets email and username, producing a potential user
func (b *UserBuilder) WithIdentity(email, username string) *UserBuilder {
	b.email = &email
	b.username = &username
	return b
}

// Verified marks the email verified, producing a full user
func (b *UserBuilder) Verified() *UserBuilder {
	b.verified = true
	return b
}

// WithPendingCode sets a verification code pair
func (b *UserBuilder) WithPendingCode(code string, expiresAt time.Time) *UserBuilder {
	b.code = &code
	b.codeExpires = &expiresAt
	return b
}

// WithBackupCode overrides the generated backup code
func (b *UserBuilder) WithBackupCode(code string) *UserBuilder {
	b.backupCode = code
	return b
}

// Build creates the user in the database
func (b *UserBuilder) Build(t *testing.T, db *gorm.DB) *domain.User {
	t.Helper()

	now := time.Now()
	user := &domain.User{
		ID:                        uuid.New(),
		Email:                     b.email,
		Username:                  b.username,
		EmailVerified:             b.verified,
		BackupCode:                b.backupCode,
		VerificationCode:          b.code,
		VerificationCodeExpiresAt: b.codeExpires,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}

	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	return user
}

// BuildSession creates a session row for a user directly in the database
func BuildSession(t *testing.T, db *gorm.DB, userID uuid.UUID, expiresAt time.Time) *domain.Session {
	t.Helper()

	session := &domain.Session{
		ID:        uuid.New(),
		UserID:    userID,
		Token:     RandomToken(),
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}

	if err := db.Create(session).Error; err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	return session
}

// RandomToken returns a 32-byte base64url token, the same shape the
// services generate
func RandomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("rand.Read: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// CaptureSender records issued verification codes instead of delivering
// them, keyed by email
type CaptureSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func NewCaptureSender() *CaptureSender {
	return &CaptureSender{codes: make(map[string]string)}
}

func (s *CaptureSender) SendVerificationCode(_ context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[email] = code
	return nil
}

// LastCode returns the most recent code sent to an email
func (s *CaptureSender) LastCode(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[email]
	return code, ok
}
