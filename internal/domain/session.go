package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session is a bearer capability: presenting its token re-authenticates
// the holder as the owning user until expiry or revocation. Many
// sessions may point at the same user.
type Session struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID    uuid.UUID `json:"userId" gorm:"type:uuid;not null;index"`
	Token     string    `json:"-" gorm:"uniqueIndex;not null"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
