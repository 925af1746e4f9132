package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type AuthEventKind string

const (
	EventRegisteredAnonymous AuthEventKind = "registered_anonymous"
	EventRegistered          AuthEventKind = "registered"
	EventPromoted            AuthEventKind = "promoted"
	EventCodeIssued          AuthEventKind = "code_issued"
	EventVerified            AuthEventKind = "verified"
	EventBackupLogin         AuthEventKind = "backup_login"
	EventLoggedOut           AuthEventKind = "logged_out"
	EventSessionsRevoked     AuthEventKind = "sessions_revoked"
)

// AuthEvent is an append-only audit row recorded alongside each
// authentication flow, inside the same transaction.
type AuthEvent struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID    uuid.UUID      `json:"userId" gorm:"type:uuid;not null;index"`
	Kind      AuthEventKind  `json:"kind" gorm:"not null"`
	Metadata  datatypes.JSON `json:"metadata" gorm:"type:jsonb;default:'{}'"`
	CreatedAt time.Time      `json:"createdAt"`
}
