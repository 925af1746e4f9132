package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserKind discriminates the three valid shapes a user row can take.
type UserKind string

const (
	KindAnonymous UserKind = "anonymous"
	KindPotential UserKind = "potential"
	KindFull      UserKind = "full"
)

type User struct {
	ID                        uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Email                     *string    `json:"email" gorm:"uniqueIndex"`
	Username                  *string    `json:"username" gorm:"uniqueIndex"`
	EmailVerified             bool       `json:"emailVerified" gorm:"not null;default:false"`
	BackupCode                string     `json:"-" gorm:"uniqueIndex;not null"`
	VerificationCode          *string    `json:"-"`
	VerificationCodeExpiresAt *time.Time `json:"-"`
	CreatedAt                 time.Time  `json:"createdAt"`
	UpdatedAt                 time.Time  `json:"updatedAt"`
}

// Validate checks the shape invariants the database schema alone cannot
// enforce. A nil error means the row is exactly one of anonymous,
// potential, or full.
func (u *User) Validate() error {
	if (u.Email == nil) != (u.Username == nil) {
		return ErrInvalidUserShape
	}
	if u.Email == nil && u.EmailVerified {
		return ErrInvalidUserShape
	}
	if (u.VerificationCode == nil) != (u.VerificationCodeExpiresAt == nil) {
		return ErrInvalidUserShape
	}
	if u.Email == nil && u.VerificationCode != nil {
		return ErrInvalidUserShape
	}
	return nil
}

// Kind classifies a valid user. Returns an error for rows that fail
// Validate.
func (u *User) Kind() (UserKind, error) {
	if err := u.Validate(); err != nil {
		return "", err
	}
	switch {
	case u.Email == nil:
		return KindAnonymous, nil
	case u.EmailVerified:
		return KindFull, nil
	default:
		return KindPotential, nil
	}
}

func (u *User) IsAnonymous() bool {
	k, err := u.Kind()
	return err == nil && k == KindAnonymous
}

func (u *User) IsPotential() bool {
	k, err := u.Kind()
	return err == nil && k == KindPotential
}

func (u *User) IsFull() bool {
	k, err := u.Kind()
	return err == nil && k == KindFull
}

// HasPendingCode reports whether a verification code is currently
// issued. The paired-field invariant means checking one field is enough.
func (u *User) HasPendingCode() bool {
	return u.VerificationCode != nil
}

// Repair forces an invalid row back to the nearest valid shape: the
// verification-code pair is cleared, and rows that are unverified or
// have no email additionally lose the identity fields (demotion to
// anonymous). A verified email with no username cannot be repaired;
// that row signals a bug elsewhere and Repair returns ErrDataIntegrity.
//
// Returns true when the row was mutated and must be written back.
func (u *User) Repair() (bool, error) {
	if u.Validate() == nil {
		return false, nil
	}
	if u.EmailVerified && u.Email != nil && u.Username == nil {
		return false, ErrDataIntegrity
	}
	u.VerificationCode = nil
	u.VerificationCodeExpiresAt = nil
	if u.Email == nil || !u.EmailVerified {
		u.Email = nil
		u.Username = nil
		u.EmailVerified = false
	}
	return true, nil
}

// PublicUser is the externally visible projection of a user. Secrets
// (backup code, verification code pair) never leave the process in any
// other form.
type PublicUser struct {
	ID            uuid.UUID `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Email         *string   `json:"email"`
	Username      *string   `json:"username"`
	EmailVerified bool      `json:"emailVerified"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
		Email:         u.Email,
		Username:      u.Username,
		EmailVerified: u.EmailVerified,
	}
}
