package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/mara/identity-service/internal/domain"
)

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	// GetByIDForUpdate reads the row under a row-level write lock. Only
	// meaningful inside a transaction; check-then-act mutations use it
	// so racing writers serialize on the row.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByBackupCode(ctx context.Context, backupCode string) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
	EmailTaken(ctx context.Context, email string) (bool, error)
	UsernameTaken(ctx context.Context, username string) (bool, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByToken(ctx context.Context, token string) (*domain.Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}

type AuthEventRepository interface {
	Create(ctx context.Context, event *domain.AuthEvent) error
}

type Repositories struct {
	User      UserRepository
	Session   SessionRepository
	AuthEvent AuthEventRepository
}

// TxRunner opens one atomic transaction per logical operation and hands
// the callback a set of repositories bound to that transaction. Nested
// core operations receive the scoped repositories instead of opening
// their own transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(repos *Repositories) error) error
}
