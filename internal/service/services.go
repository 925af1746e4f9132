package service

import (
	"log/slog"

	"github.com/mara/identity-service/internal/config"
	"github.com/mara/identity-service/internal/mailer"
	"github.com/mara/identity-service/internal/repository"
)

type Services struct {
	Identity *IdentityService
	Session  *SessionService
	Auth     *AuthService
}

func NewServices(tx repository.TxRunner, cfg *config.Config, sender mailer.CodeSender, logger *slog.Logger) *Services {
	identity := NewIdentityService(cfg, sender, logger)
	sessions := NewSessionService(cfg)
	return &Services{
		Identity: identity,
		Session:  sessions,
		Auth:     NewAuthService(tx, identity, sessions, logger),
	}
}
