package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mara/identity-service/internal/api/authcookie"
	"github.com/mara/identity-service/internal/api/handlers"
	"github.com/mara/identity-service/internal/api/middleware"
	"github.com/mara/identity-service/internal/config"
	"github.com/mara/identity-service/internal/service"
)

func NewRouter(services *service.Services, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	cookies := authcookie.New(cfg)

	// Global middleware
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.WithToken(cookies))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	authHandler := handlers.NewAuthHandler(services.Auth, cookies)

	r.Route("/api/v0", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register-anonymous", authHandler.RegisterAnonymous)
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/verify-login", authHandler.VerifyLogin)
			r.Post("/login-backup", authHandler.LoginBackup)
			r.Post("/logout", authHandler.Logout)
			r.Get("/session-status", authHandler.SessionStatus)
			r.Post("/check-availability", authHandler.CheckAvailability)
			r.Post("/resend-verification-code", authHandler.ResendVerificationCode)

			// Protected auth routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(services.Auth, cookies))
				r.Get("/me", authHandler.Me)
			})
		})
	})

	return r
}
