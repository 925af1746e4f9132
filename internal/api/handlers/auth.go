package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mara/identity-service/internal/api/authcookie"
	"github.com/mara/identity-service/internal/api/middleware"
	"github.com/mara/identity-service/internal/domain"
	"github.com/mara/identity-service/internal/service"
)

type AuthHandler struct {
	authService *service.AuthService
	cookies     *authcookie.Manager
}

func NewAuthHandler(authService *service.AuthService, cookies *authcookie.Manager) *AuthHandler {
	return &AuthHandler{authService: authService, cookies: cookies}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

type LoginRequest struct {
	Email string `json:"email"`
}

type VerifyLoginRequest struct {
	Email            string `json:"email"`
	VerificationCode string `json:"verificationCode"`
}

type LoginBackupRequest struct {
	BackupCode string `json:"backupCode"`
}

type UserEnvelope struct {
	User domain.PublicUser `json:"user"`
}

// RegisterAnonymous creates a fresh anonymous user. Callers holding a
// token must log out first.
func (h *AuthHandler) RegisterAnonymous(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetToken(r.Context()); ok {
		http.Error(w, "Must be logged out to register an anonymous user", http.StatusBadRequest)
		return
	}

	result, err := h.authService.RegisterAnonymous(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	if err := h.cookies.Set(w, result.Session); err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UserEnvelope{User: result.User.Public()})
}

// Register claims an email and username, either for a brand-new user or
// for the caller's current anonymous user.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Username == "" {
		http.Error(w, "Email and username are required", http.StatusBadRequest)
		return
	}

	input := service.RegisterInput{Email: req.Email, Username: req.Username}
	if token, ok := middleware.GetToken(r.Context()); ok {
		input.Token = token
	}

	result, err := h.authService.Register(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			http.Error(w, "Email or username already in use", http.StatusConflict)
		case errors.Is(err, domain.ErrNotFound):
			h.cookies.Clear(w)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		case errors.Is(err, domain.ErrInvalidState):
			http.Error(w, "Forbidden", http.StatusForbidden)
		default:
			h.cookies.Clear(w)
			h.internalError(w, r, err)
		}
		return
	}

	if err := h.cookies.Set(w, result.Session); err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UserEnvelope{User: result.User.Public()})
}

// Login starts a code-based login for a registered email. Any existing
// cookie is dropped; the caller is unauthenticated until the code is
// verified.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.cookies.Clear(w)

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "Email is required", http.StatusBadRequest)
		return
	}

	if err := h.authService.Login(r.Context(), req.Email); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.internalError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VerifyLogin consumes a verification code. A verified outcome mints a
// session; a not-verified outcome is reported, not errored.
func (h *AuthHandler) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req VerifyLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.VerificationCode == "" {
		http.Error(w, "Email and verification code are required", http.StatusBadRequest)
		return
	}

	result, err := h.authService.VerifyLogin(r.Context(), req.Email, req.VerificationCode)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.cookies.Clear(w)
		h.internalError(w, r, err)
		return
	}

	resp := struct {
		User     *domain.PublicUser `json:"user"`
		Verified bool               `json:"verified"`
	}{Verified: result.Verified}

	if result.Verified {
		if err := h.cookies.Set(w, result.Session); err != nil {
			h.internalError(w, r, err)
			return
		}
		user := result.User.Public()
		resp.User = &user
	}
	writeJSON(w, http.StatusOK, resp)
}

// LoginBackup authenticates with the long-lived backup code, revoking
// every other session for the user.
func (h *AuthHandler) LoginBackup(w http.ResponseWriter, r *http.Request) {
	var req LoginBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.BackupCode == "" {
		http.Error(w, "Backup code is required", http.StatusBadRequest)
		return
	}

	result, err := h.authService.LoginBackup(r.Context(), req.BackupCode)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.cookies.Clear(w)
		h.internalError(w, r, err)
		return
	}

	if err := h.cookies.Set(w, result.Session); err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserEnvelope{User: result.User.Public()})
}

// Logout deletes the caller's session, if any, and drops the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := middleware.GetToken(r.Context()); ok {
		if err := h.authService.Logout(r.Context(), token); err != nil {
			h.internalError(w, r, err)
			return
		}
	}
	h.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// SessionStatus reports whether the caller holds a live session, and
// for whom.
func (h *AuthHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		SessionExists bool               `json:"sessionExists"`
		User          *domain.PublicUser `json:"user"`
	}{}

	if token, ok := middleware.GetToken(r.Context()); ok {
		result, err := h.authService.SessionStatus(r.Context(), token)
		switch {
		case err == nil:
			user := result.User.Public()
			resp.SessionExists = true
			resp.User = &user
		case errors.Is(err, domain.ErrNotFound):
			h.cookies.Clear(w)
		default:
			h.cookies.Clear(w)
			h.internalError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckAvailability reports whether an email and username are free to
// claim.
func (h *AuthHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Username == "" {
		http.Error(w, "Email and username are required", http.StatusBadRequest)
		return
	}

	emailAvailable, usernameAvailable, err := h.authService.CheckAvailability(r.Context(), req.Email, req.Username)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{
		"emailAvailable":    emailAvailable,
		"usernameAvailable": usernameAvailable,
	})
}

// ResendVerificationCode reissues the pending code for an email.
func (h *AuthHandler) ResendVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "Email is required", http.StatusBadRequest)
		return
	}

	if err := h.authService.ResendVerificationCode(r.Context(), req.Email); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"resent": true})
}

// Me returns the authenticated caller. Requires the Auth middleware.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, UserEnvelope{User: principal.User.Public()})
}

func (h *AuthHandler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "auth handler failure", "path", r.URL.Path, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
