// Package authcookie owns the signed session cookie. The core services
// never see HTTP or cookie mechanics; they take and return bare tokens.
package authcookie

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/mara/identity-service/internal/config"
	"github.com/mara/identity-service/internal/domain"
)

type Manager struct {
	name   string
	secure bool
	codec  *securecookie.SecureCookie
}

func New(cfg *config.Config) *Manager {
	codec := securecookie.New([]byte(cfg.CookieHashKey), nil)
	codec.MaxAge(int(cfg.SessionTTL / time.Second))
	return &Manager{
		name:   cfg.CookieName,
		secure: cfg.IsProduction(),
		codec:  codec,
	}
}

// Read returns the bearer token carried by the request, if the cookie
// is present and its signature checks out. A tampered cookie reads the
// same as an absent one.
func (m *Manager) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(m.name)
	if err != nil {
		return "", false
	}
	var token string
	if err := m.codec.Decode(m.name, cookie.Value, &token); err != nil {
		return "", false
	}
	return token, true
}

func (m *Manager) Set(w http.ResponseWriter, session *domain.Session) error {
	encoded, err := m.codec.Encode(m.name, session.Token)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(time.Until(session.ExpiresAt) / time.Second),
	})
	return nil
}

func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}
