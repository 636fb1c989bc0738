package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/oidcflow"
	"github.com/pkg/errors"
)

const (
	sessionCookieName = "broker_session"
	pendingCookieName = "broker_login"
)

// pendingCookieMaxAge matches the cookie's lifetime to the configured
// login-attempt TTL, so the browser never discards an attempt the
// engine would still accept.
func (s *Server) pendingCookieMaxAge() int {
	ttl := s.cfg.Session.PendingTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return int(ttl.Seconds())
}

// sealPendingCookie encrypts the pending login attempt into a cookie.
// The browser carries it back on the callback; sealing keeps the PKCE
// verifier and nonce out of reach of scripts and of the user.
func (s *Server) sealPendingCookie(w http.ResponseWriter, pending *oidcflow.PendingLogin) error {
	plaintext, err := json.Marshal(pending)
	if err != nil {
		return errors.Wrap(err, "[sealPendingCookie] marshal")
	}
	sealed, err := s.env.Seal(plaintext)
	if err != nil {
		return errors.Wrap(err, "[sealPendingCookie] seal")
	}

	http.SetCookie(w, &http.Cookie{
		Name:     pendingCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(sealed),
		Path:     "/",
		MaxAge:   s.pendingCookieMaxAge(),
		HttpOnly: true,
		Secure:   s.cfg.CookiesSecure(),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// openPendingCookie reads back the sealed login attempt. Any failure
// collapses to ErrInvalidState: a callback without a verifiable
// attempt is forged or stale either way.
func (s *Server) openPendingCookie(r *http.Request) (*oidcflow.PendingLogin, error) {
	cookie, err := r.Cookie(pendingCookieName)
	if err != nil || cookie.Value == "" {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "[openPendingCookie] no login attempt cookie")
	}

	sealed, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "[openPendingCookie] malformed cookie")
	}
	plaintext, err := s.env.Open(sealed)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "[openPendingCookie] cookie does not open")
	}

	var pending oidcflow.PendingLogin
	if err := json.Unmarshal(plaintext, &pending); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "[openPendingCookie] decode")
	}
	return &pending, nil
}

func (s *Server) clearPendingCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     pendingCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookiesSecure(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.CookiesSecure(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookiesSecure(),
		SameSite: http.SameSiteLaxMode,
	})
}
