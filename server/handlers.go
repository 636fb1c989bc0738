package server

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/imsimpla2209/bear/internal/errors"
)

// LoginHandler starts a login attempt and redirects the browser to the
// identity provider.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, pending, err := s.flow.BeginLogin()
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.sealPendingCookie(w, pending); err != nil {
			s.writeError(w, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler finishes the login attempt the provider redirected
// back from and establishes the session cookie.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The attempt cookie is one-shot regardless of outcome. Headers
		// are not flushed until the first write, so this lands on every
		// path below.
		s.clearPendingCookie(w)

		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			s.writeError(w, apperrors.Wrapf(apperrors.ErrTokenExchangeFailed, "[Callback] provider error: %s", errCode))
			return
		}

		pending, err := s.openPendingCookie(r)
		if err != nil {
			s.writeError(w, err)
			return
		}

		sess, err := s.flow.CompleteLogin(r.Context(), q.Get("code"), q.Get("state"), pending)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.setSessionCookie(w, sess.ID)
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

// LogoutHandler revokes the session and clears the cookie. It succeeds
// even when the session is already gone.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer s.clearSessionCookie(w)

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := s.flow.Logout(r.Context(), cookie.Value); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SecretHandler serves one named secret to the authenticated session.
func (s *Server) SecretHandler() http.HandlerFunc {
	type response struct {
		Name    string `json:"name"`
		Value   string `json:"value"`
		Version int64  `json:"version"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			s.writeError(w, apperrors.Wrapf(apperrors.ErrTokenExpired, "[Secret] no session in context"))
			return
		}

		v, err := s.broker.GetSecret(r.Context(), sess, r.PathValue("name"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, response{Name: v.Name, Value: v.Value, Version: v.Version})
	}
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Responses
// never carry internal detail; that goes to the log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case apperrors.Is(err, apperrors.ErrInvalidState),
		apperrors.Is(err, apperrors.ErrSignatureInvalid),
		apperrors.Is(err, apperrors.ErrTokenExchangeFailed):
		status, message = http.StatusUnauthorized, "authentication failed"
	case apperrors.Is(err, apperrors.ErrTokenExpired),
		apperrors.Is(err, apperrors.ErrSessionNotFound),
		apperrors.Is(err, apperrors.ErrDecryptFailed):
		status, message = http.StatusUnauthorized, "session expired"
	case apperrors.Is(err, apperrors.ErrAccessDenied):
		status, message = http.StatusForbidden, "access denied"
	case apperrors.Is(err, apperrors.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case apperrors.Is(err, apperrors.ErrConflict):
		status, message = http.StatusConflict, "conflict"
	case apperrors.Is(err, apperrors.ErrStoreUnavailable):
		status, message = http.StatusServiceUnavailable, "store unavailable"
	}

	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}
