package server

import (
	"context"
	"net/http"

	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/internal/utils"
	"github.com/imsimpla2209/bear/sessions"
)

// ChainMiddleware wraps a handler with middleware, applied in reverse
// order so the first listed runs outermost.
func ChainMiddleware(routeFunction http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chainedHandler := routeFunction
	for i := len(mw) - 1; i >= 0; i-- {
		chainedHandler = mw[i](chainedHandler)
	}
	return chainedHandler
}

func (s *Server) baseMiddleware() []func(http.HandlerFunc) http.HandlerFunc {
	return []func(http.HandlerFunc) http.HandlerFunc{
		s.RecoverMiddleware,
		s.LoggingMiddleware,
	}
}

func (s *Server) sessionMiddleware() []func(http.HandlerFunc) http.HandlerFunc {
	return append(s.baseMiddleware(), s.RequireSessionMiddleware)
}

type contextKey string

const sessionContextKey contextKey = "session"

// SessionFromContext returns the session attached by
// RequireSessionMiddleware.
func SessionFromContext(ctx context.Context) (*sessions.Session, bool) {
	s, ok := ctx.Value(sessionContextKey).(*sessions.Session)
	return s, ok
}

// RequireSessionMiddleware resolves the session cookie to a usable
// session, refreshing its tokens when needed, and attaches it to the
// request context. Requests without a usable session get 401 and a
// cleared cookie.
func (s *Server) RequireSessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			s.writeError(w, apperrors.Wrapf(apperrors.ErrTokenExpired, "[RequireSession] no session cookie"))
			return
		}
		id := cookie.Value

		sess, err := s.refresh.EnsureFresh(r.Context(), id)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrDecryptFailed) {
				// The stored row no longer opens with the current key.
				// It can never be served again, so drop it.
				_ = s.repo.Delete(r.Context(), id)
				s.log.Warn().Str("session", utils.ShortID(id)).Msg("deleted undecryptable session")
			}
			s.clearSessionCookie(w)
			s.writeError(w, err)
			return
		}

		if err := s.repo.Touch(r.Context(), id, s.nowTime()); err != nil {
			s.log.Debug().Err(err).Str("session", utils.ShortID(id)).Msg("session touch failed")
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next(w, r)
	}
}

func (s *Server) RecoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}
