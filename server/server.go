// Package server exposes the broker over HTTP: the login redirect and
// callback, logout, the secret endpoint and a health probe. Sessions
// travel as an opaque cookie; the pending login attempt travels as a
// sealed cookie so the callback can be verified without server-side
// state.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/imsimpla2209/bear/envelope"
	"github.com/imsimpla2209/bear/internal/config"
	"github.com/imsimpla2209/bear/oidcflow"
	"github.com/imsimpla2209/bear/refresh"
	"github.com/imsimpla2209/bear/secrets"
	"github.com/imsimpla2209/bear/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Server struct {
	mux     *http.ServeMux
	routes  []string
	cfg     config.Config
	flow    *oidcflow.Engine
	repo    sessions.Repo
	refresh *refresh.Manager
	broker  *secrets.Broker
	env     *envelope.Envelope
	nowTime func() time.Time
	log     zerolog.Logger
}

// Option modifies the Server instance.
type Option func(*Server)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Server) {
		s.nowTime = nowFunc
	}
}

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func New(cfg config.Config, flow *oidcflow.Engine, repo sessions.Repo, refreshManager *refresh.Manager, broker *secrets.Broker, env *envelope.Envelope, options ...Option) (*Server, error) {
	if flow == nil || repo == nil || refreshManager == nil || broker == nil || env == nil {
		return nil, errors.New("[server.New] flow, repo, refresh manager, broker and envelope are required")
	}

	s := &Server{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		flow:    flow,
		repo:    repo,
		refresh: refreshManager,
		broker:  broker,
		env:     env,
		nowTime: time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET /login", ChainMiddleware(s.LoginHandler(), s.baseMiddleware()...))
	s.RegisterRouteFunc("GET /callback", ChainMiddleware(s.CallbackHandler(), s.baseMiddleware()...))
	s.RegisterRouteFunc("POST /logout", ChainMiddleware(s.LogoutHandler(), s.baseMiddleware()...))
	s.RegisterRouteFunc("GET /secrets/{name...}", ChainMiddleware(s.SecretHandler(), s.sessionMiddleware()...))
	s.RegisterRouteFunc("GET /healthz", ChainMiddleware(s.HealthHandler(), s.baseMiddleware()...))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Run serves HTTP until the context is canceled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.HTTP.Addr).Msg("http server listening")

	select {
	case err := <-errCh:
		return errors.Wrap(err, "[Server.Run] listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
