// Package oidcflow drives the OpenID Connect authorization-code flow
// with PKCE: building the provider redirect, exchanging the returned
// code for tokens, verifying the ID token and persisting the resulting
// session.
package oidcflow

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/internal/utils"
	"github.com/imsimpla2209/bear/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	sessionIDBytes = 32
	nonceBytes     = 16
	// createRetries bounds id regeneration on the astronomically rare
	// session-id collision.
	createRetries = 3
	// defaultAccessLifetime applies when the provider reports neither
	// expires_in nor a readable exp claim.
	defaultAccessLifetime = 5 * time.Minute
)

// PendingLogin is the transient state of one login attempt between
// BeginLogin and CompleteLogin. It is a capability: the caller must
// store it out of reach of other principals (the HTTP layer seals it
// into a short-lived cookie) and present it back on the callback.
type PendingLogin struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config identifies the broker at the identity provider.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	PendingTTL   time.Duration
	// ProviderTimeout bounds each network call to the provider.
	ProviderTimeout time.Duration
}

// Engine drives login attempts against one identity provider.
type Engine struct {
	oauth      *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	issuer     string
	endSession string
	repo            sessions.Repo
	pendingTTL      time.Duration
	providerTimeout time.Duration
	nowTime         func() time.Time
	log             zerolog.Logger
}

// Option modifies the Engine instance.
type Option func(*Engine)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(e *Engine) {
		e.nowTime = nowFunc
	}
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New discovers the provider configuration and prepares the engine.
// The context is used for discovery and later JWKS fetches.
func New(ctx context.Context, cfg Config, repo sessions.Repo, options ...Option) (*Engine, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, errors.New("[oidcflow.New] issuer URL and client ID are required")
	}
	if repo == nil {
		return nil, errors.New("[oidcflow.New] sessions repo is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, errors.Wrap(err, "[oidcflow.New] provider discovery")
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	_ = provider.Claims(&extra)

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	pendingTTL := cfg.PendingTTL
	if pendingTTL == 0 {
		pendingTTL = 10 * time.Minute
	}
	providerTimeout := cfg.ProviderTimeout
	if providerTimeout == 0 {
		providerTimeout = 10 * time.Second
	}

	e := &Engine{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		verifier:        provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		issuer:          cfg.IssuerURL,
		endSession:      extra.EndSessionEndpoint,
		repo:            repo,
		pendingTTL:      pendingTTL,
		providerTimeout: providerTimeout,
		nowTime:         time.Now,
		log:             zerolog.Nop(),
	}

	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// BeginLogin builds the provider redirect for a fresh login attempt.
// Every attempt gets its own anti-forgery state, PKCE verifier and
// ID-token nonce.
func (e *Engine) BeginLogin() (string, *PendingLogin, error) {
	nonce, err := utils.RandomToken(nonceBytes)
	if err != nil {
		return "", nil, errors.Wrap(err, "[Engine.BeginLogin] nonce")
	}

	pending := &PendingLogin{
		State:        uuid.NewString(),
		Nonce:        nonce,
		CodeVerifier: oauth2.GenerateVerifier(),
		CreatedAt:    e.nowTime(),
	}

	authURL := e.oauth.AuthCodeURL(pending.State,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(pending.CodeVerifier),
		oidc.Nonce(pending.Nonce),
	)
	return authURL, pending, nil
}

// CompleteLogin finishes the flow: it checks the anti-forgery state,
// exchanges the code, verifies the ID token (signature, issuer,
// audience, expiry, nonce) and persists a new Active session.
func (e *Engine) CompleteLogin(ctx context.Context, code, returnedState string, pending *PendingLogin) (*sessions.Session, error) {
	if pending == nil || pending.State == "" || returnedState == "" {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "[Engine.CompleteLogin] missing login state")
	}
	if subtle.ConstantTimeCompare([]byte(returnedState), []byte(pending.State)) != 1 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "[Engine.CompleteLogin] state mismatch")
	}
	now := e.nowTime()
	if now.Sub(pending.CreatedAt) > e.pendingTTL {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "[Engine.CompleteLogin] login attempt expired")
	}

	// One deadline covers the exchange and the JWKS fetch behind Verify.
	callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	tok, err := e.oauth.Exchange(callCtx, code, oauth2.VerifierOption(pending.CodeVerifier))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrTokenExchangeFailed, "[Engine.CompleteLogin] exchange: %v", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, apperrors.Wrapf(apperrors.ErrTokenExchangeFailed, "[Engine.CompleteLogin] no id_token in response")
	}

	idToken, err := e.verifier.Verify(callCtx, rawIDToken)
	if err != nil {
		e.log.Error().Err(err).Msg("id token verification failed")
		return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "[Engine.CompleteLogin] verify")
	}
	if idToken.Nonce != pending.Nonce {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidState, "[Engine.CompleteLogin] nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrSignatureInvalid, "[Engine.CompleteLogin] claims: %v", err)
	}

	s := &sessions.Session{
		Subject:       idToken.Subject,
		Issuer:        idToken.Issuer,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		IDTokenClaims: claims,
		AccessExpiry:  e.accessExpiry(tok, now),
		CreatedAt:     now,
		LastSeenAt:    now,
		State:         sessions.StateActive,
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		if s.ID, err = utils.RandomToken(sessionIDBytes); err != nil {
			return nil, errors.Wrap(err, "[Engine.CompleteLogin] session id")
		}
		err = e.repo.Create(ctx, s)
		if err == nil {
			e.log.Info().Str("session", utils.ShortID(s.ID)).Str("subject", s.Subject).Msg("session created")
			return s, nil
		}
		if !apperrors.Is(err, apperrors.ErrConflict) {
			break
		}
	}
	return nil, errors.Wrap(err, "[Engine.CompleteLogin] create session")
}

// Logout revokes and deletes the session. Notifying the provider's
// end-session endpoint is fire-and-forget; its outcome does not affect
// the result.
func (e *Engine) Logout(ctx context.Context, id string) error {
	s, err := e.repo.Get(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSessionNotFound) {
			return nil
		}
		if !apperrors.Is(err, apperrors.ErrDecryptFailed) {
			return errors.Wrap(err, "[Engine.Logout] get")
		}
		// Corrupted row: still delete it below.
		s = nil
	}

	if s != nil {
		_ = e.repo.UpdateState(ctx, id, s.State, sessions.StateRevoked)
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "[Engine.Logout] delete")
	}
	e.log.Info().Str("session", utils.ShortID(id)).Msg("session revoked")

	if e.endSession != "" {
		go e.notifyEndSession()
	}
	return nil
}

// Refresh performs the refresh-token grant against the provider. The
// call carries its own deadline on top of whatever the caller set.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	defer cancel()

	ts := e.oauth.TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken})
	return ts.Token()
}

// AccessExpiry derives the absolute expiry for a freshly issued token.
func (e *Engine) AccessExpiry(tok *oauth2.Token) time.Time {
	return e.accessExpiry(tok, e.nowTime())
}

func (e *Engine) accessExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	// Some providers omit expires_in; fall back to the access token's
	// own exp claim when it happens to be a JWT.
	if exp, ok := jwtExpiry(tok.AccessToken); ok {
		return exp
	}
	return now.Add(defaultAccessLifetime)
}

func (e *Engine) notifyEndSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endSession, nil)
	if err != nil {
		return
	}
	q := req.URL.Query()
	q.Set("client_id", e.oauth.ClientID)
	req.URL.RawQuery = q.Encode()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.log.Debug().Err(err).Msg("end-session notification failed")
		return
	}
	resp.Body.Close()
}
