package oidcflow_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/internal/oidctest"
	"github.com/imsimpla2209/bear/oidcflow"
	"github.com/imsimpla2209/bear/sessions"
	fakesessionrepo "github.com/imsimpla2209/bear/sessions/repofakes"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testClientID     = "broker-client"
	testClientSecret = "broker-secret"
	testSubject      = "user-1"
	testEmail        = "jane@example.com"
)

type testFixture struct {
	idp    *oidctest.IDP
	repo   *fakesessionrepo.FakeSessionRepo
	engine *oidcflow.Engine
}

func setupTestFixture(t *testing.T, options ...oidcflow.Option) *testFixture {
	t.Helper()

	idp := oidctest.New(t, testClientID)
	repo := fakesessionrepo.NewFakeSessionRepo()

	engine, err := oidcflow.New(context.Background(), oidcflow.Config{
		IssuerURL:    idp.Issuer(),
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  "http://localhost:8080/callback",
	}, repo, options...)
	require.NoError(t, err)

	return &testFixture{idp: idp, repo: repo, engine: engine}
}

func TestBeginLoginProducesDistinctAttempts(t *testing.T) {
	f := setupTestFixture(t)

	authURL1, pending1, err := f.engine.BeginLogin()
	require.NoError(t, err)
	authURL2, pending2, err := f.engine.BeginLogin()
	require.NoError(t, err)

	u, err := url.Parse(authURL1)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, pending1.State, q.Get("state"))
	require.Equal(t, pending1.Nonce, q.Get("nonce"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, testClientID, q.Get("client_id"))

	require.NotEqual(t, pending1.State, pending2.State)
	require.NotEqual(t, pending1.Nonce, pending2.Nonce)
	require.NotEqual(t, pending1.CodeVerifier, pending2.CodeVerifier)
	require.NotEqual(t, authURL1, authURL2)
}

func TestCompleteLogin(t *testing.T) {
	f := setupTestFixture(t)

	authURL, pending, err := f.engine.BeginLogin()
	require.NoError(t, err)

	code, state := f.idp.GrantCode(t, authURL, testSubject, testEmail)

	s, err := f.engine.CompleteLogin(context.Background(), code, state, pending)
	require.NoError(t, err)

	require.Equal(t, sessions.StateActive, s.State)
	require.Equal(t, testSubject, s.Subject)
	require.Equal(t, f.idp.Issuer(), s.Issuer)
	require.Equal(t, testEmail, s.IDTokenClaims["email"])
	require.NotEmpty(t, s.AccessToken)
	require.True(t, s.CanRefresh())
	require.True(t, s.AccessExpiry.After(time.Now()))

	stored, err := f.repo.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, s.Subject, stored.Subject)
	require.EqualValues(t, 1, f.idp.ExchangeCalls())
}

func TestCompleteLoginStateMismatch(t *testing.T) {
	f := setupTestFixture(t)

	authURL, pending, err := f.engine.BeginLogin()
	require.NoError(t, err)
	code, _ := f.idp.GrantCode(t, authURL, testSubject, testEmail)

	_, err = f.engine.CompleteLogin(context.Background(), code, "forged-state", pending)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)

	// No session was created and no code was exchanged.
	require.Zero(t, f.repo.Len())
	require.Zero(t, f.idp.ExchangeCalls())
}

func TestCompleteLoginMissingPending(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.engine.CompleteLogin(context.Background(), "some-code", "some-state", nil)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
	require.Zero(t, f.repo.Len())
}

func TestCompleteLoginExpiredAttempt(t *testing.T) {
	now := time.Now()
	f := setupTestFixture(t, oidcflow.WithNowTime(func() time.Time { return now }))

	authURL, pending, err := f.engine.BeginLogin()
	require.NoError(t, err)
	code, state := f.idp.GrantCode(t, authURL, testSubject, testEmail)

	now = now.Add(11 * time.Minute)

	_, err = f.engine.CompleteLogin(context.Background(), code, state, pending)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
	require.Zero(t, f.repo.Len())
}

func TestCompleteLoginExchangeRejected(t *testing.T) {
	f := setupTestFixture(t)

	authURL, pending, err := f.engine.BeginLogin()
	require.NoError(t, err)
	code, state := f.idp.GrantCode(t, authURL, testSubject, testEmail)

	f.idp.FailExchange.Store(true)

	_, err = f.engine.CompleteLogin(context.Background(), code, state, pending)
	require.ErrorIs(t, err, apperrors.ErrTokenExchangeFailed)
	require.Zero(t, f.repo.Len())
}

func TestCompleteLoginBoundedByProviderTimeout(t *testing.T) {
	idp := oidctest.New(t, testClientID)
	repo := fakesessionrepo.NewFakeSessionRepo()

	engine, err := oidcflow.New(context.Background(), oidcflow.Config{
		IssuerURL:       idp.Issuer(),
		ClientID:        testClientID,
		ClientSecret:    testClientSecret,
		RedirectURL:     "http://localhost:8080/callback",
		ProviderTimeout: 100 * time.Millisecond,
	}, repo)
	require.NoError(t, err)

	authURL, pending, err := engine.BeginLogin()
	require.NoError(t, err)
	code, state := idp.GrantCode(t, authURL, testSubject, testEmail)

	idp.ExchangeDelay = 2 * time.Second

	// A stalled provider cannot hang the callback past its deadline.
	start := time.Now()
	_, err = engine.CompleteLogin(context.Background(), code, state, pending)
	require.ErrorIs(t, err, apperrors.ErrTokenExchangeFailed)
	require.Less(t, time.Since(start), 1500*time.Millisecond)
	require.Zero(t, repo.Len())
}

func TestCompleteLoginBadSignature(t *testing.T) {
	f := setupTestFixture(t)

	authURL, pending, err := f.engine.BeginLogin()
	require.NoError(t, err)
	code, state := f.idp.GrantCode(t, authURL, testSubject, testEmail)

	f.idp.BadSignature.Store(true)

	_, err = f.engine.CompleteLogin(context.Background(), code, state, pending)
	require.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
	require.Zero(t, f.repo.Len())
}

func TestCompleteLoginNonceMismatch(t *testing.T) {
	f := setupTestFixture(t)

	authURL, pending, err := f.engine.BeginLogin()
	require.NoError(t, err)
	code, state := f.idp.GrantCode(t, authURL, testSubject, testEmail)

	// The ID token carries the nonce from the original redirect; a
	// pending record with a different nonce must be rejected.
	pending.Nonce = "something-else"

	_, err = f.engine.CompleteLogin(context.Background(), code, state, pending)
	require.ErrorIs(t, err, apperrors.ErrInvalidState)
	require.Zero(t, f.repo.Len())
}

func TestLogout(t *testing.T) {
	f := setupTestFixture(t)

	authURL, pending, err := f.engine.BeginLogin()
	require.NoError(t, err)
	code, state := f.idp.GrantCode(t, authURL, testSubject, testEmail)
	s, err := f.engine.CompleteLogin(context.Background(), code, state, pending)
	require.NoError(t, err)

	require.NoError(t, f.engine.Logout(context.Background(), s.ID))

	_, err = f.repo.Get(context.Background(), s.ID)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	// End-session notification is fire-and-forget.
	require.Eventually(t, func() bool { return f.idp.EndSessionCalls() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Logging out an unknown session is a no-op.
	require.NoError(t, f.engine.Logout(context.Background(), "already-gone"))
}

func TestAccessExpiryFallsBackToJWTExp(t *testing.T) {
	f := setupTestFixture(t)

	exp := time.Now().Add(42 * time.Minute).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("any-key"))
	require.NoError(t, err)

	got := f.engine.AccessExpiry(&oauth2.Token{AccessToken: raw})
	require.Equal(t, exp.Unix(), got.Unix())
}
