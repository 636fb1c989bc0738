// Package oidctest runs a minimal OpenID Connect provider on an
// httptest server: discovery, JWKS, authorization-code and
// refresh-token grants, RS256-signed ID tokens. Tests drive the broker
// against it instead of a live identity provider.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type grant struct {
	subject   string
	email     string
	nonce     string
	challenge string
}

// IDP is a stub identity provider.
type IDP struct {
	Server   *httptest.Server
	ClientID string

	// AccessTokenTTL controls expires_in on issued tokens.
	AccessTokenTTL time.Duration
	// ExchangeDelay stalls the token endpoint before answering a code
	// grant, for exercising client-side deadlines.
	ExchangeDelay time.Duration

	// FailExchange makes the token endpoint reject authorization codes.
	FailExchange atomic.Bool
	// FailRefresh makes the token endpoint reject refresh grants.
	FailRefresh atomic.Bool
	// BadSignature signs ID tokens with a throwaway key not present in
	// the JWKS, so verification must fail.
	BadSignature atomic.Bool

	key   *rsa.PrivateKey
	keyID string

	mu            sync.Mutex
	codes         map[string]grant
	refreshTokens map[string]grant

	exchangeCalls int64
	refreshCalls  int64
	endSessions   int64
}

// New starts the stub provider. It is shut down with the test.
func New(t *testing.T, clientID string) *IDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate idp key: %v", err)
	}

	idp := &IDP{
		ClientID:       clientID,
		AccessTokenTTL: time.Hour,
		key:            key,
		keyID:          "test-key-1",
		codes:          make(map[string]grant),
		refreshTokens:  make(map[string]grant),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", idp.discovery)
	mux.HandleFunc("GET /keys", idp.jwks)
	mux.HandleFunc("POST /token", idp.token)
	mux.HandleFunc("/end-session", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&idp.endSessions, 1)
		w.WriteHeader(http.StatusOK)
	})

	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Server.Close)
	return idp
}

// Issuer returns the provider's issuer URL.
func (idp *IDP) Issuer() string { return idp.Server.URL }

// GrantCode registers an authorization code for the login attempt that
// produced authURL, binding it to the nonce and PKCE challenge found
// there. It returns the code and the state echoed back on the callback.
func (idp *IDP) GrantCode(t *testing.T, authURL, subject, email string) (code, state string) {
	t.Helper()

	q, err := parseAuthURL(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}

	code = randomToken()
	idp.mu.Lock()
	idp.codes[code] = grant{
		subject:   subject,
		email:     email,
		nonce:     q.Get("nonce"),
		challenge: q.Get("code_challenge"),
	}
	idp.mu.Unlock()
	return code, q.Get("state")
}

// SeedRefreshToken registers a refresh token as valid for the subject.
func (idp *IDP) SeedRefreshToken(token, subject, email string) {
	idp.mu.Lock()
	idp.refreshTokens[token] = grant{subject: subject, email: email}
	idp.mu.Unlock()
}

// ExchangeCalls reports how many authorization-code grants were served.
func (idp *IDP) ExchangeCalls() int64 { return atomic.LoadInt64(&idp.exchangeCalls) }

// RefreshCalls reports how many refresh grants were served.
func (idp *IDP) RefreshCalls() int64 { return atomic.LoadInt64(&idp.refreshCalls) }

// EndSessionCalls reports how many end-session notifications arrived.
func (idp *IDP) EndSessionCalls() int64 { return atomic.LoadInt64(&idp.endSessions) }

func (idp *IDP) discovery(w http.ResponseWriter, _ *http.Request) {
	issuer := idp.Server.URL
	writeJSON(w, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/auth",
		"token_endpoint":                        issuer + "/token",
		"jwks_uri":                              issuer + "/keys",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"end_session_endpoint":                  issuer + "/end-session",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (idp *IDP) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": idp.keyID,
			"n":   base64.RawURLEncoding.EncodeToString(idp.key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(idp.key.E)).Bytes()),
		}},
	})
}

func (idp *IDP) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		atomic.AddInt64(&idp.exchangeCalls, 1)
		idp.exchange(w, r)
	case "refresh_token":
		atomic.AddInt64(&idp.refreshCalls, 1)
		idp.refresh(w, r)
	default:
		oauthError(w, "unsupported_grant_type")
	}
}

func (idp *IDP) exchange(w http.ResponseWriter, r *http.Request) {
	if idp.ExchangeDelay > 0 {
		time.Sleep(idp.ExchangeDelay)
	}
	if idp.FailExchange.Load() {
		oauthError(w, "invalid_grant")
		return
	}

	idp.mu.Lock()
	g, ok := idp.codes[r.Form.Get("code")]
	delete(idp.codes, r.Form.Get("code"))
	idp.mu.Unlock()
	if !ok {
		oauthError(w, "invalid_grant")
		return
	}

	// PKCE: the verifier must hash to the challenge bound to the code.
	if g.challenge != "" {
		sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
			oauthError(w, "invalid_grant")
			return
		}
	}

	refreshToken := "rt-" + randomToken()
	idp.mu.Lock()
	idp.refreshTokens[refreshToken] = g
	idp.mu.Unlock()

	writeJSON(w, map[string]any{
		"access_token":  "at-" + randomToken(),
		"token_type":    "Bearer",
		"expires_in":    int(idp.AccessTokenTTL.Seconds()),
		"refresh_token": refreshToken,
		"id_token":      idp.mintIDToken(g),
	})
}

func (idp *IDP) refresh(w http.ResponseWriter, r *http.Request) {
	if idp.FailRefresh.Load() {
		oauthError(w, "invalid_grant")
		return
	}

	idp.mu.Lock()
	g, ok := idp.refreshTokens[r.Form.Get("refresh_token")]
	idp.mu.Unlock()
	if !ok {
		oauthError(w, "invalid_grant")
		return
	}

	writeJSON(w, map[string]any{
		"access_token": "at-" + randomToken(),
		"token_type":   "Bearer",
		"expires_in":   int(idp.AccessTokenTTL.Seconds()),
		"id_token":     idp.mintIDToken(g),
	})
}

func (idp *IDP) mintIDToken(g grant) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   idp.Server.URL,
		"aud":   idp.ClientID,
		"sub":   g.subject,
		"email": g.email,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	if g.nonce != "" {
		claims["nonce"] = g.nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = idp.keyID

	signingKey := idp.key
	if idp.BadSignature.Load() {
		// Throwaway key, deliberately absent from the JWKS.
		rogue, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		signingKey = rogue
	}

	signed, err := token.SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return signed
}

func parseAuthURL(authURL string) (url.Values, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	return u.Query(), nil
}

func oauthError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `{"error":%q}`, code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
