// Package sessions defines the server-side login session model and the
// storage contract for it. The relational store is the single source of
// truth for sessions; everything else in the broker works off it.
package sessions

import "time"

// State is the lifecycle state of a session.
type State string

const (
	// StatePending marks a login attempt whose token exchange has not
	// completed yet.
	StatePending State = "pending"
	// StateActive marks a usable session with validated tokens.
	StateActive State = "active"
	// StateRefreshing marks a session whose tokens are being renewed.
	// The persisted state doubles as the cross-process refresh lock:
	// whoever wins the transition owns the refresh. The access token is
	// not handed out while in this state.
	StateRefreshing State = "refreshing"
	// StateExpired marks a session whose refresh was rejected upstream.
	// Only a full re-login recovers it.
	StateExpired State = "expired"
	// StateRevoked marks a session terminated by logout.
	StateRevoked State = "revoked"
)

// Session is one authenticated user's server-side login. Token fields
// hold plaintext in memory; the store adapter seals them before any
// write and opens them after any read.
type Session struct {
	ID           string // opaque capability, >=128 bits of entropy, never reused
	Subject      string
	Issuer       string
	AccessToken  string
	RefreshToken string // empty means the session cannot auto-renew
	// IDTokenClaims are the verified ID-token claims, immutable after
	// session creation.
	IDTokenClaims map[string]any
	AccessExpiry  time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
	State         State
}

// CanRefresh reports whether the session holds a refresh token.
func (s *Session) CanRefresh() bool {
	return s.RefreshToken != ""
}

// NeedsRefresh reports whether the access token is within skew of
// expiry at the given instant. The skew window also absorbs clock
// drift between the broker and the identity provider.
func (s *Session) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(s.AccessExpiry)
}
