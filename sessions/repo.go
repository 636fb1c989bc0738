package sessions

import (
	"context"
	"time"
)

// TokenUpdate carries replacement token material for UpdateTokens.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	AccessExpiry time.Time
	State        State
}

// Repo is the session store adapter contract.
//
// Implementations serialize concurrent updates to the same session at
// the transaction boundary. Compare-and-swap style operations take the
// state the caller last observed; a mismatch fails with ErrConflict and
// the caller recovers by re-reading. Token fields are sealed before any
// write and opened after any read; raw token bytes never reach the
// underlying store.
type Repo interface {
	// Create persists a new session row. An id collision fails with
	// ErrConflict; the caller regenerates the id and retries.
	Create(ctx context.Context, s *Session) error

	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// UpdateTokens replaces token material and transitions state in a
	// single transaction. Fails with ErrConflict unless the stored
	// state equals expect.
	UpdateTokens(ctx context.Context, id string, expect State, upd TokenUpdate) error

	// UpdateState transitions state, guarded by the expected current
	// state. Fails with ErrConflict on a mismatch.
	UpdateState(ctx context.Context, id string, expect, to State) error

	// Touch records activity for idle-eviction purposes.
	Touch(ctx context.Context, id string, seenAt time.Time) error

	// Delete removes the session. Deleting an absent session is not an
	// error.
	Delete(ctx context.Context, id string) error

	// DeleteIdle removes sessions not seen since the cutoff, regardless
	// of token validity, and reports how many were removed.
	DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error)

	// ListNearExpiry returns ids of active, refreshable sessions whose
	// access token expires before the given instant.
	ListNearExpiry(ctx context.Context, before time.Time) ([]string, error)
}
