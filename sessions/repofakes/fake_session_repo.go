package fakesessionrepo

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/sessions"
)

var _ sessions.Repo = (*FakeSessionRepo)(nil)

// FakeSessionRepo is an in-memory sessions.Repo with the same
// compare-and-swap semantics as the Postgres adapter. It backs tests
// and DSN-less development mode.
type FakeSessionRepo struct {
	lock     sync.Mutex
	sessions map[string]*sessions.Session
}

func NewFakeSessionRepo() *FakeSessionRepo {
	return &FakeSessionRepo{
		sessions: make(map[string]*sessions.Session),
	}
}

func (sr *FakeSessionRepo) Create(_ context.Context, s *sessions.Session) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	if _, ok := sr.sessions[s.ID]; ok {
		return apperrors.ErrConflict
	}
	sr.sessions[s.ID] = copySession(s)
	return nil
}

func (sr *FakeSessionRepo) Get(_ context.Context, id string) (*sessions.Session, error) {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	s, ok := sr.sessions[id]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (sr *FakeSessionRepo) UpdateTokens(_ context.Context, id string, expect sessions.State, upd sessions.TokenUpdate) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	s, ok := sr.sessions[id]
	if !ok {
		return apperrors.ErrSessionNotFound
	}
	if s.State != expect {
		return apperrors.ErrConflict
	}
	s.AccessToken = upd.AccessToken
	s.RefreshToken = upd.RefreshToken
	s.AccessExpiry = upd.AccessExpiry
	s.State = upd.State
	return nil
}

func (sr *FakeSessionRepo) UpdateState(_ context.Context, id string, expect, to sessions.State) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	s, ok := sr.sessions[id]
	if !ok {
		return apperrors.ErrSessionNotFound
	}
	if s.State != expect {
		return apperrors.ErrConflict
	}
	s.State = to
	return nil
}

func (sr *FakeSessionRepo) Touch(_ context.Context, id string, seenAt time.Time) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	s, ok := sr.sessions[id]
	if !ok {
		return apperrors.ErrSessionNotFound
	}
	s.LastSeenAt = seenAt
	return nil
}

func (sr *FakeSessionRepo) Delete(_ context.Context, id string) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	delete(sr.sessions, id)
	return nil
}

func (sr *FakeSessionRepo) DeleteIdle(_ context.Context, cutoff time.Time) (int64, error) {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	var n int64
	for id, s := range sr.sessions {
		if s.LastSeenAt.Before(cutoff) {
			delete(sr.sessions, id)
			n++
		}
	}
	return n, nil
}

func (sr *FakeSessionRepo) ListNearExpiry(_ context.Context, before time.Time) ([]string, error) {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	var ids []string
	for id, s := range sr.sessions {
		if s.State == sessions.StateActive && s.CanRefresh() && s.AccessExpiry.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Len reports the number of stored sessions. Test helper.
func (sr *FakeSessionRepo) Len() int {
	sr.lock.Lock()
	defer sr.lock.Unlock()
	return len(sr.sessions)
}

func copySession(s *sessions.Session) *sessions.Session {
	out := *s
	if s.IDTokenClaims != nil {
		out.IDTokenClaims = make(map[string]any, len(s.IDTokenClaims))
		for k, v := range s.IDTokenClaims {
			out.IDTokenClaims[k] = v
		}
	}
	return &out
}
