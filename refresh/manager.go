// Package refresh keeps Active sessions usable without user-visible
// re-authentication. At most one refresh per session is in flight at
// any time: in-process callers collapse through a singleflight group,
// and across processes the persisted Refreshing state transition acts
// as the lock, arbitrated by the store's transaction serialization.
package refresh

import (
	"context"
	"time"

	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/internal/utils"
	"github.com/imsimpla2209/bear/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// conflictRetries bounds re-reads after losing a store-level race.
const conflictRetries = 3

// persistTimeout bounds the store writes that settle a held refresh
// claim.
const persistTimeout = 5 * time.Second

// TokenRefresher performs the refresh-token grant. Implemented by
// oidcflow.Engine.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	AccessExpiry(tok *oauth2.Token) time.Time
}

// Config tunes the scheduler. Zero values pick the defaults.
type Config struct {
	// Skew is the pre-expiry window that triggers a refresh. It also
	// absorbs clock drift against the provider.
	Skew time.Duration
	// WaitTimeout bounds how long a caller waits on someone else's
	// in-flight refresh. Distinct from CallTimeout: a hung refresh call
	// cannot stall waiters past this bound.
	WaitTimeout time.Duration
	// CallTimeout bounds the refresh call to the provider.
	CallTimeout time.Duration
	// PollInterval is the store re-read cadence while waiting.
	PollInterval time.Duration
	// IdleTimeout is the inactivity window after which sessions are
	// swept regardless of token validity.
	IdleTimeout time.Duration
	// SweepInterval is the background sweep cadence.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Skew == 0 {
		c.Skew = time.Minute
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 24 * time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Manager coordinates proactive and on-demand token refresh.
type Manager struct {
	repo    sessions.Repo
	tokens  TokenRefresher
	cfg     Config
	group   singleflight.Group
	nowTime func() time.Time
	log     zerolog.Logger
}

// Option modifies the Manager instance.
type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

func New(repo sessions.Repo, tokens TokenRefresher, cfg Config, options ...Option) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("[refresh.New] sessions repo is required")
	}
	if tokens == nil {
		return nil, errors.New("[refresh.New] token refresher is required")
	}

	m := &Manager{
		repo:    repo,
		tokens:  tokens,
		cfg:     cfg.withDefaults(),
		nowTime: time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// EnsureFresh returns the session with a usable access token,
// refreshing it first when it is within the skew window of expiry.
// Sessions that cannot be made usable fail with ErrTokenExpired and
// require a full re-login.
func (m *Manager) EnsureFresh(ctx context.Context, id string) (*sessions.Session, error) {
	v, err, _ := m.group.Do(id, func() (any, error) {
		return m.ensure(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessions.Session), nil
}

// Run executes the background sweep until the context is canceled:
// idle sessions are deleted and near-expiry refreshable sessions are
// renewed proactively.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep performs one sweep pass.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.nowTime()

	deleted, err := m.repo.DeleteIdle(ctx, now.Add(-m.cfg.IdleTimeout))
	if err != nil {
		m.log.Error().Err(err).Msg("idle session sweep failed")
	} else if deleted > 0 {
		m.log.Info().Int64("deleted", deleted).Msg("idle sessions swept")
	}

	ids, err := m.repo.ListNearExpiry(ctx, now.Add(m.cfg.Skew))
	if err != nil {
		m.log.Error().Err(err).Msg("near-expiry scan failed")
		return
	}
	for _, id := range ids {
		if _, err := m.EnsureFresh(ctx, id); err != nil {
			m.log.Debug().Err(err).Str("session", utils.ShortID(id)).Msg("proactive refresh failed")
		}
	}
}

func (m *Manager) ensure(ctx context.Context, id string) (*sessions.Session, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		s, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "[Manager.ensure] get")
		}

		switch s.State {
		case sessions.StateActive:
			if !s.NeedsRefresh(m.nowTime(), m.cfg.Skew) {
				return s, nil
			}
			if !s.CanRefresh() {
				_ = m.repo.UpdateState(ctx, id, sessions.StateActive, sessions.StateExpired)
				return nil, apperrors.Wrapf(apperrors.ErrTokenExpired, "[Manager.ensure] session cannot auto-renew")
			}
			if err := m.repo.UpdateState(ctx, id, sessions.StateActive, sessions.StateRefreshing); err != nil {
				if apperrors.Is(err, apperrors.ErrConflict) {
					// Lost the claim; re-read and follow the winner.
					continue
				}
				return nil, errors.Wrap(err, "[Manager.ensure] claim refresh")
			}
			return m.performRefresh(ctx, s)

		case sessions.StateRefreshing:
			return m.waitForRefresh(ctx, id)

		default:
			// Pending, Expired, Revoked: unusable without a re-login.
			return nil, apperrors.Wrapf(apperrors.ErrTokenExpired, "[Manager.ensure] session is %s", s.State)
		}
	}
	return nil, apperrors.Wrapf(apperrors.ErrConflict, "[Manager.ensure] retries exhausted")
}

// performRefresh runs the refresh grant while holding the persisted
// Refreshing claim, then publishes the new tokens.
func (m *Manager) performRefresh(ctx context.Context, s *sessions.Session) (*sessions.Session, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	tok, err := m.tokens.Refresh(callCtx, s.RefreshToken)
	cancel()

	// The claim must be settled even when the winning caller has
	// disconnected; a write on the canceled request context would leave
	// the row Refreshing until the idle sweep reaps it.
	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer persistCancel()

	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			// The provider rejected the refresh token: revoked or
			// expired upstream. Terminal until the user logs in again.
			_ = m.repo.UpdateState(persistCtx, s.ID, sessions.StateRefreshing, sessions.StateExpired)
			m.log.Warn().Str("session", utils.ShortID(s.ID)).Msg("refresh token rejected by provider")
			return nil, apperrors.Wrapf(apperrors.ErrTokenExpired, "[Manager.performRefresh] provider rejected refresh")
		}
		// Transient failure: release the claim so a later caller can
		// try again.
		_ = m.repo.UpdateState(persistCtx, s.ID, sessions.StateRefreshing, sessions.StateActive)
		return nil, apperrors.Wrapf(apperrors.ErrTokenExpired, "[Manager.performRefresh] refresh call failed: %v", err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		// Provider did not rotate the refresh token; keep the old one.
		refreshToken = s.RefreshToken
	}

	upd := sessions.TokenUpdate{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		AccessExpiry: m.tokens.AccessExpiry(tok),
		State:        sessions.StateActive,
	}
	if err := m.repo.UpdateTokens(persistCtx, s.ID, sessions.StateRefreshing, upd); err != nil {
		return nil, errors.Wrap(err, "[Manager.performRefresh] publish tokens")
	}
	m.log.Info().Str("session", utils.ShortID(s.ID)).Time("access_expiry", upd.AccessExpiry).Msg("session refreshed")

	out, err := m.repo.Get(persistCtx, s.ID)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.performRefresh] re-read")
	}
	return out, nil
}

// waitForRefresh polls the store until the in-flight refresh settles.
// The wait is bounded: a hung refresh elsewhere surfaces here as
// ErrTokenExpired, never as a stale token.
func (m *Manager) waitForRefresh(ctx context.Context, id string) (*sessions.Session, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return nil, apperrors.Wrapf(apperrors.ErrTokenExpired, "[Manager.waitForRefresh] timed out waiting for refresh")
		case <-ticker.C:
			s, err := m.repo.Get(ctx, id)
			if err != nil {
				return nil, errors.Wrap(err, "[Manager.waitForRefresh] get")
			}
			switch s.State {
			case sessions.StateRefreshing:
				continue
			case sessions.StateActive:
				return s, nil
			default:
				return nil, apperrors.Wrapf(apperrors.ErrTokenExpired, "[Manager.waitForRefresh] refresh ended in %s", s.State)
			}
		}
	}
}
