// Package secrets serves named secrets to authenticated sessions
// through an encrypted, TTL-bounded cache in front of a parameter
// store. Values never sit in process memory in plaintext between
// requests: cache entries hold sealed ciphertext and are opened per
// call.
package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/imsimpla2209/bear/envelope"
	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Value is one secret as served to a caller.
type Value struct {
	Name    string
	Value   string
	Version int64
}

// Store is the backing parameter store.
type Store interface {
	// Fetch retrieves the decrypted secret value and its version.
	Fetch(ctx context.Context, name string) (*Value, error)
	// Version retrieves only the current version, for staleness checks.
	Version(ctx context.Context, name string) (int64, error)
}

// Config tunes the broker. Zero values pick the defaults.
type Config struct {
	// CacheTTL bounds how long a fetched value is served without going
	// back to the store.
	CacheTTL time.Duration
	// FetchAttempts bounds retries against a failing store.
	FetchAttempts uint64
	// FetchBackoff is the initial retry delay.
	FetchBackoff time.Duration
	// FetchTimeout bounds each individual store call.
	FetchTimeout time.Duration
	// VersionCheckInterval is the background staleness-check cadence.
	VersionCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.FetchAttempts == 0 {
		c.FetchAttempts = 4
	}
	if c.FetchBackoff == 0 {
		c.FetchBackoff = 100 * time.Millisecond
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.VersionCheckInterval == 0 {
		c.VersionCheckInterval = time.Minute
	}
	return c
}

// cacheEntry holds one sealed secret. The mutex serializes fetches for
// the same name, so a cold or expired entry costs one store call no
// matter how many callers ask at once.
type cacheEntry struct {
	mu         sync.Mutex
	ciphertext []byte
	version    int64
	expiresAt  time.Time
}

// Broker is the secret-serving facade.
type Broker struct {
	store   Store
	env     *envelope.Envelope
	cfg     Config
	nowTime func() time.Time
	log     zerolog.Logger

	lock    sync.Mutex
	entries map[string]*cacheEntry
}

// Option modifies the Broker instance.
type Option func(*Broker)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(b *Broker) {
		b.nowTime = nowFunc
	}
}

// WithLogger sets the broker logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

func New(store Store, env *envelope.Envelope, cfg Config, options ...Option) (*Broker, error) {
	if store == nil {
		return nil, errors.New("[secrets.New] store is required")
	}
	if env == nil {
		return nil, errors.New("[secrets.New] envelope is required")
	}

	b := &Broker{
		store:   store,
		env:     env,
		cfg:     cfg.withDefaults(),
		nowTime: time.Now,
		log:     zerolog.Nop(),
		entries: make(map[string]*cacheEntry),
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// GetSecret returns the named secret for the session. Only Active
// sessions are served; anything else requires a re-login first.
func (b *Broker) GetSecret(ctx context.Context, sess *sessions.Session, name string) (*Value, error) {
	if sess == nil || sess.State != sessions.StateActive {
		return nil, apperrors.Wrapf(apperrors.ErrTokenExpired, "[Broker.GetSecret] no active session")
	}
	if name == "" {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "[Broker.GetSecret] empty secret name")
	}

	e := b.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.ciphertext) != 0 && b.nowTime().Before(e.expiresAt) {
		plaintext, err := b.env.Open(e.ciphertext)
		if err == nil {
			return &Value{Name: name, Value: string(plaintext), Version: e.version}, nil
		}
		// A cache entry that no longer opens is discarded, never
		// served. The store remains the source of truth.
		b.log.Warn().Str("secret", name).Msg("discarding unreadable cache entry")
		e.ciphertext = nil
	}

	v, err := b.fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	sealed, err := b.env.Seal([]byte(v.Value))
	if err != nil {
		return nil, errors.Wrap(err, "[Broker.GetSecret] seal")
	}
	e.ciphertext = sealed
	e.version = v.Version
	e.expiresAt = b.nowTime().Add(b.cfg.CacheTTL)
	return v, nil
}

// Invalidate drops the cached entry for a name. The next GetSecret
// goes back to the store.
func (b *Broker) Invalidate(name string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.entries, name)
}

// CheckVersions compares every cached entry's version against the
// store and drops entries the store has moved past. Store errors leave
// the entry in place; the TTL still bounds its lifetime.
func (b *Broker) CheckVersions(ctx context.Context) {
	for _, name := range b.cachedNames() {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
		current, err := b.store.Version(callCtx, name)
		cancel()
		if err != nil {
			b.log.Debug().Err(err).Str("secret", name).Msg("version check failed")
			continue
		}

		e := b.entry(name)
		e.mu.Lock()
		stale := len(e.ciphertext) != 0 && e.version != current
		if stale {
			e.ciphertext = nil
		}
		e.mu.Unlock()

		if stale {
			b.log.Info().Str("secret", name).Int64("version", current).Msg("cached secret superseded")
		}
	}
}

// Run executes the background version check until the context is
// canceled.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.VersionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.CheckVersions(ctx)
		}
	}
}

func (b *Broker) entry(name string) *cacheEntry {
	b.lock.Lock()
	defer b.lock.Unlock()

	e, ok := b.entries[name]
	if !ok {
		e = &cacheEntry{}
		b.entries[name] = e
	}
	return e
}

func (b *Broker) cachedNames() []string {
	b.lock.Lock()
	defer b.lock.Unlock()

	names := make([]string, 0, len(b.entries))
	for name := range b.entries {
		names = append(names, name)
	}
	return names
}

// fetch calls the store with bounded exponential backoff, each attempt
// carrying its own deadline. Missing and forbidden secrets fail
// immediately, as does unavailability the store has already classified
// as such; raw transient errors are retried and reported as store
// unavailability once attempts run out.
func (b *Broker) fetch(ctx context.Context, name string) (*Value, error) {
	var v *Value

	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
		defer cancel()

		var err error
		v, err = b.store.Fetch(callCtx, name)
		if err == nil {
			return nil
		}
		if terminalStoreError(err) {
			return backoff.Permanent(err)
		}
		b.log.Debug().Err(err).Str("secret", name).Msg("secret fetch failed, retrying")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.FetchBackoff

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, b.cfg.FetchAttempts-1), ctx))
	if err != nil {
		if terminalStoreError(err) {
			return nil, err
		}
		return nil, apperrors.Wrapf(apperrors.ErrStoreUnavailable, "[Broker.fetch] %s: %v", name, err)
	}
	return v, nil
}

func terminalStoreError(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound) ||
		apperrors.Is(err, apperrors.ErrAccessDenied) ||
		apperrors.Is(err, apperrors.ErrStoreUnavailable)
}
