package secrets

import (
	"context"

	apperrors "github.com/imsimpla2209/bear/internal/errors"
)

type disabledStore struct{}

// Disabled returns a Store for deployments without a configured
// backend. Every operation reports store unavailability; the broker
// still boots and serves login and logout.
func Disabled() Store {
	return disabledStore{}
}

func (disabledStore) Fetch(context.Context, string) (*Value, error) {
	return nil, apperrors.Wrapf(apperrors.ErrStoreUnavailable, "[secrets] store disabled")
}

func (disabledStore) Version(context.Context, string) (int64, error) {
	return 0, apperrors.Wrapf(apperrors.ErrStoreUnavailable, "[secrets] store disabled")
}
