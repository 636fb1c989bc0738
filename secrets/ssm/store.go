// Package ssm backs the secret broker with AWS Systems Manager
// Parameter Store.
package ssm

import (
	"context"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/internal/utils"
	"github.com/imsimpla2209/bear/secrets"
	"github.com/pkg/errors"
)

// API is the slice of the SSM client the store uses.
type API interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

var _ secrets.Store = (*Store)(nil)

// Store reads SecureString parameters under a common path prefix.
type Store struct {
	api    API
	prefix string
}

func New(api API, prefix string) (*Store, error) {
	if api == nil {
		return nil, errors.New("[ssm.New] api client is required")
	}
	return &Store{api: api, prefix: prefix}, nil
}

func (s *Store) Fetch(ctx context.Context, name string) (*secrets.Value, error) {
	out, err := s.api.GetParameter(ctx, &awsssm.GetParameterInput{
		Name:           aws.String(s.parameterName(name)),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, s.mapError(err, name)
	}
	if out.Parameter == nil {
		return nil, errors.Errorf("[Store.Fetch] empty response for %s", name)
	}

	return &secrets.Value{
		Name:    name,
		Value:   utils.Value(out.Parameter.Value),
		Version: out.Parameter.Version,
	}, nil
}

func (s *Store) Version(ctx context.Context, name string) (int64, error) {
	// No decryption: the version is all we need here.
	out, err := s.api.GetParameter(ctx, &awsssm.GetParameterInput{
		Name: aws.String(s.parameterName(name)),
	})
	if err != nil {
		return 0, s.mapError(err, name)
	}
	if out.Parameter == nil {
		return 0, errors.Errorf("[Store.Version] empty response for %s", name)
	}
	return out.Parameter.Version, nil
}

func (s *Store) parameterName(name string) string {
	return path.Join("/", s.prefix, name)
}

func (s *Store) mapError(err error, name string) error {
	var notFound *types.ParameterNotFound
	if errors.As(err, &notFound) {
		return apperrors.Wrapf(apperrors.ErrNotFound, "[ssm] parameter %s", name)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDeniedException" {
		return apperrors.Wrapf(apperrors.ErrAccessDenied, "[ssm] parameter %s", name)
	}

	// Anything else is treated as transient; the broker retries it.
	return errors.Wrapf(err, "[ssm] get parameter %s", name)
}
