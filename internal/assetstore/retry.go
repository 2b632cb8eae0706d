package assetstore

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryingStore retries deletes with exponential backoff. Uploads are not
// retried here: the orchestrator decides what a failed upload means.
type RetryingStore struct {
	delegate     Store
	buildBackoff func() backoff.BackOff
}

var _ Store = (*RetryingStore)(nil)

func NewRetryingStore(delegate Store, factory func() backoff.BackOff) *RetryingStore {
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 3 * time.Second
			return b
		}
	}
	return &RetryingStore{delegate: delegate, buildBackoff: factory}
}

func (s *RetryingStore) Upload(ctx context.Context, req UploadRequest) (Ref, error) {
	return s.delegate.Upload(ctx, req)
}

func (s *RetryingStore) Delete(ctx context.Context, publicID string, kind Kind) error {
	b := backoff.WithContext(s.buildBackoff(), ctx)
	return backoff.Retry(func() error {
		err := s.delegate.Delete(ctx, publicID, kind)
		if errors.Is(err, ErrInvalidPublicID) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
