package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/org/healthpassport/internal/blobstore"
	"github.com/org/healthpassport/internal/gateway"
)

// retryMax bounds the exponential backoff for transient failures.
const retryMax = 4

// withRetry runs op with bounded exponential backoff. Only transient
// failures (quorum or blob store unavailable) are retried; everything
// else surfaces immediately.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		if err := op(); err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryMax), ctx))
}

func isTransient(err error) bool {
	return errors.Is(err, gateway.ErrQuorumUnavailable) || errors.Is(err, blobstore.ErrUnavailable)
}
