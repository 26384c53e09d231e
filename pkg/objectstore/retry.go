package objectstore

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/cenkalti/backoff/v4"

	"github.com/veloxdata/transmit/internal/logger"
)

// errShortTransfer marks a download whose byte count did not match the
// expected size. Treated as transient: the object may still be settling.
var errShortTransfer = errors.New("short transfer")

// isTransient reports whether the error is worth retrying. Client errors
// (4xx) are permanent; connection failures and 5xx responses are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, errShortTransfer) {
		return true
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code >= 500 || code == 429
	}

	// Only genuine transport failures retry. A bare syscall errno also
	// satisfies net.Error, so match the concrete wrapper types instead of
	// the interface: local filesystem failures are deterministic.
	var opErr *net.OpError
	var urlErr *url.Error
	if errors.As(err, &opErr) || errors.As(err, &urlErr) {
		return true
	}

	// Anything unclassified from the transport layer defaults to permanent
	return false
}

// withRetry runs fn with bounded exponential backoff and jitter, retrying
// transient errors only.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialBackOff(), uint64(c.opts.MaxRetries)),
		ctx,
	)

	return backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			c.opts.Metrics.ObserveOperation(op, 0, err)
			return backoff.Permanent(err)
		}
		c.opts.Metrics.RecordRetry(op)
		logger.Debug("retrying object store operation",
			"operation", op, logger.Attempt(attempt), logger.Err(err))
		return err
	}, policy)
}

func newExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0 // attempts are bounded by WithMaxRetries
	return b
}
