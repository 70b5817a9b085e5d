package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds immediate retries of one send.
type RetryPolicy struct {
	Retries int           // retries after the first attempt
	Initial time.Duration // first backoff interval
	Max     time.Duration // cap on a single interval
}

// DefaultRetry allows two quick retries.
var DefaultRetry = RetryPolicy{Retries: 2, Initial: 500 * time.Millisecond, Max: 3 * time.Second}

// Deliver sends msg with DefaultRetry. See DeliverWith.
func Deliver(ctx context.Context, n Notifier, msg Message) bool {
	return DeliverWith(ctx, n, msg, DefaultRetry)
}

// DeliverWith sends msg, retrying transient failures with exponential
// backoff. Failures are logged, never returned; the result reports whether
// the message went out.
func DeliverWith(ctx context.Context, n Notifier, msg Message, p RetryPolicy) bool {
	if n == nil {
		return false
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = 0
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return n.Send(ctx, msg)
	}, b)
	if err != nil {
		slog.Warn("notification dropped", "title", msg.Title, "attempts", attempts, "error", err)
		return false
	}
	return true
}
