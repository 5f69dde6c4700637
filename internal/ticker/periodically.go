// Package ticker runs background maintenance tasks on a fixed interval.
package ticker

import (
	"context"
	"time"
)

// Periodically runs task every interval until ctx is done, then returns ctx.Err().
//
// A failed run is passed to onError (if non-nil) and does not stop the loop; the task is retried on the next tick.
func Periodically(ctx context.Context, interval time.Duration, task func(context.Context) error, onError func(error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := task(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
