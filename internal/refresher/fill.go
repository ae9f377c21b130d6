package refresher

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Bounded retry budget for the initial pool fill, per the design's
// resolution of §7's "implementation-defined, document the chosen bound."
const (
	fillMaxAttempts    = 3
	fillInitialBackoff = 200 * time.Millisecond
	fillMaxBackoff     = 2 * time.Second
)

// FillPool acquires capacity tokens concurrently at startup, each with its
// own bounded retry budget. maxConcurrency caps how many logins run at
// once; 0 means unbounded. An error from any slot fails the whole fill,
// since startup cannot reach capacity otherwise.
func FillPool(ctx context.Context, a TokenAcquirer, capacity int, maxConcurrency int) ([]string, error) {
	tokens := make([]string, capacity)
	g, gCtx := errgroup.WithContext(ctx)
	if maxConcurrency > 0 {
		g.SetLimit(maxConcurrency)
	}

	for i := 0; i < capacity; i++ {
		i := i
		g.Go(func() error {
			token, err := acquireWithRetry(gCtx, a, i)
			if err != nil {
				return err
			}
			tokens[i] = token
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func acquireWithRetry(ctx context.Context, a TokenAcquirer, slotID int) (string, error) {
	backoff := fillInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= fillMaxAttempts; attempt++ {
		token, err := a.Acquire(ctx)
		if err == nil {
			return token, nil
		}
		lastErr = err

		if attempt == fillMaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
		if backoff > fillMaxBackoff {
			backoff = fillMaxBackoff
		}
	}
	return "", fmt.Errorf("slot %d: failed to acquire initial token after %d attempts: %w", slotID, fillMaxAttempts, lastErr)
}
