package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	pingAttempts = 5
	pingBackoff  = 500 * time.Millisecond
)

// pingUntilReady retries ping with a doubling backoff so the host can start
// alongside its stores.
func pingUntilReady(ctx context.Context, name string, ping func(context.Context) error, log zerolog.Logger) error {
	backoff := pingBackoff
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if attempt == pingAttempts {
			break
		}
		log.Warn().Err(err).Str("store", name).Int("attempt", attempt).Dur("retry_in", backoff).Msg("Store not ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
