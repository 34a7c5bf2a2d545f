package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/rs/zerolog/log"
)

// retryUnavailable runs fn once plus up to retries immediate retries while
// the store reports itself unavailable. Any other error is returned as is.
func retryUnavailable(ctx context.Context, op string, retries int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStoreUnavailable) || ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Store unavailable, retrying")
	}
	return err
}

// retryCreate is retryUnavailable for inserts. A duplicate key after a retry
// may come from an earlier attempt that committed before its connection
// failed; committed re-reads the row and the insert only counts as done when
// it confirms the stored row is ours.
func retryCreate(ctx context.Context, op string, retries int, create func(ctx context.Context) error, committed func(ctx context.Context) (bool, error)) error {
	attempts := 0
	err := retryUnavailable(ctx, op, retries, func(ctx context.Context) error {
		attempts++
		return create(ctx)
	})
	if attempts < 2 || !errors.Is(err, domain.ErrDuplicateKey) {
		return err
	}

	ok, checkErr := committed(ctx)
	if checkErr != nil {
		return fmt.Errorf("failed to confirm %s after retry: %w", op, checkErr)
	}
	if !ok {
		return err
	}
	log.Info().Str("op", op).Int("attempts", attempts).Msg("Earlier attempt committed, duplicate on retry ignored")
	return nil
}
