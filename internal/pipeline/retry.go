package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

// RetryPolicy controls how many times a transient model failure is retried.
// A zero policy makes exactly one attempt.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (rp RetryPolicy) attempts() int {
	if rp.MaxAttempts < 1 {
		return 1
	}
	return rp.MaxAttempts
}

func (rp RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if rp.InitialInterval > 0 {
		b.InitialInterval = rp.InitialInterval
	}
	if rp.MaxInterval > 0 {
		b.MaxInterval = rp.MaxInterval
	}
	b.MaxElapsedTime = 0 // bounded by attempts instead
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(rp.attempts()-1)), ctx)
}

// Retryable reports whether err is worth another attempt with the same input
func Retryable(err error) bool {
	return errors.Is(err, extraction.ErrMalformedModelOutput) || errors.Is(err, extraction.ErrGeneration)
}

func (p *Pipeline) extractWithRetry(ctx context.Context, text string, model extraction.Model) (*extraction.Draft, error) {
	var draft *extraction.Draft
	attempt := 0

	operation := func() error {
		attempt++
		d, err := p.engine.Extract(ctx, text, model)
		if err != nil {
			if !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		draft = d
		return nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("Retrying extraction",
			"model", model,
			"attempt", attempt,
			"max_attempts", p.cfg.Retry.attempts(),
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, p.cfg.Retry.backOff(ctx), notify); err != nil {
		return nil, fmt.Errorf("extracting draft: %w", err)
	}
	return draft, nil
}
