// Package gapi classifies Google API failures and retries the transient ones
// with bounded backoff.
package gapi

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"google.golang.org/api/googleapi"
)

const (
	maxAttempts = 4
	baseDelay   = time.Second
	maxDelay    = 8 * time.Second
)

// IsTransient reports whether err is worth retrying: rate limits, server-side
// failures and network timeouts. Anything else is treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// WithRetry runs fn up to four times, backing off on transient errors.
// Permanent errors and context cancellation return immediately.
func WithRetry(ctx context.Context, op string, fn func() error) error {
	delay := baseDelay
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt == maxAttempts {
			return err
		}

		log.Printf("transient error on %s (attempt %d/%d): %v, retrying in %s", op, attempt, maxAttempts, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}
