// Package ratelimit provides a fixed-window rate limiter backed by the
// ephemeral store, so limits hold across server replicas.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/keybridge-labs/authd/pkg/ephemeral"
)

// ErrTooManyRequests is returned by Check when the window is exhausted.
var ErrTooManyRequests = errors.New("too many requests")

// Limiter counts events per key in a fixed window. The window starts on the
// first event and is not extended by later ones.
type Limiter struct {
	store  ephemeral.Store
	window time.Duration
	max    int64
}

// New creates a limiter allowing max events per window.
func New(store ephemeral.Store, window time.Duration, max int64) *Limiter {
	return &Limiter{store: store, window: window, max: max}
}

// Allow records an event for key and reports whether it is within the
// limit. Store failures surface as errors, not denials.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.store.IncrWithTTL(ctx, ephemeral.PrefixRateLimit+key, l.window, l.max)
}

// Check is Allow with the denial expressed as ErrTooManyRequests.
func (l *Limiter) Check(ctx context.Context, key string) error {
	ok, err := l.Allow(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTooManyRequests
	}
	return nil
}
