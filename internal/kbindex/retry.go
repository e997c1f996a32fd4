package kbindex

import (
	"context"
	"time"
)

// Retrying wraps a Client with bounded exponential backoff. Only transient
// failures are retried; not-found, in-use and validation outcomes are
// terminal for the call and returned immediately.
type Retrying struct {
	inner     Client
	attempts  int
	baseDelay time.Duration
}

// NewRetrying wraps inner. attempts is the total call budget per operation,
// floored at 1.
func NewRetrying(inner Client, attempts int, baseDelay time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{inner: inner, attempts: attempts, baseDelay: baseDelay}
}

func (r *Retrying) Create(ctx context.Context, name, content string) (string, error) {
	var externalID string
	err := r.do(ctx, func() error {
		var err error
		externalID, err = r.inner.Create(ctx, name, content)
		return err
	})
	return externalID, err
}

func (r *Retrying) Delete(ctx context.Context, externalID string) error {
	return r.do(ctx, func() error {
		return r.inner.Delete(ctx, externalID)
	})
}

func (r *Retrying) Attach(ctx context.Context, externalID, agentID string) error {
	return r.do(ctx, func() error {
		return r.inner.Attach(ctx, externalID, agentID)
	})
}

func (r *Retrying) Detach(ctx context.Context, externalID, agentID string) error {
	return r.do(ctx, func() error {
		return r.inner.Detach(ctx, externalID, agentID)
	})
}

func (r *Retrying) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.do(ctx, func() error {
		var err error
		ids, err = r.inner.List(ctx)
		return err
	})
	return ids, err
}

func (r *Retrying) do(ctx context.Context, call func() error) error {
	var err error
	delay := r.baseDelay
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = call()
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}
