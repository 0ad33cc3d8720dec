// Package rawstore is the durability buffer between receivers and the
// ingestion pipeline: every payload a device sends is appended here before
// anything else happens to it.
package rawstore

import (
	"context"
	"errors"
	"time"

	"tracklink/internal/models"
)

var (
	ErrNotFound         = errors.New("raw message not found")
	ErrAlreadyProcessed = errors.New("raw message already processed")
	ErrEmptyPayload     = errors.New("empty payload")
)

// DefaultClaimLease is how long a claim protects a row from other workers.
const DefaultClaimLease = 2 * time.Minute

// Store is the raw message store.
type Store interface {
	// Append durably records a payload and returns its id.
	Append(ctx context.Context, payload, protocolRef, sourceAddress string) (uint, error)
	// ClaimNextUnprocessed atomically claims the oldest unclaimed pending
	// row. Returns nil, nil when there is nothing to claim.
	ClaimNextUnprocessed(ctx context.Context) (*models.RawMessage, error)
	// AssignDevice records the resolved device on a pending row.
	AssignDevice(ctx context.Context, id, deviceRef uint) error
	MarkProcessed(ctx context.Context, id uint) error
	MarkError(ctx context.Context, id uint, detail string) error
	// Release drops a claim without finishing the row, so it is retried.
	Release(ctx context.Context, id uint) error

	Get(ctx context.Context, id uint) (models.RawMessage, error)
	List(ctx context.Context, f Filter) ([]models.RawMessage, error)
	Stats(ctx context.Context) (models.RawStats, error)
}

// Filter selects rows for inspection. State is one of models.RawPending,
// RawProcessed, RawError or empty for all.
type Filter struct {
	State  string
	Limit  int
	Offset int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return 50
	case f.Limit > 500:
		return 500
	}
	return f.Limit
}

// Option tunes a store.
type Option func(*options)

type options struct {
	lease time.Duration
	now   func() time.Time
}

// WithClaimLease sets how long a claim holds before another worker may
// take the row over.
func WithClaimLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{lease: DefaultClaimLease, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
