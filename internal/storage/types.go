package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lotwatch/internal/model"
)

var (
	// ErrStore marks every persistence failure surfaced by this package.
	ErrStore = errors.New("store error")

	ErrInvalidListing = errors.New("invalid listing")
	ErrClosed         = errors.New("store closed")
)

// Error wraps a driver error with the failing operation.
// errors.Is(err, ErrStore) holds for every *Error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrStore }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// UpsertResult classifies one applied batch.
// New and Updated keep the order of the input batch.
type UpsertResult struct {
	New       []model.Listing
	Updated   []model.Listing
	Unchanged int
}

type ListingStore interface {
	UpsertListings(ctx context.Context, batch []model.Listing) (UpsertResult, error)
	ListListings(ctx context.Context, limit int) ([]model.Listing, error)
}

type SubscriptionStore interface {
	// AddSubscription reports created=false when an identical subscription exists.
	AddSubscription(ctx context.Context, sub model.Subscription) (created bool, err error)
	RemoveSubscription(ctx context.Context, key string) (removed bool, err error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

type JobStore interface {
	GetJob(ctx context.Context, id string) (model.JobState, bool, error)
	PutJob(ctx context.Context, st model.JobState) error
	DeleteJob(ctx context.Context, id string) error
}

// Store is the full persistence API used by the app.
type Store interface {
	ListingStore
	SubscriptionStore
	JobStore
	Close() error
}

// Option customizes a store at open time.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the timestamp source used for first_seen/last_seen.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
