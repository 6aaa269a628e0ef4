// Package journal persists the outcome of every dispatched VM action so the
// history survives restarts of the dashboard.
package journal

import (
	"context"
	"time"
)

// Outcome is the terminal state of one action.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeForbidden Outcome = "forbidden"
)

// Entry is one journaled action.
type Entry struct {
	ID         string
	Verb       string
	Target     string
	Outcome    Outcome
	Message    string
	User       string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the backend call took.
func (e Entry) Duration() time.Duration {
	if e.FinishedAt.Before(e.StartedAt) {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Recorder is what the dispatcher writes to.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// ActionRepository reads and writes journal entries.
type ActionRepository interface {
	Recorder
	Recent(ctx context.Context, limit int) ([]Entry, error)
	ForTarget(ctx context.Context, target string, limit int) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Trim drops all but the newest keep entries for target.
	Trim(ctx context.Context, target string, keep int) (int64, error)
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Actions() ActionRepository
}

// Store describes the persistence surface.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Discard is a Recorder that keeps nothing.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }
