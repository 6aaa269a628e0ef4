// Package reconcile keeps a periodically refreshed view of the fleet.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccheshirecat/vmdeck/internal/eventbus"
	"github.com/ccheshirecat/vmdeck/internal/fleet/descriptor"
	"github.com/ccheshirecat/vmdeck/internal/metrics"
	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 3 * time.Second

var (
	// ErrNotFound is returned by Lookup when the name is absent from the
	// latest snapshot. It is an expected outcome.
	ErrNotFound = errors.New("reconcile: vm not found")
	// ErrClosed is returned for fetches that complete after Close.
	ErrClosed = errors.New("reconcile: loop closed")
)

// Lister fetches the current fleet.
type Lister interface {
	ListVMs(ctx context.Context) ([]descriptor.Descriptor, error)
}

// Ticker produces ticks every d; stop releases it.
type Ticker func(d time.Duration) (ticks <-chan time.Time, stop func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Params configures a Loop.
type Params struct {
	Lister   Lister
	Interval time.Duration
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Ticker and Now are overridable for tests.
	Ticker Ticker
	Now    func() time.Time
}

// Loop owns the fleet snapshot. Fetches may overlap; whichever completes
// last is applied.
type Loop struct {
	lister   Lister
	interval time.Duration
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	ticker   Ticker
	now      func() time.Time

	snapshot atomic.Pointer[Snapshot]
	seq      atomic.Uint64
	closed   atomic.Bool

	mu      sync.Mutex
	lastErr error
}

// New creates a loop holding an empty snapshot.
func New(p Params) (*Loop, error) {
	if p.Lister == nil {
		return nil, errors.New("reconcile: lister is required")
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Logger == nil {
		p.Logger = logging.Discard()
	}
	if p.Ticker == nil {
		p.Ticker = realTicker
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	l := &Loop{
		lister:   p.Lister,
		interval: p.Interval,
		bus:      p.Bus,
		metrics:  p.Metrics,
		logger:   p.Logger,
		ticker:   p.Ticker,
		now:      p.Now,
	}
	l.snapshot.Store(newSnapshot(nil, 0, 0, time.Time{}))
	return l, nil
}

// Interval is the polling period.
func (l *Loop) Interval() time.Duration { return l.interval }

// Run fetches immediately and then on every tick until ctx is done. A failed
// cycle is reported and the loop carries on at its normal cadence.
func (l *Loop) Run(ctx context.Context) error {
	ticks, stop := l.ticker(l.interval)
	defer stop()

	l.cycle(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			l.cycle(ctx, "tick")
		}
	}
}

func (l *Loop) cycle(ctx context.Context, reason string) {
	if _, err := l.fetch(ctx, reason); err != nil && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
		l.logger.Warn("reconcile cycle failed", "reason", reason, "error", err)
	}
}

// Refresh performs an out-of-cycle fetch and returns the snapshot it
// applied. It does not reset the tick schedule.
func (l *Loop) Refresh(ctx context.Context) (*Snapshot, error) {
	return l.fetch(ctx, "refresh")
}

func (l *Loop) fetch(ctx context.Context, reason string) (*Snapshot, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	seq := l.seq.Add(1)
	vms, err := l.lister.ListVMs(ctx)
	if l.closed.Load() {
		l.logger.Debug("discarding fetch after close", "seq", seq)
		return nil, ErrClosed
	}
	if err != nil {
		l.fail(ctx, seq, err)
		return nil, fmt.Errorf("reconcile: fetch %d (%s): %w", seq, reason, err)
	}
	if vms == nil {
		vms = []descriptor.Descriptor{}
	}
	snap := l.apply(vms, seq)
	l.setLastErr(nil)

	l.metrics.ObserveReconcile("applied", snap.Len())
	l.publish(ctx, eventbus.TopicSnapshotApplied, eventbus.SnapshotEvent{
		Seq:        snap.Seq,
		Generation: snap.Generation,
		VMs:        snap.Len(),
		Timestamp:  snap.FetchedAt,
	})
	l.logger.Debug("snapshot applied", "seq", seq, "generation", snap.Generation, "vms", snap.Len(), "reason", reason)
	return snap, nil
}

// apply installs a snapshot one generation past the one it replaces, so
// Generation never goes backwards however overlapping fetches interleave.
func (l *Loop) apply(vms []descriptor.Descriptor, seq uint64) *Snapshot {
	at := l.now()
	for {
		current := l.snapshot.Load()
		snap := newSnapshot(vms, seq, current.Generation+1, at)
		if l.snapshot.CompareAndSwap(current, snap) {
			return snap
		}
	}
}

func (l *Loop) fail(ctx context.Context, seq uint64, err error) {
	l.setLastErr(err)
	l.metrics.ObserveReconcile("failed", 0)
	current := l.snapshot.Load()
	l.publish(ctx, eventbus.TopicSnapshotFailed, eventbus.SnapshotEvent{
		Seq:        seq,
		Generation: current.Generation,
		VMs:        current.Len(),
		Error:      err.Error(),
		Timestamp:  l.now(),
	})
}

func (l *Loop) publish(ctx context.Context, topic string, ev eventbus.SnapshotEvent) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(context.WithoutCancel(ctx), topic, ev); err != nil {
		l.logger.Debug("publish failed", "topic", topic, "error", err)
	}
}

func (l *Loop) setLastErr(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

// Snapshot returns the latest applied snapshot; never nil.
func (l *Loop) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// Lookup finds name in the latest snapshot.
func (l *Loop) Lookup(name string) (descriptor.Descriptor, error) {
	vm, ok := l.snapshot.Load().Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return vm, nil
}

// LastError is the error of the most recent failed fetch, cleared by the
// next successful one.
func (l *Loop) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Close makes every in-flight and future fetch a no-op.
func (l *Loop) Close() {
	l.closed.Store(true)
}
