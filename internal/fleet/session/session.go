// Package session assembles a running vmdeck: the failover client, the
// reconciliation loop, the action dispatcher, the edit flow, the display
// relay and the action journal, all built from one Config.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ccheshirecat/vmdeck/internal/cli/client"
	"github.com/ccheshirecat/vmdeck/internal/config"
	"github.com/ccheshirecat/vmdeck/internal/display"
	"github.com/ccheshirecat/vmdeck/internal/eventbus"
	"github.com/ccheshirecat/vmdeck/internal/eventbus/memory"
	"github.com/ccheshirecat/vmdeck/internal/fleet/bounds"
	"github.com/ccheshirecat/vmdeck/internal/fleet/dispatch"
	"github.com/ccheshirecat/vmdeck/internal/fleet/reconcile"
	"github.com/ccheshirecat/vmdeck/internal/identity"
	"github.com/ccheshirecat/vmdeck/internal/journal"
	"github.com/ccheshirecat/vmdeck/internal/journal/sqlite"
	"github.com/ccheshirecat/vmdeck/internal/metrics"
	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

// ErrNoDisplay is returned when a VM exposes no remote-display port.
var ErrNoDisplay = errors.New("session: vm has no display port")

// Options are the pieces a caller may supply instead of the defaults derived
// from Config.
type Options struct {
	Config    config.Config
	Confirmer dispatch.Confirmer
	// Identity overrides the provider derived from Config.
	Identity   identity.Provider
	HTTPClient client.Doer
	Logger     *slog.Logger
	// OnRowChange observes per-VM pending and confirmation state.
	OnRowChange func(name string, state dispatch.RowState)
	// Ticker overrides the reconciliation ticker, mainly for tests.
	Ticker reconcile.Ticker
}

// Session owns every long-lived component. Close releases them.
type Session struct {
	Config     config.Config
	Client     *client.Client
	Loop       *reconcile.Loop
	Dispatcher *dispatch.Dispatcher
	Editor     *dispatch.Editor
	Display    *display.Manager
	Bus        *memory.Bus
	Metrics    *metrics.Metrics
	Identity   identity.Provider

	journal *sqlite.Store
	logger  *slog.Logger
}

// Open builds a session. The journal is opened when configured; nothing
// touches the network until Run or an explicit call.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	m := metrics.New()
	bus := memory.New()

	api, err := client.New(client.Params{
		Endpoints:  cfg.Endpoints,
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.RequestTimeout,
		Logger:     logger.With("component", "client"),
		Metrics:    m,
	})
	if err != nil {
		return nil, fmt.Errorf("session: build client: %w", err)
	}

	loop, err := reconcile.New(reconcile.Params{
		Lister:   api,
		Interval: cfg.PollInterval,
		Bus:      bus,
		Metrics:  m,
		Logger:   logger.With("component", "reconcile"),
		Ticker:   opts.Ticker,
	})
	if err != nil {
		return nil, fmt.Errorf("session: build loop: %w", err)
	}

	var store *sqlite.Store
	var recorder journal.Recorder = journal.Discard{}
	if cfg.JournalPath != "" {
		store, err = sqlite.Open(ctx, cfg.JournalPath, sqlite.WithRetention(cfg.JournalKeepPerVM))
		if err != nil {
			return nil, fmt.Errorf("session: open journal: %w", err)
		}
		recorder = store
	}

	provider := opts.Identity
	if provider == nil {
		provider = providerFromConfig(cfg)
	}

	dispatcher, err := dispatch.New(dispatch.Params{
		Backend:   api,
		Refresher: loop,
		Confirmer: opts.Confirmer,
		Identity:  provider,
		Journal:   recorder,
		Bus:       bus,
		Metrics:   m,
		Logger:    logger.With("component", "dispatch"),
		Rows:      dispatch.NewRows(opts.OnRowChange),
	})
	if err != nil {
		if store != nil {
			_ = store.Close(ctx)
		}
		return nil, fmt.Errorf("session: build dispatcher: %w", err)
	}

	declared := bounds.Maximums{MemoryMB: cfg.DeclaredMaxMemoryMB, VCPUs: cfg.DeclaredMaxVCPUs}
	return &Session{
		Config:     cfg,
		Client:     api,
		Loop:       loop,
		Dispatcher: dispatcher,
		Editor:     dispatch.NewEditor(loop, api, dispatcher, declared, logger.With("component", "edit")),
		Display:    display.NewManager(cfg.DisplayBind, logger.With("component", "display")),
		Bus:        bus,
		Metrics:    m,
		Identity:   provider,
		journal:    store,
		logger:     logger,
	}, nil
}

func providerFromConfig(cfg config.Config) identity.Provider {
	if len(cfg.Roles) > 0 {
		return &identity.Static{RoleList: cfg.Roles}
	}
	return identity.NewTokenProvider(cfg.IDToken, cfg.TokenFile)
}

// Run drives the reconciliation loop, and the metrics listener when one is
// configured, until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Loop.Run(ctx) })
	if s.Config.MetricsListen != "" {
		g.Go(func() error {
			return s.Metrics.Serve(ctx, s.Config.MetricsListen, s.logger.With("component", "metrics"))
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Subscribe delivers every fleet event on ch until the returned func is called.
func (s *Session) Subscribe(ch chan<- any) (func(), error) {
	return s.Bus.Subscribe(eventbus.TopicAllFleet, ch)
}

// DisplayTarget resolves where name's remote display lives.
func (s *Session) DisplayTarget(name string) (display.Target, error) {
	vm, err := s.Loop.Lookup(name)
	if err != nil {
		return display.Target{}, err
	}
	port := vm.DisplayPort()
	if port <= 0 {
		return display.Target{}, fmt.Errorf("%w: %s", ErrNoDisplay, name)
	}
	password, _ := vm["password"].(string)
	target := display.Target{Host: s.displayHost(), Port: port, Password: password}
	if err := target.Validate(); err != nil {
		return display.Target{}, err
	}
	return target, nil
}

// OpenDisplay starts a relay to name's display, replacing any active one.
func (s *Session) OpenDisplay(ctx context.Context, name string) (*display.Session, error) {
	target, err := s.DisplayTarget(name)
	if err != nil {
		return nil, err
	}
	return s.Display.Open(ctx, target)
}

func (s *Session) displayHost() string {
	if host := strings.TrimSpace(s.Config.DisplayHost); host != "" {
		return host
	}
	endpoints := s.Client.Transport().Endpoints()
	if len(endpoints) == 0 {
		return ""
	}
	return endpoints[0].Hostname()
}

// Journal returns the action journal, or nil when it is disabled.
func (s *Session) Journal() journal.Store {
	if s.journal == nil {
		return nil
	}
	return s.journal
}

// History lists recent journal entries, optionally for one VM.
func (s *Session) History(ctx context.Context, target string, limit int) ([]journal.Entry, error) {
	if s.journal == nil {
		return nil, nil
	}
	actions := s.journal.Queries().Actions()
	if target != "" {
		return actions.ForTarget(ctx, target, limit)
	}
	return actions.Recent(ctx, limit)
}

// PruneHistory drops journal entries older than maxAge.
func (s *Session) PruneHistory(ctx context.Context, maxAge time.Duration) (int64, error) {
	if s.journal == nil {
		return 0, nil
	}
	return s.journal.Queries().Actions().Prune(ctx, time.Now().Add(-maxAge))
}

// Close stops the loop and the display relay and releases the journal.
func (s *Session) Close(ctx context.Context) error {
	s.Loop.Close()
	var errs []error
	if err := s.Display.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.journal != nil {
		if err := s.journal.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
