// Package dispatch turns user intents into backend lifecycle calls. Every
// action is one backend call keyed by the VM name, followed on success by an
// immediate reconciliation. Force-kill passes through a confirmation gate and
// resource edits require the admin role.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ccheshirecat/vmdeck/internal/cli/client"
	"github.com/ccheshirecat/vmdeck/internal/eventbus"
	"github.com/ccheshirecat/vmdeck/internal/fleet/reconcile"
	"github.com/ccheshirecat/vmdeck/internal/identity"
	"github.com/ccheshirecat/vmdeck/internal/journal"
	"github.com/ccheshirecat/vmdeck/internal/metrics"
	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

// Verb names a dispatched action.
type Verb string

const (
	VerbStart   Verb = "start"
	VerbStop    Verb = "stop"
	VerbRestart Verb = "restart"
	VerbKill    Verb = "kill"
	VerbEdit    Verb = "edit"
	VerbCreate  Verb = "create"
)

// Destructive reports whether the verb needs explicit confirmation.
func (v Verb) Destructive() bool { return v == VerbKill }

var (
	// ErrForbidden is returned when the caller lacks the admin role.
	ErrForbidden = errors.New("dispatch: admin role required")
	// ErrRowBusy is returned when the VM already has an action in progress.
	ErrRowBusy = errors.New("dispatch: action already in progress")
)

// ActionError names the verb and target of a failed action.
type ActionError struct {
	Verb   Verb
	Target string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s vm %q: %v", e.Verb, e.Target, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Confirmation tracks a PendingAction through the gate.
type Confirmation int

const (
	ConfirmationNotRequired Confirmation = iota
	ConfirmationAwaiting
	ConfirmationConfirmed
	ConfirmationDeclined
)

// PendingAction exists for the lifetime of one invocation.
type PendingAction struct {
	ID           string
	Verb         Verb
	Target       string
	Confirmation Confirmation
	CreatedAt    time.Time
}

// Prompt is what a Confirmer shows the user.
type Prompt struct {
	ActionID string
	Verb     Verb
	Target   string
	Message  string
}

// Confirmer asks the user a yes/no question. Returning false, or an error
// such as context cancellation, means the action does not happen.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, p Prompt) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, p Prompt) (bool, error) { return f(ctx, p) }

// Backend is the part of the API client the dispatcher calls.
type Backend interface {
	PostAction(ctx context.Context, verb, name string) (*client.ActionResult, error)
	EditVM(ctx context.Context, name string, edit client.EditRequest) (*client.ActionResult, error)
	CreateVM(ctx context.Context, create client.CreateRequest) (*client.ActionResult, error)
}

// Refresher triggers an out-of-cycle reconciliation.
type Refresher interface {
	Refresh(ctx context.Context) (*reconcile.Snapshot, error)
}

// Result describes a completed invocation. Performed is false when the
// confirmation gate was declined.
type Result struct {
	Action    PendingAction
	Performed bool
	Response  *client.ActionResult
}

// Message is the backend acknowledgement text, if any.
func (r *Result) Message() string {
	if r == nil || r.Response == nil {
		return ""
	}
	return r.Response.Message
}

// Params configures a Dispatcher.
type Params struct {
	Backend   Backend
	Refresher Refresher
	Confirmer Confirmer
	Identity  identity.Provider
	Journal   journal.Recorder
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Rows      *Rows
	Now       func() time.Time
}

// Dispatcher is safe for concurrent use on different VMs.
type Dispatcher struct {
	backend   Backend
	refresher Refresher
	confirmer Confirmer
	identity  identity.Provider
	journal   journal.Recorder
	bus       eventbus.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	rows      *Rows
	now       func() time.Time
}

// New builds a dispatcher. A missing Confirmer declines every destructive
// action.
func New(p Params) (*Dispatcher, error) {
	if p.Backend == nil {
		return nil, errors.New("dispatch: backend is required")
	}
	if p.Confirmer == nil {
		p.Confirmer = ConfirmFunc(func(context.Context, Prompt) (bool, error) { return false, nil })
	}
	if p.Journal == nil {
		p.Journal = journal.Discard{}
	}
	if p.Logger == nil {
		p.Logger = logging.Discard()
	}
	if p.Rows == nil {
		p.Rows = NewRows(nil)
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Dispatcher{
		backend:   p.Backend,
		refresher: p.Refresher,
		confirmer: p.Confirmer,
		identity:  p.Identity,
		journal:   p.Journal,
		bus:       p.Bus,
		metrics:   p.Metrics,
		logger:    p.Logger,
		rows:      p.Rows,
		now:       p.Now,
	}, nil
}

// Rows exposes the per-VM UI state.
func (d *Dispatcher) Rows() *Rows { return d.rows }

// Start powers a VM on.
func (d *Dispatcher) Start(ctx context.Context, name string) (*Result, error) {
	return d.lifecycle(ctx, VerbStart, name)
}

// Stop requests a graceful shutdown.
func (d *Dispatcher) Stop(ctx context.Context, name string) (*Result, error) {
	return d.lifecycle(ctx, VerbStop, name)
}

// Restart reboots a VM. When the backend answers the restart route with a
// router-level 404 or 405, a second call is made to the reboot route and its
// result is returned; both calls share ctx. The journal records one action.
func (d *Dispatcher) Restart(ctx context.Context, name string) (*Result, error) {
	return d.lifecycle(ctx, VerbRestart, name)
}

// Kill force-stops a VM after explicit confirmation. A declined prompt yields
// a Result with Performed false and a nil error, and no backend call.
func (d *Dispatcher) Kill(ctx context.Context, name string) (*Result, error) {
	return d.lifecycle(ctx, VerbKill, name)
}

func (d *Dispatcher) lifecycle(ctx context.Context, verb Verb, name string) (*Result, error) {
	action := d.newAction(verb, name)
	initial := RowState{Kind: RowActionPending, Verb: verb}
	if verb.Destructive() {
		initial.Kind = RowConfirmPending
		action.Confirmation = ConfirmationAwaiting
	}
	if err := d.rows.Begin(name, initial); err != nil {
		return nil, &ActionError{Verb: verb, Target: name, Err: err}
	}
	defer d.rows.End(name)

	if verb.Destructive() {
		ok, err := d.confirmer.Confirm(ctx, Prompt{
			ActionID: action.ID,
			Verb:     verb,
			Target:   name,
			Message:  fmt.Sprintf("Force-stop %q? Unsaved guest state will be lost.", name),
		})
		if err != nil || !ok {
			action.Confirmation = ConfirmationDeclined
			d.finish(ctx, action, journal.OutcomeDeclined, "", nil)
			return &Result{Action: action}, nil
		}
		action.Confirmation = ConfirmationConfirmed
		d.rows.Set(name, RowState{Kind: RowActionPending, Verb: verb})
	}

	resp, err := d.postLifecycle(ctx, verb, name)
	return d.complete(ctx, action, resp, err)
}

func (d *Dispatcher) postLifecycle(ctx context.Context, verb Verb, name string) (*client.ActionResult, error) {
	resp, err := d.backend.PostAction(ctx, string(verb), name)
	if verb == VerbRestart && missingRoute(err) {
		d.logger.Debug("restart route missing, using reboot", "vm", name)
		return d.backend.PostAction(ctx, client.VerbReboot, name)
	}
	return resp, err
}

// missingRoute matches the router-level 404/405 a backend returns for a path
// it does not serve, as opposed to a 404 for an unknown VM.
func missingRoute(err error) bool {
	var httpErr *client.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	switch httpErr.Status {
	case http.StatusMethodNotAllowed:
		return true
	case http.StatusNotFound:
		return httpErr.Detail == "Not Found" || httpErr.Detail == "" || httpErr.Detail == "404 page not found"
	}
	return false
}

// Edit changes memory, vCPUs and optionally the disk. It requires the admin
// role and makes no backend call otherwise.
func (d *Dispatcher) Edit(ctx context.Context, name string, req EditRequest) (*Result, error) {
	action := d.newAction(VerbEdit, name)
	if err := d.authorize(ctx); err != nil {
		outcome := journal.OutcomeFailed
		if errors.Is(err, ErrForbidden) {
			outcome = journal.OutcomeForbidden
		}
		d.finish(ctx, action, outcome, err.Error(), err)
		return nil, &ActionError{Verb: VerbEdit, Target: name, Err: err}
	}
	diskPath, err := req.Disk.resolve()
	if err != nil {
		return nil, &ActionError{Verb: VerbEdit, Target: name, Err: err}
	}
	if err := d.rows.Begin(name, RowState{Kind: RowActionPending, Verb: VerbEdit}); err != nil {
		return nil, &ActionError{Verb: VerbEdit, Target: name, Err: err}
	}
	defer d.rows.End(name)

	resp, err := d.backend.EditVM(ctx, name, client.EditRequest{
		MemoryMB: req.MemoryMB,
		VCPUs:    req.VCPUs,
		DiskPath: diskPath,
	})
	return d.complete(ctx, action, resp, err)
}

// Create defines and boots a new VM.
func (d *Dispatcher) Create(ctx context.Context, req client.CreateRequest) (*Result, error) {
	action := d.newAction(VerbCreate, req.Name)
	if req.Name == "" {
		return nil, &ActionError{Verb: VerbCreate, Target: req.Name, Err: errors.New("name is required")}
	}
	if err := d.rows.Begin(req.Name, RowState{Kind: RowActionPending, Verb: VerbCreate}); err != nil {
		return nil, &ActionError{Verb: VerbCreate, Target: req.Name, Err: err}
	}
	defer d.rows.End(req.Name)

	resp, err := d.backend.CreateVM(ctx, req)
	return d.complete(ctx, action, resp, err)
}

func (d *Dispatcher) authorize(ctx context.Context) error {
	if d.identity == nil {
		return ErrForbidden
	}
	if err := d.identity.EnsureAuthenticated(ctx); err != nil {
		return err
	}
	ok, err := identity.HasRole(ctx, d.identity, identity.RoleAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, action PendingAction, resp *client.ActionResult, err error) (*Result, error) {
	if err != nil {
		d.finish(ctx, action, journal.OutcomeFailed, err.Error(), err)
		return nil, &ActionError{Verb: action.Verb, Target: action.Target, Err: err}
	}
	if resp == nil {
		resp = &client.ActionResult{}
	}
	d.finish(ctx, action, journal.OutcomeSucceeded, resp.Message, nil)
	if d.refresher != nil {
		if _, rerr := d.refresher.Refresh(ctx); rerr != nil {
			d.logger.Warn("post-action refresh failed", "verb", action.Verb, "vm", action.Target, "error", rerr)
		}
	}
	return &Result{Action: action, Performed: true, Response: resp}, nil
}

func (d *Dispatcher) newAction(verb Verb, target string) PendingAction {
	return PendingAction{
		ID:        uuid.NewString(),
		Verb:      verb,
		Target:    target,
		CreatedAt: d.now(),
	}
}

func (d *Dispatcher) finish(ctx context.Context, action PendingAction, outcome journal.Outcome, message string, err error) {
	finished := d.now()
	d.metrics.ObserveAction(string(action.Verb), string(outcome))

	logger := d.logger.With("action_id", action.ID, "verb", action.Verb, "vm", action.Target, "outcome", outcome)
	if err != nil {
		logger.Warn("action failed", "error", err)
	} else if outcome == journal.OutcomeSucceeded {
		logger.Info("action completed", "message", message)
	}

	entry := journal.Entry{
		ID:         action.ID,
		Verb:       string(action.Verb),
		Target:     action.Target,
		Outcome:    outcome,
		Message:    message,
		User:       d.userName(ctx),
		StartedAt:  action.CreatedAt,
		FinishedAt: finished,
	}
	recordCtx := context.WithoutCancel(ctx)
	if jerr := d.journal.Record(recordCtx, entry); jerr != nil {
		logger.Warn("journal write failed", "error", jerr)
	}
	if d.bus != nil {
		_ = d.bus.Publish(recordCtx, eventbus.TopicAction, eventbus.ActionEvent{
			ID:        action.ID,
			Verb:      string(action.Verb),
			Target:    action.Target,
			Outcome:   string(outcome),
			Message:   message,
			Timestamp: finished,
		})
	}
}

func (d *Dispatcher) userName(ctx context.Context) string {
	if d.identity == nil {
		return ""
	}
	u, err := d.identity.User(ctx)
	if err != nil {
		return ""
	}
	return u.Display()
}
