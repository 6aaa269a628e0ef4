package dispatch

import (
	"fmt"
	"sync"
)

// RowKind is the UI state of one VM row.
type RowKind int

const (
	RowIdle RowKind = iota
	RowActionPending
	RowConfirmPending
)

// RowState drives how a VM row renders. Verb is empty when Idle.
type RowState struct {
	Kind RowKind
	Verb Verb
}

func (s RowState) String() string {
	switch s.Kind {
	case RowActionPending:
		return fmt.Sprintf("%s...", s.Verb)
	case RowConfirmPending:
		return fmt.Sprintf("confirm %s?", s.Verb)
	default:
		return ""
	}
}

// Idle reports whether the row accepts a new action.
func (s RowState) Idle() bool { return s.Kind == RowIdle }

// Rows tracks row state per VM name. A row leaves Idle only through Begin, so
// two actions never run against the same VM at once.
type Rows struct {
	mu       sync.Mutex
	states   map[string]RowState
	onChange func(name string, state RowState)
}

// NewRows creates a tracker; onChange, if set, is called after every
// transition outside the lock.
func NewRows(onChange func(name string, state RowState)) *Rows {
	return &Rows{states: make(map[string]RowState), onChange: onChange}
}

// Begin moves an Idle row into state, or fails with ErrRowBusy.
func (r *Rows) Begin(name string, state RowState) error {
	r.mu.Lock()
	if current, ok := r.states[name]; ok && !current.Idle() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrRowBusy, name, current)
	}
	r.states[name] = state
	r.mu.Unlock()
	r.notify(name, state)
	return nil
}

// Set moves a busy row to another busy state.
func (r *Rows) Set(name string, state RowState) {
	r.mu.Lock()
	r.states[name] = state
	r.mu.Unlock()
	r.notify(name, state)
}

// End returns the row to Idle.
func (r *Rows) End(name string) {
	r.mu.Lock()
	delete(r.states, name)
	r.mu.Unlock()
	r.notify(name, RowState{})
}

// Get returns the current state of name.
func (r *Rows) Get(name string) RowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

// Busy returns a copy of every non-idle row.
func (r *Rows) Busy() map[string]RowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RowState, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}

func (r *Rows) notify(name string, state RowState) {
	if r.onChange != nil {
		r.onChange(name, state)
	}
}
