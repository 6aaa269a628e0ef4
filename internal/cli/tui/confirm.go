package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ccheshirecat/vmdeck/internal/fleet/dispatch"
)

// confirmRequest is one pending yes/no question. reply is buffered so the
// answer never blocks the UI.
type confirmRequest struct {
	prompt dispatch.Prompt
	reply  chan bool
}

// promptBridge hands confirmation prompts from dispatcher goroutines to the
// Bubble Tea loop, where the user answers them inline.
type promptBridge struct {
	requests chan confirmRequest
}

func newPromptBridge() *promptBridge {
	return &promptBridge{requests: make(chan confirmRequest)}
}

var _ dispatch.Confirmer = (*promptBridge)(nil)

// Confirm blocks until the user answers or ctx ends; the latter declines.
func (b *promptBridge) Confirm(ctx context.Context, p dispatch.Prompt) (bool, error) {
	req := confirmRequest{prompt: p, reply: make(chan bool, 1)}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case ok := <-req.reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

type confirmRequestMsg confirmRequest

func (b *promptBridge) wait(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		select {
		case req := <-b.requests:
			return confirmRequestMsg(req)
		case <-ctx.Done():
			return nil
		}
	}
}
