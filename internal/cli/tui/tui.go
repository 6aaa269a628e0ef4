// Package tui is the interactive fleet dashboard.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ccheshirecat/vmdeck/internal/config"
	"github.com/ccheshirecat/vmdeck/internal/display"
	"github.com/ccheshirecat/vmdeck/internal/eventbus"
	"github.com/ccheshirecat/vmdeck/internal/fleet/descriptor"
	"github.com/ccheshirecat/vmdeck/internal/fleet/dispatch"
	"github.com/ccheshirecat/vmdeck/internal/fleet/session"
	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

const actionTimeout = 30 * time.Second

// Run launches the Bubble Tea TUI. Logs go to cfg.LogFile so they never
// corrupt the screen.
func Run(ctx context.Context, cfg config.Config) error {
	logger, closer, err := logging.NewFile("tui", cfg.LogFile, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		logger = logging.Discard()
	} else {
		defer closer.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridge := newPromptBridge()
	rowsChanged := make(chan struct{}, 1)
	s, err := session.Open(ctx, session.Options{
		Config:    cfg,
		Confirmer: bridge,
		Logger:    logger,
		OnRowChange: func(string, dispatch.RowState) {
			select {
			case rowsChanged <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(context.Background()) }()

	events := make(chan any, 32)
	unsubscribe, err := s.Subscribe(events)
	if err != nil {
		return err
	}
	defer unsubscribe()

	go func() {
		if err := s.Run(ctx); err != nil {
			logger.Error("session stopped", "error", err)
		}
	}()

	m := newModel(ctx, s, bridge, events, rowsChanged, logger)
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type eventMsg struct{ event any }

type rowsChangedMsg struct{}

type actionDoneMsg struct {
	verb dispatch.Verb
	name string
	res  *dispatch.Result
	err  error
}

type editReadyMsg struct {
	form *dispatch.EditForm
	err  error
}

type displayMsg struct {
	name    string
	session *display.Session
	err     error
}

type model struct {
	ctx         context.Context
	session     *session.Session
	bridge      *promptBridge
	events      <-chan any
	rowsChanged <-chan struct{}
	logger      *slog.Logger

	table       table.Model
	help        help.Model
	keys        keyMap
	confirmKeys confirmKeys
	formKeys    formKeys

	confirms  []confirmRequest
	edit      *editDialog
	status    string
	statusErr bool
	fetchErr  string
	width     int
}

func newModel(ctx context.Context, s *session.Session, bridge *promptBridge, events <-chan any, rowsChanged <-chan struct{}, logger *slog.Logger) model {
	columns := []table.Column{
		{Title: "NAME", Width: 22},
		{Title: "STATUS", Width: 14},
		{Title: "STATE", Width: 15},
		{Title: "MEM", Width: 8},
		{Title: "CPU", Width: 5},
		{Title: "PORT", Width: 6},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true), table.WithHeight(12))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	m := model{
		ctx:         ctx,
		session:     s,
		bridge:      bridge,
		events:      events,
		rowsChanged: rowsChanged,
		logger:      logger,
		table:       t,
		help:        help.New(),
		keys:        defaultKeys(),
		confirmKeys: defaultConfirmKeys(),
		formKeys:    defaultFormKeys(),
	}
	m.rebuild()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.waitEvent(), m.waitRows(), m.bridge.wait(m.ctx))
}

func (m model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.events:
			return eventMsg{event: ev}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m model) waitRows() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.rowsChanged:
			return rowsChangedMsg{}
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		if h := msg.Height - 16; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil
	case eventMsg:
		m.applyEvent(msg.event)
		return m, m.waitEvent()
	case rowsChangedMsg:
		m.rebuild()
		return m, m.waitRows()
	case confirmRequestMsg:
		m.confirms = append(m.confirms, confirmRequest(msg))
		return m, m.bridge.wait(m.ctx)
	case actionDoneMsg:
		m.reportAction(msg)
		m.rebuild()
		return m, nil
	case editReadyMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
			return m, nil
		}
		m.edit = newEditDialog(msg.form)
		return m, nil
	case displayMsg:
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("display %s: %v", msg.name, msg.err), true)
		} else {
			m.setStatus(fmt.Sprintf("display for %s relayed on %s, open %s", msg.name, msg.session.Addr(), msg.session.ViewerURI()), false)
		}
		return m, nil
	case tea.KeyMsg:
		switch {
		case len(m.confirms) > 0:
			return m.updateConfirm(msg)
		case m.edit != nil:
			return m.updateEdit(msg)
		default:
			return m.updateTable(msg)
		}
	}
	return m, nil
}

func (m model) updateTable(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	name := m.selected()
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.Refresh):
		return m, m.refreshCmd()
	case name == "":
	case key.Matches(msg, m.keys.Start):
		return m, m.actionCmd(dispatch.VerbStart, name)
	case key.Matches(msg, m.keys.Stop):
		return m, m.actionCmd(dispatch.VerbStop, name)
	case key.Matches(msg, m.keys.Restart):
		return m, m.actionCmd(dispatch.VerbRestart, name)
	case key.Matches(msg, m.keys.Kill):
		return m, m.actionCmd(dispatch.VerbKill, name)
	case key.Matches(msg, m.keys.Edit):
		return m, m.prepareEditCmd(name)
	case key.Matches(msg, m.keys.View):
		return m, m.displayCmd(name)
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	head := m.confirms[0]
	switch {
	case key.Matches(msg, m.confirmKeys.Yes):
		head.reply <- true
	case key.Matches(msg, m.confirmKeys.No), key.Matches(msg, m.keys.Quit):
		head.reply <- false
	default:
		return m, nil
	}
	m.confirms = m.confirms[1:]
	return m, nil
}

func (m model) updateEdit(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.formKeys.Cancel):
		m.edit = nil
		return m, nil
	case key.Matches(msg, m.formKeys.Next):
		m.edit.move(1)
		return m, nil
	case key.Matches(msg, m.formKeys.Prev):
		m.edit.move(-1)
		return m, nil
	case key.Matches(msg, m.formKeys.Save):
		req, err := m.edit.request()
		if err != nil {
			m.edit.err = err
			return m, nil
		}
		form := m.edit.form
		m.edit = nil
		return m, m.saveEditCmd(form, req)
	}
	return m, m.edit.update(msg)
}

func (m *model) applyEvent(ev any) {
	switch ev := ev.(type) {
	case eventbus.SnapshotEvent:
		if ev.Error != "" {
			m.fetchErr = ev.Error
			return
		}
		m.fetchErr = ""
		m.rebuild()
	case eventbus.ActionEvent:
		m.logger.Debug("action event", "verb", ev.Verb, "vm", ev.Target, "outcome", ev.Outcome)
	}
}

func (m *model) reportAction(msg actionDoneMsg) {
	switch {
	case msg.err != nil:
		m.setStatus(msg.err.Error(), true)
	case msg.res != nil && !msg.res.Performed:
		m.setStatus(fmt.Sprintf("%s %s cancelled", msg.verb, msg.name), false)
	case msg.res != nil && msg.res.Message() != "":
		m.setStatus(fmt.Sprintf("%s: %s", msg.name, msg.res.Message()), false)
	default:
		m.setStatus(fmt.Sprintf("%s %s: done", msg.verb, msg.name), false)
	}
}

func (m *model) setStatus(text string, isErr bool) {
	m.status = text
	m.statusErr = isErr
}

// rebuild renders the latest snapshot, overlaying per-row pending state.
func (m *model) rebuild() {
	snap := m.session.Loop.Snapshot()
	rowStates := m.session.Dispatcher.Rows()
	rows := make([]table.Row, 0, snap.Len())
	for _, vm := range snap.VMs {
		rows = append(rows, tableRow(vm, rowStates.Get(vm.Name())))
	}
	cursor := m.table.Cursor()
	m.table.SetRows(rows)
	if cursor >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

func tableRow(vm descriptor.Descriptor, state dispatch.RowState) table.Row {
	label := descriptor.ClassifyStatus(vm.Status()).String()
	if !state.Idle() {
		label = state.String()
	}
	return table.Row{vm.Name(), vm.Status(), label, dash(vm.MemoryMB()), dash(vm.VCPUs()), dash(vm.DisplayPort())}
}

func dash(v int) string {
	if v <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", v)
}

func (m model) selected() string {
	row := m.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (m model) actionCmd(verb dispatch.Verb, name string) tea.Cmd {
	d := m.session.Dispatcher
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		var (
			res *dispatch.Result
			err error
		)
		switch verb {
		case dispatch.VerbStart:
			res, err = d.Start(ctx, name)
		case dispatch.VerbStop:
			res, err = d.Stop(ctx, name)
		case dispatch.VerbRestart:
			res, err = d.Restart(ctx, name)
		case dispatch.VerbKill:
			// The prompt waits on the user, so only the parent context bounds it.
			res, err = d.Kill(m.ctx, name)
		}
		return actionDoneMsg{verb: verb, name: name, res: res, err: err}
	}
}

func (m model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		_, _ = m.session.Loop.Refresh(ctx)
		return nil
	}
}

func (m model) prepareEditCmd(name string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		form, err := m.session.Editor.Prepare(ctx, name)
		return editReadyMsg{form: form, err: err}
	}
}

func (m model) saveEditCmd(form *dispatch.EditForm, req dispatch.EditRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		res, err := m.session.Editor.Save(ctx, form, req)
		return actionDoneMsg{verb: dispatch.VerbEdit, name: form.Name, res: res, err: err}
	}
}

func (m model) displayCmd(name string) tea.Cmd {
	return func() tea.Msg {
		s, err := m.session.OpenDisplay(m.ctx, name)
		return displayMsg{name: name, session: s, err: err}
	}
}

func (m model) View() string {
	var b strings.Builder
	endpoints := strings.Join(m.session.Client.Transport().Endpoints().Strings(), ", ")
	b.WriteString(titleStyle.Render("vmdeck") + " " + mutedStyle.Render(endpoints) + "\n")
	if m.fetchErr != "" {
		b.WriteString(errorStyle.Render("backend: "+m.fetchErr) + "\n")
	}
	b.WriteString("\n")

	if m.edit != nil {
		b.WriteString(m.edit.view() + "\n")
		b.WriteString(mutedStyle.Render("tab next field · enter save · esc cancel") + "\n")
		return b.String()
	}

	if m.session.Loop.Snapshot().Len() == 0 {
		b.WriteString(mutedStyle.Render("  (no VMs)") + "\n")
	} else {
		b.WriteString(m.table.View() + "\n")
		b.WriteString(m.detail() + "\n")
	}

	if len(m.confirms) > 0 {
		p := m.confirms[0].prompt
		b.WriteString(alertStyle.Render(p.Message+"\n"+mutedStyle.Render("y confirm · n cancel")) + "\n")
	}
	if m.status != "" {
		style := okStyle
		if m.statusErr {
			style = errorStyle
		}
		b.WriteString(style.Render(m.status) + "\n")
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m model) detail() string {
	name := m.selected()
	if name == "" {
		return ""
	}
	vm, ok := m.session.Loop.Snapshot().Get(name)
	if !ok {
		return ""
	}
	lc := descriptor.ClassifyStatus(vm.Status())
	line := fmt.Sprintf("%s  %s", name, lifecycleStyle(lc).Render("● "+lc.String()))
	if disks := descriptor.DiskPaths(vm); len(disks) > 0 {
		line += mutedStyle.Render("  " + strings.Join(disks, ", "))
	}
	return line
}
