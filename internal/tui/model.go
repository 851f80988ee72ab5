// Package tui renders a running session from its event stream.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneSession
	paneCount
)

// DoneMsg tells the model the dispatch call has returned.
type DoneMsg struct {
	Summary string
	Err     error
}

// Options configures the model.
type Options struct {
	Request string
	// Cancel abandons the session. Called at most once.
	Cancel func()
	// Interrupt stops the session so it can be resumed later.
	Interrupt func()
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	sessionPane SessionPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	opts        Options
	width       int
	height      int
	quitting    bool
	cancelled   bool
	done        *DoneMsg
}

// New creates a model fed by every event on bus.
func New(bus *events.EventBus, opts Options) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		sessionPane: NewSessionPaneModel(opts.Request),
		focusedPane: PaneTasks,
		eventSub:    bus.SubscribeAll(256),
		opts:        opts,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			if m.done == nil && m.opts.Interrupt != nil {
				m.opts.Interrupt()
			}
			m.quitting = true
			return m, tea.Quit

		case KeyCancel:
			if m.done == nil && !m.cancelled && m.opts.Cancel != nil {
				m.cancelled = true
				m.opts.Cancel()
			}

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneSession
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case DoneMsg:
		m.done = &msg

	case events.Event:
		// Some events matter to both panes
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.sessionPane, cmd = m.sessionPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	content := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.sessionPane.View())

	footer := HelpView(m.done != nil)
	if m.done != nil {
		status := StyleStatusComplete.Render(m.done.Summary)
		if m.done.Err != nil {
			status = StyleStatusFailed.Render(m.done.Err.Error())
		}
		footer = lipgloss.JoinVertical(lipgloss.Left, status, footer)
	} else if m.cancelled {
		footer = lipgloss.JoinVertical(lipgloss.Left, StyleWarning.Render("cancelling..."), footer)
	}
	return lipgloss.JoinVertical(lipgloss.Left, content, footer)
}

// Finished reports whether the dispatch call has returned.
func (m Model) Finished() bool {
	return m.done != nil
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	availableHeight := m.height - 2 // footer

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.sessionPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.sessionPane.SetFocused(m.focusedPane == PaneSession)
}
