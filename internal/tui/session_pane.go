package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/events"
)

const maxLogLines = 50

// SessionPaneModel shows session-wide progress, budget and plan changes.
type SessionPaneModel struct {
	request   string
	counts    events.ProgressEvent
	phase     string
	milestone int
	budget    int
	used      int
	warned    bool
	exceeded  bool
	finished  *events.SessionFinishedEvent
	log       []string
	bar       progress.Model
	width     int
	height    int
	focused   bool
}

// NewSessionPaneModel creates the pane for request.
func NewSessionPaneModel(request string) SessionPaneModel {
	return SessionPaneModel{
		request: request,
		phase:   "starting",
		bar:     progress.New(progress.WithDefaultGradient()),
	}
}

// Update handles messages for the session pane.
func (m SessionPaneModel) Update(msg tea.Msg) (SessionPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressEvent:
		m.counts = msg
		m.used = msg.TokensUsed

	case events.CheckpointEvent:
		m.phase = msg.Phase
		m.milestone = msg.Milestone
		m.addLog(msg.Timestamp, fmt.Sprintf("checkpoint %d%%: %s", msg.Milestone, msg.Phase))

	case events.BudgetEvent:
		m.budget = msg.Budget
		m.used = msg.Used
		if msg.Exceeded {
			m.exceeded = true
			m.addLog(msg.Timestamp, fmt.Sprintf("budget exceeded (%d/%d); dispatch paused", msg.Used, msg.Budget))
		} else {
			m.warned = true
			m.addLog(msg.Timestamp, fmt.Sprintf("budget warning (%d/%d); critical path only", msg.Used, msg.Budget))
		}

	case events.PlanChangedEvent:
		m.addLog(msg.Timestamp, fmt.Sprintf("plan changed (%s): +%s", msg.Reason, strings.Join(msg.Added, ", ")))

	case events.EscalationEvent:
		m.addLog(msg.Timestamp, fmt.Sprintf("%s escalated; %d dependents cancelled", msg.ID, len(msg.Dependents)))

	case events.QualityGateFailedEvent:
		m.addLog(msg.Timestamp, msg.ID+" failed its quality gate")

	case events.SessionFinishedEvent:
		m.finished = &msg
		switch {
		case msg.Interrupted:
			m.phase = "interrupted"
		case msg.Abandoned:
			m.phase = "abandoned"
		default:
			m.phase = "finished"
		}
		m.addLog(msg.Timestamp, fmt.Sprintf("session %s: %d completed, %d failed, %d cancelled", m.phase, msg.Completed, msg.Failed, msg.Cancelled))
	}
	return m, nil
}

func (m *SessionPaneModel) addLog(at time.Time, line string) {
	if at.IsZero() {
		at = time.Now()
	}
	m.log = append(m.log, at.Format(time.TimeOnly)+" "+line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

// Progress returns the last reported progress percentage.
func (m SessionPaneModel) Progress() float64 {
	return m.counts.Progress
}

// Log returns the retained log lines, oldest first.
func (m SessionPaneModel) Log() []string {
	return m.log
}

// View renders the session pane.
func (m SessionPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Session")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")
	b.WriteString(truncate(m.request, m.width-6))
	b.WriteString("\n\n")

	b.WriteString(m.bar.ViewAs(m.counts.Progress / 100))
	b.WriteString(fmt.Sprintf("  %s\n\n", m.phase))

	b.WriteString(fmt.Sprintf("Tasks: %d  %s %s %s %s\n",
		m.counts.Total,
		StyleStatusComplete.Render(fmt.Sprintf("%d done", m.counts.Completed)),
		StyleStatusRunning.Render(fmt.Sprintf("%d running", m.counts.Running)),
		StyleStatusPending.Render(fmt.Sprintf("%d waiting", m.counts.Ready+m.counts.Pending)),
		StyleStatusFailed.Render(fmt.Sprintf("%d cancelled", m.counts.Cancelled))))

	tokens := fmt.Sprintf("Tokens: %d", m.used)
	if m.budget > 0 {
		tokens += fmt.Sprintf(" / %d", m.budget)
	}
	switch {
	case m.exceeded:
		tokens = StyleStatusFailed.Render(tokens + " (exceeded)")
	case m.warned:
		tokens = StyleWarning.Render(tokens + " (warning)")
	}
	b.WriteString(tokens)
	b.WriteString("\n\n")

	// Newest log lines that fit
	room := m.height - 12
	lines := m.log
	if room > 0 && len(lines) > room {
		lines = lines[len(lines)-room:]
	}
	for _, line := range lines {
		b.WriteString(StyleHelp.Render(truncate(line, m.width-4)))
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *SessionPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = max(10, min(w-20, 60))
}

// SetFocused updates the focus state.
func (m *SessionPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
