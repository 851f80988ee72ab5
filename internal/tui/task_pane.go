package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/events"
)

// Task display states.
const (
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// TaskState is what the pane knows about one task.
type TaskState struct {
	TaskID    string
	AgentType string
	Status    string
	Attempts  int
	Tokens    int
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel is the task list with a scrollable output viewport.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.refresh()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refresh()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		task := m.track(msg.ID)
		task.AgentType = msg.AgentType
		task.Status = StatusRunning
		task.Attempts = msg.Attempt
		task.StartTime = msg.Timestamp
		task.Output = append(task.Output, fmt.Sprintf("[attempt %d on %s]", msg.Attempt, msg.AgentType))
		m.touched(msg.ID)

	case events.TaskCompletedEvent:
		task := m.track(msg.ID)
		task.Status = StatusCompleted
		task.Duration = msg.Duration
		task.Tokens += msg.TokensUsed
		task.Output = append(task.Output, strings.Split(strings.TrimRight(msg.Result, "\n"), "\n")...)
		task.Output = append(task.Output, fmt.Sprintf("[completed in %v, %d tokens]", msg.Duration.Round(time.Millisecond), msg.TokensUsed))
		m.touched(msg.ID)

	case events.TaskFailedEvent:
		task := m.track(msg.ID)
		task.Duration = msg.Duration
		if msg.WillRetry {
			task.Status = StatusRetrying
			task.Output = append(task.Output, fmt.Sprintf("[attempt %d failed: %v; retry at %s]", msg.Attempt, msg.Err, msg.RetryAt.Format(time.TimeOnly)))
		} else {
			task.Status = StatusFailed
			task.Output = append(task.Output, fmt.Sprintf("[failed: %v]", msg.Err))
		}
		m.touched(msg.ID)

	case events.TaskCancelledEvent:
		task := m.track(msg.ID)
		if task.Status != StatusFailed {
			task.Status = StatusCancelled
		}
		task.Output = append(task.Output, "[cancelled: "+msg.Reason+"]")
		m.touched(msg.ID)

	case events.EscalationEvent:
		task := m.track(msg.ID)
		task.Status = StatusFailed
		task.Output = append(task.Output, "[retries exhausted]")
		for _, line := range msg.History {
			task.Output = append(task.Output, "  "+line)
		}
		m.touched(msg.ID)

	case events.QualityGateFailedEvent:
		task := m.track(msg.ID)
		task.Output = append(task.Output, "[quality gate failed]")
		m.touched(msg.ID)
	}

	return m, cmd
}

func (m *TaskPaneModel) track(id string) *TaskState {
	if task, ok := m.tasks[id]; ok {
		return task
	}
	task := &TaskState{TaskID: id}
	m.tasks[id] = task
	m.order = append(m.order, id)
	if len(m.order) == 1 {
		m.selectedIdx = 0
	}
	return task
}

func (m *TaskPaneModel) touched(id string) {
	if m.SelectedTaskID() == id {
		m.refresh()
	}
}

// Task returns the state of one task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	task, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

// SelectedTaskID returns the task shown in the viewport.
func (m TaskPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := m.listWidth()
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) listWidth() int {
	return min(32, m.width/3)
}

func (m TaskPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		name := id
		if len(name) > width-4 && width > 7 {
			name = name[:width-7] + "..."
		}
		line := StatusIcon(m.tasks[id].Status) + " " + name
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusRetrying:
		return StyleStatusRetrying.Render("↻")
	case StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	case StatusCancelled:
		return StyleStatusPending.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m *TaskPaneModel) refresh() {
	task, ok := m.tasks[m.SelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(10, w-m.listWidth()-4)
	m.viewport.Height = max(5, h-4)
	m.refresh()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
