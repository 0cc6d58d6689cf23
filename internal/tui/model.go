// Package tui renders a live status monitor for a run: one row per agent
// with its state, files produced, and liveness, a progress summary, and a
// scrollback of run events. It is a passive observer fed by the event bus.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomhq/loom/internal/events"
)

const maxLogLines = 500

type agentRow struct {
	id    string
	state string
	files int
	last  time.Time
	idle  bool
	cause string // failure or blocked-by detail
}

// Model is the root Bubble Tea model for the status monitor.
type Model struct {
	eventSub <-chan events.Event
	rows     map[string]*agentRow
	progress events.RunProgressEvent
	log      viewport.Model
	lines    []string
	width    int
	height   int
	quitting bool
}

// New creates a status monitor model subscribed to all run events.
func New(bus *events.Bus) Model {
	vp := viewport.New(80, 10)
	return Model{
		eventSub: bus.SubscribeAll(256),
		rows:     make(map[string]*agentRow),
		log:      vp,
	}
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the bus.
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
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.log.Width = msg.Width - 4
		logHeight := msg.Height - len(m.rows) - 8
		if logHeight < 3 {
			logHeight = 3
		}
		m.log.Height = logHeight
		return m, nil

	case events.Event:
		m.apply(msg)
		return m, waitForEvent(m.eventSub)
	}

	return m, nil
}

// apply folds one event into the model.
func (m *Model) apply(ev events.Event) {
	switch ev := ev.(type) {
	case events.TaskDispatchedEvent:
		m.row(ev.ID).state = "dispatched"
		m.appendLog(ev.Timestamp, fmt.Sprintf("%s dispatched (%s)", ev.ID, ev.Isolation))
	case events.TaskRunningEvent:
		m.row(ev.ID).state = "running"
		m.appendLog(ev.Timestamp, fmt.Sprintf("%s running", ev.ID))
	case events.TaskCompletedEvent:
		r := m.row(ev.ID)
		r.state = "completed"
		r.files = len(ev.Artifacts)
		m.appendLog(ev.Timestamp, fmt.Sprintf("%s completed in %s (%d files)", ev.ID, ev.Duration.Round(time.Millisecond), len(ev.Artifacts)))
	case events.TaskFailedEvent:
		r := m.row(ev.ID)
		r.state = "failed"
		if ev.Err != nil {
			r.cause = ev.Err.Error()
		}
		m.appendLog(ev.Timestamp, fmt.Sprintf("%s failed: %v", ev.ID, ev.Err))
	case events.TaskBlockedEvent:
		r := m.row(ev.ID)
		r.state = "blocked"
		r.cause = "blocked by " + ev.Cause
		m.appendLog(ev.Timestamp, fmt.Sprintf("%s blocked by %s", ev.ID, ev.Cause))
	case events.AgentActivityEvent:
		r := m.row(ev.ID)
		r.files = ev.FilesProduced
		r.last = ev.LastActivity
		r.idle = ev.Idle
	case events.DiscoveryEvent:
		m.appendLog(ev.Timestamp, fmt.Sprintf("%s published %s", ev.AgentID, ev.Key))
	case events.TaskMergedEvent:
		if ev.Outcome == "conflict" {
			m.appendLog(ev.Timestamp, fmt.Sprintf("%s merge conflict: %s", ev.ID, strings.Join(ev.ConflictPaths, ", ")))
		} else {
			m.appendLog(ev.Timestamp, fmt.Sprintf("%s merged clean", ev.ID))
		}
	case events.RunProgressEvent:
		m.progress = ev
	}
}

func (m *Model) row(id string) *agentRow {
	if r, ok := m.rows[id]; ok {
		return r
	}
	r := &agentRow{id: id, state: "pending"}
	m.rows[id] = r
	return r
}

func (m *Model) appendLog(ts time.Time, line string) {
	m.lines = append(m.lines, fmt.Sprintf("%s %s", ts.Format("15:04:05"), line))
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render("loom run"))
	b.WriteString("\n")
	b.WriteString(m.progressLine())
	b.WriteString("\n\n")
	b.WriteString(m.agentTable())
	b.WriteString("\n")
	b.WriteString(StylePane.Render(m.log.View()))
	b.WriteString("\n")
	b.WriteString(StyleHelp.Render("q: quit  ↑/↓: scroll log"))
	return b.String()
}

func (m Model) progressLine() string {
	p := m.progress
	return fmt.Sprintf("  %d tasks: %d pending, %d running, %s, %s, %s",
		p.Total, p.Pending, p.Running,
		StyleStatusComplete.Render(fmt.Sprintf("%d completed", p.Completed)),
		StyleStatusFailed.Render(fmt.Sprintf("%d failed", p.Failed)),
		StyleStatusBlocked.Render(fmt.Sprintf("%d blocked", p.Blocked)))
}

func (m Model) agentTable() string {
	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		r := m.rows[id]
		b.WriteString("  ")
		b.WriteString(styleForState(r.state).Render(fmt.Sprintf("%-10s", r.state)))
		b.WriteString(fmt.Sprintf(" %-20s %3d files", r.id, r.files))
		if !r.last.IsZero() {
			b.WriteString("  last " + r.last.Format("15:04:05"))
		}
		if r.idle && r.state == "running" {
			b.WriteString("  " + StyleIdle.Render("idle"))
		}
		if r.cause != "" {
			b.WriteString("  " + StyleHelp.Render(truncate(r.cause, 60)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func styleForState(state string) lipgloss.Style {
	switch state {
	case "running", "dispatched":
		return StyleStatusRunning
	case "completed":
		return StyleStatusComplete
	case "failed":
		return StyleStatusFailed
	case "blocked":
		return StyleStatusBlocked
	default:
		return StyleStatusPending
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
