// Package tui renders a live view of one orchestration run: node
// statuses, progress, and the event stream tail.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/pkg/models"
)

// maxEventTail is how many recent event messages the view keeps.
const maxEventTail = 8

// RunEventMsg delivers one bus event to the view.
type RunEventMsg struct {
	Event bus.Event
}

// RunDoneMsg signals that the run reached a terminal status.
type RunDoneMsg struct {
	Result *models.RunResult
}

// StatusFn returns the run's current status report.
type StatusFn func() (*models.RunStatusReport, error)

// App is the bubbletea model for one run.
type App struct {
	runID    string
	task     string
	statusFn StatusFn

	status   models.RunStatus
	progress int
	nodes    map[string]models.NodeStatus
	usage    models.Usage
	events   []string

	spinner  spinner.Model
	width    int
	done     bool
	doneMsg  string
	quitting bool
}

// New creates the run view.
func New(runID, task string, statusFn StatusFn) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC857"))

	return &App{
		runID:    runID,
		task:     task,
		statusFn: statusFn,
		status:   models.RunRunning,
		nodes:    make(map[string]models.NodeStatus),
		spinner:  sp,
		width:    80,
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width

	case RunEventMsg:
		a.appendEvent(msg.Event)
		a.refresh()

	case RunDoneMsg:
		a.done = true
		if msg.Result != nil {
			a.status = msg.Result.Status
			a.usage = msg.Result.Usage
			a.doneMsg = msg.Result.Error
		}
		a.progress = 100
		a.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		a.refresh()
		return a, cmd
	}
	return a, nil
}

// refresh pulls the latest status report.
func (a *App) refresh() {
	if a.statusFn == nil {
		return
	}
	report, err := a.statusFn()
	if err != nil {
		return
	}
	a.status = report.Status
	a.progress = report.Progress
	a.nodes = report.Nodes
	a.usage = report.Usage
}

func (a *App) appendEvent(e bus.Event) {
	if e.Message == "" {
		return
	}
	line := fmt.Sprintf("%s  %-22s %s", e.Timestamp.Format("15:04:05"), e.Type, e.Message)
	a.events = append(a.events, line)
	if len(a.events) > maxEventTail {
		a.events = a.events[len(a.events)-maxEventTail:]
	}
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return ""
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("platoon") + " " + subtitleStyle.Render("run "+a.runID))
	sb.WriteString("\n")
	if a.task != "" {
		sb.WriteString(subtitleStyle.Render(truncate(a.task, a.width-2)))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	if a.done {
		sb.WriteString(runStyle(a.status).Render(strings.ToUpper(string(a.status))))
		if a.doneMsg != "" {
			sb.WriteString("  " + eventStyle.Render(truncate(a.doneMsg, a.width-20)))
		}
	} else {
		sb.WriteString(a.spinner.View() + runStyle(a.status).Render(strings.ToUpper(string(a.status))))
	}
	sb.WriteString(fmt.Sprintf("  %s %d%%", a.bar(), a.progress))
	sb.WriteString("\n")

	sb.WriteString(sectionStyle.Render("Nodes"))
	sb.WriteString("\n")
	for _, id := range sortedNodeIDs(a.nodes) {
		status := a.nodes[id]
		sb.WriteString(fmt.Sprintf("  %s %s\n",
			nodeStyle(status).Render(fmt.Sprintf("%-10s", status)),
			id))
	}

	if len(a.events) > 0 {
		sb.WriteString(sectionStyle.Render("Events"))
		sb.WriteString("\n")
		for _, line := range a.events {
			sb.WriteString("  " + eventStyle.Render(truncate(line, a.width-4)) + "\n")
		}
	}

	sb.WriteString(footerStyle.Render(fmt.Sprintf(
		"tokens %d  cost $%.4f  %s",
		a.usage.TotalTokens(), a.usage.CostUSD, a.footerHint())))
	sb.WriteString("\n")
	return sb.String()
}

func (a *App) footerHint() string {
	if a.done {
		return "press q to exit"
	}
	return "q to detach (run keeps going)"
}

// bar renders a fixed-width progress bar.
func (a *App) bar() string {
	const width = 24
	filled := a.progress * width / 100
	if filled > width {
		filled = width
	}
	return barFillStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled))
}

func sortedNodeIDs(nodes map[string]models.NodeStatus) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// Forward pumps bus events into the program until the stream closes,
// then sends RunDoneMsg with the final result.
func Forward(program *tea.Program, events <-chan bus.Event, result func() *models.RunResult) {
	for e := range events {
		program.Send(RunEventMsg{Event: e})
	}
	// Give the terminal event a moment to land before the final state.
	time.Sleep(10 * time.Millisecond)
	program.Send(RunDoneMsg{Result: result()})
}
