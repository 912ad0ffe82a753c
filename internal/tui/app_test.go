package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/pkg/models"
)

func testStatus() *models.RunStatusReport {
	return &models.RunStatusReport{
		RunID:    "r1",
		Status:   models.RunRunning,
		Progress: 40,
		Nodes: map[string]models.NodeStatus{
			"backend/api_designer":  models.NodeSucceeded,
			"backend/backend_coder": models.NodeRunning,
		},
		Usage: models.Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.01},
	}
}

func TestViewShowsNodesAndProgress(t *testing.T) {
	app := New("r1", "Build the API", func() (*models.RunStatusReport, error) {
		return testStatus(), nil
	})
	app.refresh()

	view := app.View()
	for _, want := range []string{"r1", "Build the API", "backend/api_designer", "backend/backend_coder", "40%", "tokens 150"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestEventTailIsBounded(t *testing.T) {
	app := New("r1", "task", nil)
	for i := 0; i < maxEventTail*2; i++ {
		app.appendEvent(bus.Event{
			Type:      bus.EventAgentProgress,
			Message:   "tick",
			Timestamp: time.Now(),
		})
	}
	if len(app.events) != maxEventTail {
		t.Fatalf("event tail = %d, want %d", len(app.events), maxEventTail)
	}
}

func TestDoneMessageShowsTerminalStatus(t *testing.T) {
	app := New("r1", "task", func() (*models.RunStatusReport, error) {
		report := testStatus()
		report.Status = models.RunCompleted
		report.Progress = 100
		return report, nil
	})

	model, _ := app.Update(RunDoneMsg{Result: &models.RunResult{
		Status: models.RunCompleted,
		Usage:  models.Usage{InputTokens: 10},
	}})
	app = model.(*App)

	view := app.View()
	if !strings.Contains(view, "COMPLETED") {
		t.Errorf("view missing terminal status: %q", view)
	}
	if !strings.Contains(view, "100%") {
		t.Error("view missing full progress")
	}
	if !strings.Contains(view, "press q to exit") {
		t.Error("view missing exit hint")
	}
}

func TestQuitKey(t *testing.T) {
	app := New("r1", "task", nil)
	model, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	app = model.(*App)
	if !app.quitting {
		t.Fatal("q should set quitting")
	}
	if cmd == nil {
		t.Fatal("q should return tea.Quit")
	}
	if app.View() != "" {
		t.Fatal("quitting view should be empty")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a very long line indeed", 10); got != "a very ..." {
		t.Errorf("truncate = %q", got)
	}
}
