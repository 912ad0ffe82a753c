package main

import (
	"fmt"
	"io"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dmerrick/platoon/internal/engine"
	"github.com/dmerrick/platoon/internal/tui"
	"github.com/dmerrick/platoon/pkg/models"
)

// runWithTUI shows the live run view until the run ends or the user
// quits. Quitting the view does not cancel the run.
func runWithTUI(eng *engine.Engine, runID, task string) (retErr error) {
	// Log output corrupts the alt-screen display.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in run view: %v", r)
		}
	}()

	app := tui.New(runID, task, func() (*models.RunStatusReport, error) {
		return eng.GetStatus(runID)
	})
	program := tea.NewProgram(app, tea.WithAltScreen())

	events, unsub, err := eng.SubscribeEvents(runID)
	if err != nil {
		return err
	}
	defer unsub()

	go tui.Forward(program, events, func() *models.RunResult {
		result, err := eng.Result(runID)
		if err != nil {
			return nil
		}
		return result
	})

	_, err = program.Run()
	return err
}
