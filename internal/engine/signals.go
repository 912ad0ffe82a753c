package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// cancelPrefix is the filename prefix for out-of-band cancel requests.
// Dropping a file named cancel-<run-id> into the signals directory
// cancels that run, which lets a separate process (or an operator with
// touch) stop a run without talking to the engine directly.
const cancelPrefix = "cancel-"

// WatchSignals watches dir for cancel signal files and cancels the named
// runs. Signal files already present are honored on startup. The
// returned stop function closes the watcher; a watcher that cannot be
// created degrades to no signal handling rather than failing the engine.
func (e *Engine) WatchSignals(dir string) (func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}

	// Pick up signals written before the watcher existed.
	e.sweepSignals(dir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[engine] signal watcher unavailable, cancel files will be ignored: %v", err)
		return func() {}, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		log.Printf("[engine] cannot watch signals dir %s: %v", dir, err)
		return func() {}, nil
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				e.handleSignal(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[engine] signal watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()

	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}

// sweepSignals processes signal files that already exist in dir.
func (e *Engine) sweepSignals(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		e.handleSignal(filepath.Join(dir, entry.Name()))
	}
}

// handleSignal interprets one signal file. Unknown files are ignored;
// handled files are removed so a signal fires once.
func (e *Engine) handleSignal(path string) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, cancelPrefix) {
		return
	}
	runID := strings.TrimPrefix(name, cancelPrefix)
	if runID == "" {
		return
	}

	log.Printf("[engine] cancel signal for run %s", runID)
	if err := e.Cancel(runID); err != nil {
		log.Printf("[engine] cancel signal for unknown run %s: %v", runID, err)
	}
	os.Remove(path)
}

// SendCancelSignal writes the cancel signal file for a run. It is the
// file-based counterpart of Engine.Cancel for use from other processes.
func SendCancelSignal(dir, runID string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, cancelPrefix+runID), []byte(runID+"\n"), 0o644)
}
