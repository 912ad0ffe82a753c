package workflow

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads templates from dir whenever a YAML file there is created
// or written. It returns a stop function that shuts the watcher down.
func (c *Catalog) Watch(dir string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

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
				ext := filepath.Ext(event.Name)
				if ext != ".yaml" && ext != ".yml" {
					continue
				}
				if err := c.loadFile(event.Name); err != nil {
					log.Printf("[workflow] reload %s: %v", event.Name, err)
				} else {
					log.Printf("[workflow] reloaded %s", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[workflow] watcher error: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
