package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog holds the available workflow templates. Built-ins are loaded at
// construction; LoadDir overlays user templates from YAML files, with a
// user template shadowing a built-in of the same name.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
	dir       string
}

// NewCatalog returns a catalog populated with the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]*Template)}
	for _, t := range Builtins() {
		c.templates[t.Name] = t
	}
	return c
}

// Get returns the named template.
func (c *Catalog) Get(name string) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	return t, ok
}

// Names returns all template names sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register validates and adds a template, replacing any existing template
// of the same name.
func (c *Catalog) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.Name] = t
	return nil
}

// LoadDir reads every .yaml/.yml file in dir as a template and registers
// it. A missing directory is not an error. Invalid files are reported but
// do not abort the load of the rest.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading workflow dir: %w", err)
	}

	c.mu.Lock()
	c.dir = dir
	c.mu.Unlock()

	var errs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := c.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("loading workflow templates: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Catalog) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := c.Register(&t); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
