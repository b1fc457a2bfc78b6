package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Environment describes one named container environment an agent's
// workspace can be created from.
type Environment struct {
	Name        string  `yaml:"name"`
	Image       string  `yaml:"image"`
	MemoryMB    int     `yaml:"memory_mb"`
	CPUs        float64 `yaml:"cpus"`
	NetworkMode string  `yaml:"network_mode"`
}

type catalogFile struct {
	Environments []Environment `yaml:"environments"`
}

// Catalog is a hot-reloadable name → Environment lookup, loaded from a YAML
// file and kept current by a filesystem watcher so new environments can be
// registered without restarting the orchestrator.
type Catalog struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	env map[string]Environment
}

// LoadCatalog reads path and returns a Catalog. The file may not yet exist;
// an absent file yields an empty catalog rather than an error, so the
// Manager can start before an operator has written one.
func LoadCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{path: path, logger: logger, env: make(map[string]Environment)}
	if err := c.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("workspace: parse environment catalog: %w", err)
	}
	env := make(map[string]Environment, len(cf.Environments))
	for _, e := range cf.Environments {
		env[e.Name] = e
	}
	c.mu.Lock()
	c.env = env
	c.mu.Unlock()
	return nil
}

// Lookup returns the named environment.
func (c *Catalog) Lookup(name string) (Environment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.env[name]
	return e, ok
}

// Watch starts a filesystem watcher on the catalog file, reloading on every
// write/create/rename until ctx is cancelled. Safe to call at most once.
func (c *Catalog) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workspace: start catalog watcher: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("workspace: watch catalog dir: %w", err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != c.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					c.logger.Error("environment catalog reload failed", "error", err)
					continue
				}
				c.logger.Info("environment catalog reloaded", "path", c.path)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				c.logger.Error("catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}
