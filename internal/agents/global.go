package agents

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// GlobalStore holds every agent definition known to the daemon, keyed by
// pubkey. Definitions may be shared by multiple projects. An fsnotify watcher
// picks up edits to the agents directory without a restart.
type GlobalStore struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// OpenGlobalStore loads all definitions from dir and starts watching it.
func OpenGlobalStore(dir string) (*GlobalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create agents dir: %w", err)
	}
	g := &GlobalStore{
		dir:  dir,
		defs: make(map[string]*Definition),
		done: make(chan struct{}),
	}
	if err := g.loadAll(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("agents: fsnotify unavailable, hot reload disabled", "error", err)
		return g, nil
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		slog.Warn("agents: cannot watch agents dir", "dir", dir, "error", err)
		return g, nil
	}
	g.watcher = w
	go g.watch()
	return g, nil
}

// Get returns the definition for a pubkey.
func (g *GlobalStore) Get(pubkey string) (*Definition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	def, ok := g.defs[pubkey]
	return def, ok
}

// Put persists a definition and updates the in-memory set. Used when a
// project metadata refresh carries agent definitions the daemon has not seen.
func (g *GlobalStore) Put(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := saveDefinition(g.dir, def); err != nil {
		return err
	}
	g.mu.Lock()
	g.defs[def.Pubkey] = def
	g.mu.Unlock()
	return nil
}

// Close stops the directory watcher.
func (g *GlobalStore) Close() {
	close(g.done)
	if g.watcher != nil {
		g.watcher.Close()
	}
}

func (g *GlobalStore) loadAll() error {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return fmt.Errorf("read agents dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		def, err := loadDefinition(filepath.Join(g.dir, e.Name()))
		if err != nil {
			slog.Warn("agents: skipping unreadable definition", "file", e.Name(), "error", err)
			continue
		}
		g.defs[def.Pubkey] = def
	}
	slog.Info("agents: definitions loaded", "count", len(g.defs), "dir", g.dir)
	return nil
}

func (g *GlobalStore) watch() {
	for {
		select {
		case <-g.done:
			return
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			def, err := loadDefinition(ev.Name)
			if err != nil {
				slog.Warn("agents: reload failed", "file", ev.Name, "error", err)
				continue
			}
			g.mu.Lock()
			g.defs[def.Pubkey] = def
			g.mu.Unlock()
			slog.Info("agents: definition reloaded", "slug", def.Slug, "pubkey", def.Pubkey)
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("agents: watcher error", "error", err)
		}
	}
}
