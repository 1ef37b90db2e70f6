// Package config watches a YAML file on disk for objective-weight
// changes and pushes them into a running Core without a restart,
// grounded on packages/engine/config.HotReloadSystem
// (fsnotify directory watch + checksum-gated change detection),
// narrowed here to the one field this module exposes for live tuning.
package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ridgeline/fleetcore/models"
)

// WeightsFile is the on-disk YAML representation of the per-mission
// objective weight table.
type WeightsFile struct {
	Version string                                      `yaml:"version"`
	Weights map[models.MissionType]models.ObjectiveWeights `yaml:"weights"`
}

// ChangeApplier receives a newly parsed, newly different weight table.
type ChangeApplier func(weights map[models.MissionType]models.ObjectiveWeights)

// Watcher watches one YAML file and invokes an applier whenever its
// content changes and parses cleanly.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	applier  ChangeApplier
	onError  func(error)

	mu       sync.Mutex
	watching bool
	lastSum  string
}

// NewWatcher creates a Watcher for path. apply is called (synchronously,
// from the watch goroutine) on every change that parses and differs from
// the last applied content. onError, if non-nil, receives read/parse
// errors; a malformed file is otherwise skipped rather than applied.
func NewWatcher(path string, apply ChangeApplier, onError func(error)) (*Watcher, error) {
	if apply == nil {
		return nil, fmt.Errorf("config: apply func required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	return &Watcher{path: path, watcher: fw, applier: apply, onError: onError}, nil
}

// Load reads and parses the file once without installing a watch,
// useful for the initial config load at startup.
func Load(path string) (map[models.MissionType]models.ObjectiveWeights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f WeightsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f.Weights, nil
}

// Start begins watching the containing directory (more reliable across
// editors/atomic-rename saves than watching the file descriptor
// directly) and applies changes until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("config: watcher already started")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	w.watching = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return nil
	}
	w.watching = false
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(fmt.Errorf("config: read %s: %w", w.path, err))
		}
		return
	}
	sum := fmt.Sprintf("%x", sha256.Sum256(data))

	w.mu.Lock()
	unchanged := sum == w.lastSum
	w.mu.Unlock()
	if unchanged {
		return
	}

	var f WeightsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		if w.onError != nil {
			w.onError(fmt.Errorf("config: parse %s: %w", w.path, err))
		}
		return
	}
	if len(f.Weights) == 0 {
		return
	}

	w.mu.Lock()
	w.lastSum = sum
	w.mu.Unlock()

	w.applier(f.Weights)
}
