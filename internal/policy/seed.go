package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/grace-platform/core/infrastructure/logging"
)

// SeedLoader loads policy documents from a directory of YAML files and
// hot-reloads them on edit, grounded on the teacher's sandbox PolicyLoader
// (system/sandbox/policy_loader.go) but using fsnotify rather than a
// polling ticker (SPEC_FULL.md §B). The log remains authoritative: every
// seed, initial or reloaded, is applied through Store.UpsertPolicy so it
// is recorded as policy.upserted (spec.md §6).
type SeedLoader struct {
	dir    string
	store  *Store
	logger *logging.Logger
	watcher *fsnotify.Watcher
}

// NewSeedLoader constructs a loader for the given seed directory. dir may
// be empty, in which case LoadAll and Watch are no-ops.
func NewSeedLoader(dir string, store *Store, logger *logging.Logger) *SeedLoader {
	return &SeedLoader{dir: dir, store: store, logger: logger}
}

// LoadAll reads every *.yaml/*.yml file in the seed directory and upserts
// its contents, one policy document per file.
func (l *SeedLoader) LoadAll(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("policy: read seed dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		if err := l.loadFile(ctx, filepath.Join(l.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (l *SeedLoader) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read seed file %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("policy: parse seed file %s: %w", path, err)
	}

	if _, err := l.store.UpsertPolicy(ctx, p); err != nil {
		return fmt.Errorf("policy: upsert seed %s: %w", path, err)
	}
	return nil
}

// Watch starts an fsnotify watch on the seed directory, re-upserting any
// file that changes until ctx is cancelled. A no-op when dir is empty.
func (l *SeedLoader) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("policy: watch seed dir: %w", err)
	}
	l.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isYAMLFile(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.loadFile(ctx, ev.Name); err != nil && l.logger != nil {
					l.logger.WithError(err).Error("policy: seed hot-reload failed")
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				if l.logger != nil {
					l.logger.WithError(werr).Error("policy: seed watcher error")
				}
			}
		}
	}()

	return nil
}

// Close stops the watcher, if running.
func (l *SeedLoader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
