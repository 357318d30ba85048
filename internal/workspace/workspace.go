// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package workspace loads projects from disk and mirrors directory changes into a file store.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	playground "github.com/buke/playground-go"
)

// MaxFileSize is the largest file mirrored into a project.
const MaxFileSize = 1 << 20

// Filter reports whether a project-relative name belongs to the project. Directories are
// passed with a trailing slash.
type Filter func(name string) bool

// DefaultFilter skips dot files, dot directories and node_modules.
func DefaultFilter(name string) bool {
	for _, seg := range strings.Split(strings.TrimSuffix(name, "/"), "/") {
		if strings.HasPrefix(seg, ".") || seg == "node_modules" {
			return false
		}
	}
	return true
}

// LoadFile reads a project config file (YAML or JSON file map).
func LoadFile(file string) (playground.Project, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file %s: %w", file, err)
	}
	project, err := playground.ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load project file %s: %w", file, err)
	}
	return project, nil
}

// LoadDir reads every file under dir accepted by filter (DefaultFilter when nil). The entry
// document comes first; the remaining files follow in lexical order.
func LoadDir(dir string, filter Filter) (playground.Project, error) {
	if filter == nil {
		filter = DefaultFilter
	}
	var project playground.Project
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name, ok := relName(dir, p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if !filter(name + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !filter(name) {
			return nil
		}
		file, err := readFile(p, name)
		if err != nil {
			if errors.Is(err, errTooLarge) {
				return nil
			}
			return err
		}
		project = append(project, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load project directory %s: %w", dir, err)
	}

	sort.SliceStable(project, func(i, j int) bool {
		return project[i].Name == playground.DefaultEntry && project[j].Name != playground.DefaultEntry
	})
	if err := project.Validate(); err != nil {
		return nil, err
	}
	return project, nil
}

var errTooLarge = errors.New("file too large")

func readFile(p, name string) (playground.ProjectFile, error) {
	info, err := os.Stat(p)
	if err != nil {
		return playground.ProjectFile{}, err
	}
	if info.Size() > MaxFileSize {
		return playground.ProjectFile{}, fmt.Errorf("%w: %s", errTooLarge, name)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return playground.ProjectFile{}, err
	}
	return playground.ProjectFile{
		Name:        name,
		Content:     string(data),
		ContentType: playground.ContentTypeFor(name),
	}, nil
}

// relName converts a path under dir into a project file name.
func relName(dir, p string) (string, bool) {
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Watcher mirrors changes under a directory into a file store.
type Watcher struct {
	dir     string
	store   *playground.FileStore
	filter  Filter
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	closeOnce sync.Once
}

// NewWatcher watches dir and every directory below it.
func NewWatcher(dir string, store *playground.FileStore, filter Filter, logger *slog.Logger) (*Watcher, error) {
	if filter == nil {
		filter = DefaultFilter
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{dir: dir, store: store, filter: filter, logger: logger, watcher: fw}
	if err := w.addRecursive(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name, ok := relName(w.dir, p); ok && !w.filter(name+"/") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name, ok := relName(w.dir, event.Name)
	if !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			// Gone again before we looked.
			w.remove(name)
			return
		}
		if info.IsDir() {
			if !w.filter(name + "/") {
				return
			}
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "dir", name, "error", err)
			}
			w.syncDir(event.Name)
			return
		}
		if w.filter(name) {
			w.sync(event.Name, name)
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.remove(name)
	}
}

// sync copies one file into the store.
func (w *Watcher) sync(p, name string) {
	file, err := readFile(p, name)
	if err != nil {
		w.logger.Warn("Skipping file", "file", name, "error", err)
		return
	}
	current, exists := w.store.Get(name)
	switch {
	case !exists:
		err = w.store.AddFile(file)
	case current.Content != file.Content:
		err = w.store.UpdateFile(name, file.Content)
	default:
		return
	}
	if err != nil {
		w.logger.Warn("Failed to sync file", "file", name, "error", err)
		return
	}
	w.logger.Debug("Synced file", "file", name)
}

// syncDir copies every file of a newly created directory.
func (w *Watcher) syncDir(dir string) {
	project, err := LoadDir(dir, nil)
	if err != nil {
		w.logger.Warn("Failed to load new directory", "dir", dir, "error", err)
		return
	}
	for _, f := range project {
		name, ok := relName(w.dir, filepath.Join(dir, filepath.FromSlash(f.Name)))
		if ok && w.filter(name) {
			w.sync(filepath.Join(dir, filepath.FromSlash(f.Name)), name)
		}
	}
}

// remove deletes name, or every file below it when it was a directory.
func (w *Watcher) remove(name string) {
	if _, ok := w.store.Get(name); ok {
		if err := w.store.DeleteFile(name); err != nil {
			w.logger.Warn("Failed to remove file", "file", name, "error", err)
		}
		return
	}
	prefix := path.Clean(name) + "/"
	for _, f := range w.store.GetFiles() {
		if strings.HasPrefix(f.Name, prefix) {
			if err := w.store.DeleteFile(f.Name); err != nil {
				w.logger.Warn("Failed to remove file", "file", f.Name, "error", err)
			}
		}
	}
}
