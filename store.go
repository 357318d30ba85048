// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"fmt"
	"sync"
)

// ChangeKind says what kind of mutation a ChangeEvent reports.
type ChangeKind int

const (
	ChangeReplaced ChangeKind = iota
	ChangeUpdated
	ChangeAdded
	ChangeRenamed
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeReplaced:
		return "replaced"
	case ChangeUpdated:
		return "updated"
	case ChangeAdded:
		return "added"
	case ChangeRenamed:
		return "renamed"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is delivered to store subscribers after every mutation.
type ChangeEvent struct {
	Kind    ChangeKind
	Name    string
	OldName string
}

// ChangeListener receives store change notifications. Listeners run synchronously on the
// mutating goroutine after the store lock is released and must not block.
type ChangeListener func(ChangeEvent)

// FileStore holds the authoritative in-memory project. It is the only owner of file content;
// everything downstream works on snapshots returned by GetFiles.
type FileStore struct {
	mu        sync.RWMutex
	files     Project
	dirty     bool
	listeners map[int]ChangeListener
	nextID    int
}

// NewFileStore returns a store seeded with files.
func NewFileStore(files Project) (*FileStore, error) {
	s := &FileStore{listeners: make(map[int]ChangeListener)}
	files = files.Clone()
	if err := files.Validate(); err != nil {
		return nil, err
	}
	s.files = files
	return s, nil
}

// Subscribe registers a listener and returns a function that removes it.
func (s *FileStore) Subscribe(fn ChangeListener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// GetFiles returns an ordered snapshot of the project.
func (s *FileStore) GetFiles() Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files.Clone()
}

// Get returns a single file.
func (s *FileStore) Get(name string) (ProjectFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files.Lookup(name)
}

// SetFiles replaces the whole project.
func (s *FileStore) SetFiles(files Project) error {
	files = files.Clone()
	if err := files.Validate(); err != nil {
		return err
	}
	s.mutate(ChangeEvent{Kind: ChangeReplaced}, func() error {
		s.files = files
		return nil
	})
	return nil
}

// UpdateFile replaces the content of one file.
func (s *FileStore) UpdateFile(name, content string) error {
	return s.mutate(ChangeEvent{Kind: ChangeUpdated, Name: name}, func() error {
		i := s.files.Index(name)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		s.files[i].Content = content
		return nil
	})
}

// AddFile appends a new file at the end of the display order.
func (s *FileStore) AddFile(file ProjectFile) error {
	if err := validateName(file.Name); err != nil {
		return err
	}
	if file.ContentType == "" {
		file.ContentType = ContentTypeFor(file.Name)
	}
	return s.mutate(ChangeEvent{Kind: ChangeAdded, Name: file.Name}, func() error {
		if s.files.Index(file.Name) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateFile, file.Name)
		}
		s.files = append(s.files, file)
		return nil
	})
}

// RenameFile changes a file's name in place, keeping its display position. The content type is
// re-inferred from the new extension.
func (s *FileStore) RenameFile(oldName, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	return s.mutate(ChangeEvent{Kind: ChangeRenamed, Name: newName, OldName: oldName}, func() error {
		i := s.files.Index(oldName)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrFileNotFound, oldName)
		}
		if oldName != newName && s.files.Index(newName) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateFile, newName)
		}
		s.files[i].Name = newName
		s.files[i].ContentType = ContentTypeFor(newName)
		return nil
	})
}

// DeleteFile removes a file.
func (s *FileStore) DeleteFile(name string) error {
	return s.mutate(ChangeEvent{Kind: ChangeDeleted, Name: name}, func() error {
		i := s.files.Index(name)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		s.files = append(s.files[:i:i], s.files[i+1:]...)
		return nil
	})
}

// Dirty reports whether the project changed since the last MarkClean.
func (s *FileStore) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// MarkClean clears the dirty flag.
func (s *FileStore) MarkClean() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// mutate applies fn under the write lock and, on success, notifies listeners outside it.
func (s *FileStore) mutate(ev ChangeEvent, fn func() error) error {
	s.mu.Lock()
	if err := fn(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.dirty = true
	listeners := make([]ChangeListener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
	return nil
}
