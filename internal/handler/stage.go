package handler

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/upload"
)

// ErrUnknownHandle is returned for handles that were never staged or were swept.
var ErrUnknownHandle = errors.New("stage: unknown file handle")

// Stage keeps files posted by the UI on disk until they are uploaded.
// The staged file name (uuid + extension) is the handle.
type Stage struct {
	dir string

	mu    sync.Mutex
	names map[string]string
}

func NewStage(dir string) (*Stage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stage: mkdir %s: %w", dir, err)
	}
	return &Stage{dir: dir, names: make(map[string]string)}, nil
}

// Put copies r into the stage under a fresh handle.
func (s *Stage) Put(name string, r io.Reader) (upload.FileRef, error) {
	name = filepath.Base(name)
	handle := uuid.NewString() + strings.ToLower(filepath.Ext(name))
	path := filepath.Join(s.dir, handle)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return upload.FileRef{}, fmt.Errorf("stage.Put: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return upload.FileRef{}, fmt.Errorf("stage.Put: %w", err)
	}
	s.mu.Lock()
	s.names[handle] = name
	s.mu.Unlock()
	return s.ref(handle, name, path, n), nil
}

// Get returns the staged file for handle.
func (s *Stage) Get(handle string) (upload.FileRef, error) {
	path, ok := s.path(handle)
	if !ok {
		return upload.FileRef{}, ErrUnknownHandle
	}
	st, err := os.Stat(path)
	if err != nil {
		return upload.FileRef{}, ErrUnknownHandle
	}
	s.mu.Lock()
	name, ok := s.names[handle]
	s.mu.Unlock()
	if !ok {
		name = handle
	}
	return s.ref(handle, name, path, st.Size()), nil
}

// Remove deletes a staged file; unknown handles are ignored.
func (s *Stage) Remove(handle string) {
	path, ok := s.path(handle)
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Errorf("stage: remove %s: %v", logger.MaskToken(handle), err)
	}
	s.mu.Lock()
	delete(s.names, handle)
	s.mu.Unlock()
}

// Sweep removes staged files older than maxAge and returns how many went.
func (s *Stage) Sweep(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logger.Errorf("stage: sweep %s: %v", s.dir, err)
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		s.Remove(e.Name())
		removed++
	}
	return removed
}

func (s *Stage) path(handle string) (string, bool) {
	if handle == "" || handle != filepath.Base(handle) {
		return "", false
	}
	stem := strings.TrimSuffix(handle, filepath.Ext(handle))
	if _, err := uuid.Parse(stem); err != nil {
		return "", false
	}
	return filepath.Join(s.dir, handle), true
}

func (s *Stage) ref(handle, name, path string, size int64) upload.FileRef {
	return upload.FileRef{
		Handle: handle,
		Name:   name,
		Size:   size,
		Open:   func() (io.ReadCloser, error) { return os.Open(path) },
	}
}
