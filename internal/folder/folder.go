// Package folder answers the folder browsing envelopes: list directories,
// create and rename. The router depends on this small adapter only.
package folder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/estelle/pylon/internal/common/errors"
)

// Entry is one directory visible to clients.
type Entry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	HasChildren bool   `json:"hasChildren"`
}

// Service performs directory operations rooted at arbitrary absolute paths.
type Service struct{}

// NewService creates a folder service.
func NewService() *Service {
	return &Service{}
}

// List returns the sub-directories of path in name order.
func (s *Service) List(path string) ([]Entry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, apperrors.InvalidInput("path is required")
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, apperrors.NotFound("folder", path)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		full := filepath.Join(path, e.Name())
		out = append(out, Entry{
			Name:        e.Name(),
			Path:        full,
			HasChildren: hasSubDir(full),
		})
	}
	return out, nil
}

func hasSubDir(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			return true
		}
	}
	return false
}

// Create makes a new directory under parent.
func (s *Service) Create(parent, name string) (*Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, apperrors.InvalidInput("invalid folder name")
	}
	path := filepath.Join(parent, name)
	if _, err := os.Stat(path); err == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("folder already exists: %s", name))
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, apperrors.Wrap(err, "failed to create folder")
	}
	return &Entry{Name: name, Path: path}, nil
}

// Rename renames the directory at path to newName within the same parent.
func (s *Service) Rename(path, newName string) (*Entry, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" || strings.ContainsAny(newName, `/\`) {
		return nil, apperrors.InvalidInput("invalid folder name")
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, apperrors.NotFound("folder", path)
	}
	dest := filepath.Join(filepath.Dir(path), newName)
	if _, err := os.Stat(dest); err == nil {
		return nil, apperrors.Conflict(fmt.Sprintf("folder already exists: %s", newName))
	}
	if err := os.Rename(path, dest); err != nil {
		return nil, apperrors.Wrap(err, "failed to rename folder")
	}
	return &Entry{Name: newName, Path: dest, HasChildren: hasSubDir(dest)}, nil
}
