// Package blob reassembles chunked binary uploads arriving as base64 text
// frames over the relay (blob_start / blob_chunk / blob_end).
package blob

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/estelle/pylon/internal/common/errors"
)

// abandonedAfter is how long an unfinished transfer is kept before eviction.
const abandonedAfter = 10 * time.Minute

type transfer struct {
	file     *os.File
	path     string
	received int
	lastSeen time.Time
}

// Store accumulates in-flight transfers, writing chunks straight to a temp
// file in the target directory.
type Store struct {
	dir string
	now func() time.Time

	mu        sync.Mutex
	transfers map[string]*transfer
}

// NewStore creates a blob store writing completed files into dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:       dir,
		now:       time.Now,
		transfers: make(map[string]*transfer),
	}
}

// Start opens a new transfer. An existing transfer with the same id is
// discarded first.
func (s *Store) Start(id, filename string) error {
	filename = filepath.Base(strings.TrimSpace(filename))
	if id == "" || filename == "" || filename == "." {
		return apperrors.InvalidInput("blob id and filename are required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return apperrors.Wrap(err, "failed to create blob dir")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictAbandonedLocked()

	if old, ok := s.transfers[id]; ok {
		_ = old.file.Close()
		_ = os.Remove(old.file.Name())
	}

	tmp, err := os.CreateTemp(s.dir, filename+".partial-*")
	if err != nil {
		return apperrors.Wrap(err, "failed to create blob file")
	}
	s.transfers[id] = &transfer{
		file:     tmp,
		path:     filepath.Join(s.dir, filename),
		lastSeen: s.now(),
	}
	return nil
}

// Chunk appends one base64 chunk to the transfer.
func (s *Store) Chunk(id, data string) error {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return apperrors.InvalidInput("invalid base64 chunk")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transfers[id]
	if !ok {
		return apperrors.NotFound("blob transfer", id)
	}
	if _, err := tr.file.Write(decoded); err != nil {
		return apperrors.Wrap(err, "failed to write blob chunk")
	}
	tr.received += len(decoded)
	tr.lastSeen = s.now()
	return nil
}

// End finishes the transfer and moves the file to its final name, returning
// the path. A name collision gets a numeric suffix.
func (s *Store) End(id string) (string, error) {
	s.mu.Lock()
	tr, ok := s.transfers[id]
	delete(s.transfers, id)
	s.mu.Unlock()
	if !ok {
		return "", apperrors.NotFound("blob transfer", id)
	}

	if err := tr.file.Close(); err != nil {
		_ = os.Remove(tr.file.Name())
		return "", apperrors.Wrap(err, "failed to close blob file")
	}
	final := uniquePath(tr.path)
	if err := os.Rename(tr.file.Name(), final); err != nil {
		_ = os.Remove(tr.file.Name())
		return "", apperrors.Wrap(err, "failed to finalize blob file")
	}
	return final, nil
}

// Abort drops an in-flight transfer.
func (s *Store) Abort(id string) {
	s.mu.Lock()
	tr, ok := s.transfers[id]
	delete(s.transfers, id)
	s.mu.Unlock()
	if ok {
		_ = tr.file.Close()
		_ = os.Remove(tr.file.Name())
	}
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}

func (s *Store) evictAbandonedLocked() {
	cutoff := s.now().Add(-abandonedAfter)
	for id, tr := range s.transfers {
		if tr.lastSeen.Before(cutoff) {
			_ = tr.file.Close()
			_ = os.Remove(tr.file.Name())
			delete(s.transfers, id)
		}
	}
}
