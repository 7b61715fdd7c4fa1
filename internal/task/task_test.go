package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTask(t *testing.T, dir, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".md"), []byte(content), 0o644))
}

func TestListAndGet(t *testing.T) {
	dir := t.TempDir()
	writeTask(t, dir, "T-2", "# Fix relay reconnect\n\nStatus: in_progress\n\nDetails here.\n")
	writeTask(t, dir, "T-1", "# Wire beacon TTL\n\nStatus: done\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a task"), 0o644))

	s := NewService(dir)
	tasks, err := s.List()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "T-1", tasks[0].ID)
	assert.Equal(t, "Wire beacon TTL", tasks[0].Title)
	assert.Equal(t, "done", tasks[0].Status)
	assert.Empty(t, tasks[0].Body)

	got, err := s.Get("T-2")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)
	assert.Contains(t, got.Body, "Details here.")
}

func TestListMissingDirIsEmpty(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "absent"))
	tasks, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestUpdateStatus(t *testing.T) {
	dir := t.TempDir()
	writeTask(t, dir, "T-1", "# Title\n\nStatus: todo\n")
	s := NewService(dir)

	require.NoError(t, s.UpdateStatus("T-1", "done"))
	got, err := s.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)

	require.Error(t, s.UpdateStatus("T-1", "shipped"))
	require.Error(t, s.UpdateStatus("T-404", "done"))
}

func TestUpdateStatusAppendsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	writeTask(t, dir, "T-1", "# Title only\n")
	s := NewService(dir)

	require.NoError(t, s.UpdateStatus("T-1", "in_progress"))
	got, err := s.Get("T-1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)
}

func TestInvalidTaskID(t *testing.T) {
	s := NewService(t.TempDir())
	_, err := s.Get("../etc/passwd")
	require.Error(t, err)
}
