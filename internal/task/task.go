// Package task exposes the markdown task files of a tasks directory to the
// router: list, fetch, and status updates.
//
// A task file is <id>.md with a `# Title` heading and a `Status: <value>`
// line; everything else is free-form body.
package task

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	apperrors "github.com/estelle/pylon/internal/common/errors"
)

// Task statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Task is one markdown task file.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Body   string `json:"body,omitempty"`
}

var statusLine = regexp.MustCompile(`(?m)^Status:\s*(\S+)\s*$`)

// Service reads and mutates task files in one directory.
type Service struct {
	dir string
}

// NewService creates a task service rooted at dir.
func NewService(dir string) *Service {
	return &Service{dir: dir}
}

func validStatus(status string) bool {
	switch status {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

func (s *Service) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return "", apperrors.InvalidInput("invalid task id")
	}
	return filepath.Join(s.dir, id+".md"), nil
}

func parse(id string, data []byte) Task {
	t := Task{ID: id, Status: StatusTodo}
	content := string(data)
	for _, line := range strings.Split(content, "\n") {
		if title, ok := strings.CutPrefix(line, "# "); ok {
			t.Title = strings.TrimSpace(title)
			break
		}
	}
	if t.Title == "" {
		t.Title = id
	}
	if m := statusLine.FindStringSubmatch(content); m != nil {
		t.Status = m[1]
	}
	t.Body = content
	return t
}

// List returns every task in id order, without bodies.
func (s *Service) List() ([]Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "failed to read tasks directory")
	}

	var tasks []Task
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		t := parse(id, data)
		t.Body = ""
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Get returns one task with its full body.
func (s *Service) Get(id string) (*Task, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NotFound("task", id)
	}
	t := parse(id, data)
	return &t, nil
}

// UpdateStatus rewrites the task's status line in place. A file without a
// status line gets one appended.
func (s *Service) UpdateStatus(id, status string) error {
	if !validStatus(status) {
		return apperrors.InvalidInput(fmt.Sprintf("invalid task status: %s", status))
	}
	path, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.NotFound("task", id)
	}

	replacement := "Status: " + status
	var updated string
	if statusLine.Match(data) {
		updated = statusLine.ReplaceAllString(string(data), replacement)
	} else {
		updated = strings.TrimRight(string(data), "\n") + "\n\n" + replacement + "\n"
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return apperrors.Wrap(err, "failed to write task")
	}
	return nil
}
