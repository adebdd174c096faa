package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	taskFileName = "task.json"
	scanFileName = "scan_native.nessus"
)

var ErrNotFound = errors.New("task not found")

// Store keeps one directory per task under {dataDir}/tasks. task.json is
// the authoritative record; all writes go through the state machine under
// an exclusive file lock.
type Store struct {
	dataDir string
}

func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) tasksDir() string {
	return filepath.Join(s.dataDir, "tasks")
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.tasksDir(), taskID)
}

func (s *Store) taskPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), taskFileName)
}

// ScanFilePath returns where the exported scan bytes live for a task.
func (s *Store) ScanFilePath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), scanFileName)
}

// Create persists a brand-new task record. Admission mutates a task exactly
// once, here; everything afterwards goes through UpdateStatus.
func (s *Store) Create(t *Task) error {
	if t.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	dir := s.taskDir(t.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	return s.write(t)
}

// Get reads a task record. A read racing a writer can observe a missing or
// partial file for a moment; it is retried once before giving up.
func (s *Store) Get(taskID string) (*Task, error) {
	t, err := s.read(taskID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		time.Sleep(50 * time.Millisecond)
		return s.read(taskID)
	}
	return t, err
}

func (s *Store) read(taskID string) (*Task, error) {
	data, err := os.ReadFile(s.taskPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task %s: %w", taskID, err)
	}
	return &t, nil
}

// UpdateStatus applies a partial update under the task's file lock,
// enforcing the state machine. A nil Status is validated as the implicit
// self-edge, so metadata-only updates land only on running tasks and a
// concurrent demotion wins the race. Timestamps move only forward:
// started_at is set on the first entry into running, completed_at on
// reaching a terminal state, and neither is ever rewritten.
func (s *Store) UpdateStatus(taskID string, update Update) (*Task, error) {
	dir := s.taskDir(taskID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat task dir: %w", err)
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	t, err := s.read(taskID)
	if err != nil {
		return nil, err
	}

	from, to := t.Status, t.Status
	if update.Status != nil {
		to = *update.Status
	}
	if !CanTransition(from, to) {
		return nil, &TransitionError{TaskID: taskID, From: from, To: to}
	}
	t.Status = to
	now := time.Now().UTC()
	if to == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.Terminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if update.Progress != nil {
		t.LastProgressAt = &now
	}
	update.apply(t)

	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteScanFile stores the exported scanner bytes next to task.json.
func (s *Store) WriteScanFile(taskID string, data []byte) error {
	return writeFileAtomic(s.ScanFilePath(taskID), data, 0o600)
}

// HasScanFile reports whether the exported file exists for a task.
func (s *Store) HasScanFile(taskID string) bool {
	_, err := os.Stat(s.ScanFilePath(taskID))
	return err == nil
}

// Delete removes a task directory. Held task locks are honored: the lock is
// taken first so an in-flight transition cannot be torn out from under.
func (s *Store) Delete(taskID string) error {
	dir := s.taskDir(taskID)
	lock, err := acquireLock(dir)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			return nil
		}
		return err
	}
	defer lock.release()
	return os.RemoveAll(dir)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	Pool   string
	Target string // IP or CIDR, matched per MatchesTarget
	Limit  int
}

// List returns tasks newest first, filtered.
func (s *Store) List(filter ListFilter) ([]*Task, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		t, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Pool != "" && t.ScannerPool != filter.Pool {
			continue
		}
		if filter.Target != "" && !MatchesTarget(t.Payload.TargetList(), filter.Target) {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// TaskIDs returns every task directory name.
func (s *Store) TaskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func (s *Store) write(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.TaskID, err)
	}
	return writeFileAtomic(s.taskPath(t.TaskID), data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
