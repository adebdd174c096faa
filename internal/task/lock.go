package task

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock serializes task.json writers across processes (worker, API,
// admin CLI) with an exclusive flock on a sidecar file. Lock acquisition
// failures are surfaced, never silently degraded.
type fileLock struct {
	file *os.File
}

func acquireLock(dir string) (*fileLock, error) {
	path := filepath.Join(dir, ".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &fileLock{file: file}, nil
}

func (l *fileLock) release() error {
	defer l.file.Close()
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("funlock %s: %w", l.file.Name(), err)
	}
	return nil
}
