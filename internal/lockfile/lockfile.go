// Package lockfile guards a store against concurrent sync runs from separate
// processes. The in-process single-flight guards of the orchestrator and the
// media queue cannot see a second fieldsync process; an advisory lock on a
// file next to the store can.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// Lock is an acquired lock. Release it when done.
type Lock struct {
	path string
	file *os.File
}

// PathFor returns the lock path used for a store file.
func PathFor(storePath string) string {
	return storePath + ".lock"
}

// Acquire takes the lock at path without blocking. The holder's pid is
// written into the file for diagnostics.
func Acquire(path string) (*Lock, error) {
	// #nosec G304 - path derives from the configured store path
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := lock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if pid := readPID(path); pid > 0 {
				return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
		}
		return nil, err
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

func readPID(path string) int {
	// #nosec G304 - same path as the lock
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
