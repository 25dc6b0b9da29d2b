//go:build unix || windows

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := PathFor(filepath.Join(t.TempDir(), "fieldsync.db"))

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if l.Path() != path {
		t.Errorf("Path() = %q", l.Path())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file holds %q, want our pid", data)
	}

	// A second descriptor conflicts even within one process.
	if _, err := Acquire(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire error = %v, want ErrLocked", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}

	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after Release failed: %v", err)
	}
	again.Release()
}
