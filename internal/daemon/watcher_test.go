package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestStoreWatcher_StartStop(t *testing.T) {
	sw, err := NewStoreWatcher()
	if err != nil {
		t.Fatalf("NewStoreWatcher() failed: %v", err)
	}
	if sw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	dbPath := filepath.Join(t.TempDir(), "fieldsync.db")
	if err := sw.Start(dbPath); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !sw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := sw.Start(dbPath); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := sw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if sw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

func TestStoreWatcher_ReportsStoreFiles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fieldsync.db")

	sw, err := NewStoreWatcher()
	if err != nil {
		t.Fatalf("NewStoreWatcher() failed: %v", err)
	}
	defer sw.Stop()
	if err := sw.Start(dbPath); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(dbPath+"-wal", []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case ev := <-sw.Events():
		if filepath.Base(ev.Path) != "fieldsync.db-wal" {
			t.Errorf("event for %s, want the WAL file", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for the WAL file")
	}
}

func TestStoreWatcher_ConvertEvent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fieldsync.db")
	sw := &StoreWatcher{names: map[string]bool{dbPath: true, dbPath + "-wal": true}}

	tests := []struct {
		name   string
		event  fsnotify.Event
		want   EventOp
		wantOK bool
	}{
		{"create db", fsnotify.Event{Name: dbPath, Op: fsnotify.Create}, OpCreate, true},
		{"write wal", fsnotify.Event{Name: dbPath + "-wal", Op: fsnotify.Write}, OpModify, true},
		{"remove wal", fsnotify.Event{Name: dbPath + "-wal", Op: fsnotify.Remove}, OpDelete, true},
		{"chmod", fsnotify.Event{Name: dbPath, Op: fsnotify.Chmod}, 0, false},
		{"other file", fsnotify.Event{Name: filepath.Join(dir, "other.db"), Op: fsnotify.Write}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sw.convertEvent(tt.event)
			if ok != tt.wantOK {
				t.Fatalf("convertEvent() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.Op != tt.want {
				t.Errorf("op = %s, want %s", got.Op, tt.want)
			}
		})
	}
}

func TestEventOpString(t *testing.T) {
	tests := map[EventOp]string{OpCreate: "create", OpModify: "modify", OpDelete: "delete", EventOp(99): "unknown"}
	for op, want := range tests {
		if got := op.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", op, got, want)
		}
	}
}
