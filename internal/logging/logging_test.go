package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFactory_Console(t *testing.T) {
	var buf bytes.Buffer
	f, err := New(Options{Stderr: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	f.Logger("sync").Printf("Sync pass complete: ok=%d", 3)
	if !strings.Contains(buf.String(), "[sync] ") || !strings.Contains(buf.String(), "ok=3") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestFactory_File(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "fieldsync.log")
	f, err := New(Options{File: path, Stderr: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	f.Logger("media").Println("WARNING: upload failed")
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "[media] ") {
		t.Errorf("log file missing line: %q", data)
	}
	if !strings.Contains(buf.String(), "WARNING: upload failed") {
		t.Errorf("console missing line: %q", buf.String())
	}
}

func TestFactory_Quiet(t *testing.T) {
	var buf bytes.Buffer
	f, err := New(Options{Quiet: true, Stderr: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	f.Logger("daemon").Println("started")
	if buf.Len() != 0 {
		t.Errorf("quiet factory wrote %q", buf.String())
	}
	if err := f.Rotate(); err != nil {
		t.Errorf("Rotate without a file: %v", err)
	}
}
