package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// StoreEvent is a change to one of the store's files.
type StoreEvent struct {
	// Path is the file that changed: the database, its WAL or its journal.
	Path string
	Op   EventOp
}

// StoreWatcher reports writes to a SQLite store file made by any process.
//
// SQLite writes land in the -wal file first, so the directory is watched
// rather than the database file alone.
type StoreWatcher struct {
	watcher *fsnotify.Watcher
	events  chan StoreEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	names   map[string]bool
}

// NewStoreWatcher creates a StoreWatcher. Call Start before reading events.
func NewStoreWatcher() (*StoreWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &StoreWatcher{
		watcher: watcher,
		events:  make(chan StoreEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the store at dbPath.
func (sw *StoreWatcher) Start(dbPath string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("failed to resolve store path %s: %w", dbPath, err)
	}
	sw.names = map[string]bool{
		abs:              true,
		abs + "-wal":     true,
		abs + "-journal": true,
	}

	if err := sw.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch store directory %s: %w", filepath.Dir(abs), err)
	}

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops watching and closes the event channels. Stopping a watcher
// that never started only releases the fsnotify handle.
func (sw *StoreWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return sw.watcher.Close()
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)
	return nil
}

// Events returns the channel of store changes. It is closed by Stop.
func (sw *StoreWatcher) Events() <-chan StoreEvent {
	return sw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (sw *StoreWatcher) Errors() <-chan error {
	return sw.errors
}

// IsRunning reports whether the watcher is started.
func (sw *StoreWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *StoreWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if se, ok := sw.convertEvent(event); ok {
				select {
				case sw.events <- se:
				case <-sw.done:
					return
				}
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

// convertEvent keeps events for the store's own files and drops the rest
// of the directory.
func (sw *StoreWatcher) convertEvent(event fsnotify.Event) (StoreEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || !sw.names[abs] {
		return StoreEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return StoreEvent{}, false
	}
	return StoreEvent{Path: event.Name, Op: op}, true
}
