package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/contavoto/fieldsync/internal/connectivity"
	"github.com/contavoto/fieldsync/internal/media"
	"github.com/contavoto/fieldsync/internal/store"
	fsync "github.com/contavoto/fieldsync/internal/sync"
)

// Triggers that start a pass.
const (
	TriggerStartup = "startup"
	TriggerOnline  = "online"
	TriggerTimer   = "timer"
	TriggerWrite   = "local-write"
	TriggerManual  = "manual"
)

// Syncer runs sync passes. *sync.Orchestrator implements it.
type Syncer interface {
	SyncOnce(ctx context.Context) fsync.Result
}

// Uploader runs media queue passes. *media.Queue implements it.
type Uploader interface {
	ProcessQueueOnce(ctx context.Context) media.Result
}

// PassEvent describes one sync pass followed by one queue pass.
type PassEvent struct {
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Sync       fsync.Result
	Media      media.Result
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a pass runs without any other trigger.
	// Negative disables the timer.
	SyncInterval time.Duration

	// DebounceInterval is how long store writes must settle before a pass
	// This batches rapid updates together
	DebounceInterval time.Duration

	// WatchStore enables the store file watcher
	WatchStore bool

	// OnPass is called after every pass
	OnPass func(PassEvent)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		WatchStore:       true,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs sync and media passes whenever something may have changed:
// the device came online, the timer fired, another process wrote to the
// store, or Kick was called.
type Daemon struct {
	db     *store.DB
	syncer Syncer
	queue  Uploader
	signal connectivity.Signal
	config *Config

	watcher     *StoreWatcher
	kicks       chan string
	lastVersion int64

	mu      sync.Mutex
	last    *PassEvent
	passes  int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a Daemon. queue may be nil when media uploads are disabled.
func New(db *store.DB, syncer Syncer, queue Uploader, signal connectivity.Signal, config *Config) (*Daemon, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if signal == nil {
		return nil, fmt.Errorf("signal cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = time.Minute
	}

	d := &Daemon{
		db:     db,
		syncer: syncer,
		queue:  queue,
		signal: signal,
		config: config,
		kicks:  make(chan string, 1),
	}

	if config.WatchStore && db.Path() != ":memory:" {
		w, err := NewStoreWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	d.config.Logger.Println("Starting daemon")

	unsubscribe := d.signal.Subscribe(func() { d.Kick(TriggerOnline) })
	defer unsubscribe()

	if d.watcher != nil {
		version, err := d.db.DataVersion(ctx)
		if err != nil {
			return fmt.Errorf("failed to read store version: %w", err)
		}
		d.lastVersion = version
		if err := d.watcher.Start(d.db.Path()); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching: %s", d.db.Path())

		d.wg.Add(1)
		go d.watchStore(ctx)
	}

	if d.config.SyncInterval > 0 {
		d.wg.Add(1)
		go d.tick(ctx)
	}

	d.Kick(TriggerStartup)

	d.wg.Add(1)
	go d.loop(ctx)

	<-ctx.Done()
	d.config.Logger.Println("Shutdown signal received")
	return d.Stop()
}

// Stop gracefully shuts down the daemon. A pass in flight completes first.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	d.config.Logger.Println("Stopping daemon")
	if cancel != nil {
		cancel()
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Kick requests a pass. Requests made while one is pending coalesce.
func (d *Daemon) Kick(trigger string) {
	select {
	case d.kicks <- trigger:
	default:
	}
}

// LastPass returns the most recent pass, or nil before the first one.
func (d *Daemon) LastPass() *PassEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return nil
	}
	ev := *d.last
	return &ev
}

// Passes returns how many passes ran.
func (d *Daemon) Passes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.passes
}

// RunPass runs a sync pass followed by a queue pass.
func (d *Daemon) RunPass(ctx context.Context, trigger string) PassEvent {
	ev := PassEvent{Trigger: trigger, StartedAt: time.Now()}

	ev.Sync = d.syncer.SyncOnce(ctx)
	if !ev.Sync.Success {
		d.config.Logger.Printf("Sync skipped (%s): %s", trigger, ev.Sync.Reason)
	}
	if d.queue != nil {
		ev.Media = d.queue.ProcessQueueOnce(ctx)
	}
	ev.FinishedAt = time.Now()

	d.mu.Lock()
	d.last = &ev
	d.passes++
	d.mu.Unlock()

	if d.config.OnPass != nil {
		d.config.OnPass(ev)
	}
	return ev
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case trigger := <-d.kicks:
			d.RunPass(context.WithoutCancel(ctx), trigger)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Kick(TriggerTimer)
		}
	}
}

// watchStore debounces store file events and kicks a pass when another
// process committed since the last check. The daemon's own writes do not
// move the data version of its connection.
func (d *Daemon) watchStore(ctx context.Context) {
	defer d.wg.Done()

	timer := time.NewTimer(d.config.DebounceInterval)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			timer.Reset(d.config.DebounceInterval)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)

		case <-timer.C:
			version, err := d.db.DataVersion(ctx)
			if err != nil {
				d.config.Logger.Printf("WARNING: %v", err)
				continue
			}
			if version != d.lastVersion {
				d.lastVersion = version
				d.Kick(TriggerWrite)
			}
		}
	}
}
