// Package daemon keeps a device's local store converging with the remote
// store without user action.
//
// # Architecture
//
// The daemon owns no sync logic of its own. It decides when to run a pass
// and delegates the work:
//
//   - Syncer: pushes Forms and Surveys (internal/sync)
//   - Uploader: drains the media queue (internal/media)
//   - StoreWatcher: fsnotify-based monitoring of the store files
//
// A pass is requested by any of these triggers:
//
//	startup       once, when Start is called
//	online        the connectivity signal went from offline to online
//	timer         every SyncInterval
//	local-write   another process (the CLI) committed to the store
//	manual        Kick was called
//
// Requests coalesce: while a pass is pending, further requests are dropped,
// and only one pass runs at a time. Each pass runs SyncOnce and then
// ProcessQueueOnce, so media jobs see the canonical ids assigned just
// before them.
//
// # Store Watching
//
// SQLite commits touch the database, its -wal or its -journal file. The
// watcher reports those events, the daemon waits for DebounceInterval of
// quiet and then compares PRAGMA data_version with the last value it saw.
// Only a changed version kicks a pass, which filters out the daemon's own
// writes.
//
//	d, err := daemon.New(db, orchestrator, queue, probe, daemon.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Shutdown
//
// Cancelling the context passed to Start, or calling Stop, stops the
// triggers and waits for a pass in flight to finish.
package daemon
