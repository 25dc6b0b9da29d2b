// Package sync pushes locally captured Forms and Surveys to the remote store.
//
// # Overview
//
// Field devices record survey data into a local SQLite store while offline.
// The Orchestrator reconciles that store with the remote store whenever the
// device is online: every record flagged unsynchronized is inserted, updated
// or deleted remotely, and the local row is flagged synchronized once the
// remote write succeeded.
//
// # Architecture
//
// A pass walks an ordered list of Steps, one per entity kind:
//
//	Forms ──► Surveys
//
// Surveys reference their Form's canonical id, so Forms always go first.
// Within a step each record is handled on its own:
//
//   - tombstoned with a canonical id: remote delete, then local hard delete
//   - canonical id present: remote update with the current local fields
//   - no canonical id: remote insert, the returned id is stored locally
//
// A Survey whose Form has not been assigned a canonical id yet is skipped
// until a later pass.
//
// # Usage
//
//	orch := sync.New(sync.Config{
//		Store:  db,
//		Remote: remoteStore,
//		Signal: connectivity.NewManual(true),
//	})
//	res := orch.SyncOnce(ctx)
//	if !res.Success {
//		log.Printf("sync skipped: %s", res.Reason)
//	}
//
// # Error Handling
//
// A failing record never aborts the pass. Its sync_attempts counter and
// last_error column are updated, a warning is logged and the error is added
// to the pass Report. Success in the Result means the pass ran, not that
// every record made it.
//
// # Concurrency
//
// SyncOnce is single-flight per Orchestrator: a call that finds a pass
// running returns immediately with Reason set. Every remote call is bounded
// by CallTimeout. Edits made to a record while its remote write is in flight
// keep the record unsynchronized so the next pass pushes them.
package sync
