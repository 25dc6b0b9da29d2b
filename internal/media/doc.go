// Package media uploads recorded Survey audio in the background.
//
// Every attached payload is tracked by a MediaJob row in the local store.
// ProcessQueueOnce walks the jobs that are due, uploads each payload under a
// unique object name and patches the remote and local Survey with the
// resulting reference. A job whose Survey has no canonical id yet waits for
// the next sync pass and is rescheduled through the Backoff strategy, as are
// failed uploads. Jobs whose Survey is gone are discarded.
package media
