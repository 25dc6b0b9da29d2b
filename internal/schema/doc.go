// Package schema defines the record types held in the local store and pushed
// to the remote store.
//
// # Overview
//
// Three record kinds are persisted on the device:
//
//   - Form: a reusable question template made of typed fields
//   - Survey: one respondent interaction against a Form
//   - MediaJob: deferred upload work for a Survey's recorded media
//
// Every record carries a store-assigned local id that never changes and a
// canonical id that is issued by the remote store on first successful insert.
// A record without a canonical id is purely local; once assigned the canonical
// id is never rewritten.
//
// # Answers
//
// Survey answers are a map from Form field id to a tagged Answer value. The
// JSON form of an Answer is the bare primitive (string, number, bool) or an
// array of strings, so the persisted and remote payloads stay readable:
//
//	{
//	  "q_name": "Maria",
//	  "q_age": 42,
//	  "q_topics": ["health", "transport"]
//	}
//
// Answers are validated against the Form definition before they are written
// (see Form.ValidateAnswers): unknown field ids, kind mismatches and options
// outside a field's fixed list are rejected. Required fields are only enforced
// when a Survey is finalized, and fields hidden by a visibility condition are
// never required.
//
// # Survey Lifecycle
//
// Survey status is monotonic:
//
//	in_progress ──► finalized
//	     │
//	     └────────► cancelled
//
// Transition returns ErrInvalidTransition for anything else. Re-applying the
// current status is a no-op.
//
// # Media Jobs
//
// A MediaJob moves through pending → uploading → ok, falling back to error on
// upload failure. Jobs that exceed a configured attempt limit are parked in the
// dead status; with no limit configured a job retries forever.
package schema
