// Package remote defines the contract fieldsync uses to talk to the central
// store, and ships three implementations of it:
//
//   - Memory keeps everything in process. Tests and the load generator use it,
//     with optional failure injection.
//   - SQL writes to any database/sql backend. Production deployments point it
//     at a libSQL/Turso database.
//   - HTTP speaks the REST contract served by the server subpackage.
//
// Records are addressed by kind and canonical id. The remote store issues the
// canonical id on insert; update merges the given columns into the stored
// record (last write wins per column); delete removes it. Blobs are stored
// under a bucket and name and resolve to a public URL.
//
// Every failure is retryable except ErrNotFound, which callers treat as
// success when deleting.
package remote

import (
	"context"

	"github.com/contavoto/fieldsync/internal/schema"
)

// Store is the remote store contract.
type Store interface {
	// Insert creates a record and returns the canonical id issued for it.
	Insert(ctx context.Context, kind schema.Kind, fields map[string]any) (string, error)

	// Update merges fields into the record with the given canonical id.
	Update(ctx context.Context, kind schema.Kind, id string, fields map[string]any) error

	// Delete removes the record. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, kind schema.Kind, id string) error

	// UploadBlob stores payload and returns a publicly resolvable reference.
	UploadBlob(ctx context.Context, bucket, name string, payload []byte, contentType string) (string, error)
}

// BlobReader is implemented by stores that can serve uploaded blobs back.
type BlobReader interface {
	ReadBlob(ctx context.Context, bucket, name string) (payload []byte, contentType string, err error)
}

// Op names a Store operation, used in errors and failure injection.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpUpload Op = "upload"
)
