package remote

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contavoto/fieldsync/internal/schema"
)

// FailFunc decides whether a Memory call fails. Returning a non-nil error
// makes the call fail with it before any state changes.
type FailFunc func(op Op, kind schema.Kind, id string, fields map[string]any) error

// MemoryConfig configures a Memory store.
type MemoryConfig struct {
	// PublicURL prefixes blob references (default "memory://blobs")
	PublicURL string
	// Latency is added to every call
	Latency time.Duration
	// Fail injects failures (nil = never fail)
	Fail FailFunc
}

type blob struct {
	data        []byte
	contentType string
}

// Memory is an in-process Store.
type Memory struct {
	config MemoryConfig

	mu      sync.RWMutex
	records map[schema.Kind]map[string]map[string]any
	blobs   map[string]blob
	calls   map[Op]int
}

// NewMemory creates an empty in-memory store.
func NewMemory(config MemoryConfig) *Memory {
	if config.PublicURL == "" {
		config.PublicURL = "memory://blobs"
	}
	return &Memory{
		config:  config,
		records: make(map[schema.Kind]map[string]map[string]any),
		blobs:   make(map[string]blob),
		calls:   make(map[Op]int),
	}
}

// SetFail replaces the failure injector.
func (m *Memory) SetFail(fn FailFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Fail = fn
}

func (m *Memory) begin(ctx context.Context, op Op, kind schema.Kind, id string, fields map[string]any) error {
	m.mu.Lock()
	m.calls[op]++
	fail := m.config.Fail
	m.mu.Unlock()

	if m.config.Latency > 0 {
		select {
		case <-time.After(m.config.Latency):
		case <-ctx.Done():
			return &Error{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())}
		}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	}
	if fail != nil {
		if err := fail(op, kind, id, fields); err != nil {
			return &Error{Op: op, Kind: kind, ID: id, Err: err}
		}
	}
	return nil
}

// Insert stores a copy of fields under a new UUID.
func (m *Memory) Insert(ctx context.Context, kind schema.Kind, fields map[string]any) (string, error) {
	if err := m.begin(ctx, OpInsert, kind, "", fields); err != nil {
		return "", err
	}

	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[kind] == nil {
		m.records[kind] = make(map[string]map[string]any)
	}
	rec := maps.Clone(fields)
	if rec == nil {
		rec = make(map[string]any)
	}
	m.records[kind][id] = rec
	return id, nil
}

// Update merges fields into an existing record.
func (m *Memory) Update(ctx context.Context, kind schema.Kind, id string, fields map[string]any) error {
	if err := m.begin(ctx, OpUpdate, kind, id, fields); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[kind][id]
	if !ok {
		return &Error{Op: OpUpdate, Kind: kind, ID: id, Err: ErrNotFound}
	}
	maps.Copy(rec, fields)
	return nil
}

// Delete removes a record.
func (m *Memory) Delete(ctx context.Context, kind schema.Kind, id string) error {
	if err := m.begin(ctx, OpDelete, kind, id, nil); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[kind][id]; !ok {
		return &Error{Op: OpDelete, Kind: kind, ID: id, Err: ErrNotFound}
	}
	delete(m.records[kind], id)
	return nil
}

// UploadBlob stores payload and returns PublicURL/bucket/name.
func (m *Memory) UploadBlob(ctx context.Context, bucket, name string, payload []byte, contentType string) (string, error) {
	if err := m.begin(ctx, OpUpload, "", bucket+"/"+name, nil); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[bucket+"/"+name] = blob{data: append([]byte(nil), payload...), contentType: contentType}
	return fmt.Sprintf("%s/%s/%s", m.config.PublicURL, bucket, name), nil
}

// ReadBlob returns a stored blob.
func (m *Memory) ReadBlob(_ context.Context, bucket, name string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[bucket+"/"+name]
	if !ok {
		return nil, "", &Error{Op: OpUpload, ID: bucket + "/" + name, Err: ErrNotFound}
	}
	return append([]byte(nil), b.data...), b.contentType, nil
}

// Get returns a copy of a stored record.
func (m *Memory) Get(kind schema.Kind, id string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[kind][id]
	if !ok {
		return nil, false
	}
	return maps.Clone(rec), true
}

// Count returns the number of records of a kind.
func (m *Memory) Count(kind schema.Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[kind])
}

// BlobCount returns the number of stored blobs.
func (m *Memory) BlobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}
