// Package checkpoint persists serialized index snapshots in a JetStream
// KV bucket so the sandbox index survives session recreation and process
// restarts. The blob inside a snapshot is opaque; only the sandbox that
// produced it can interpret it.
package checkpoint

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/embedbridge/errors"
	"github.com/c360/embedbridge/protocol"
)

// DefaultBucket is the KV bucket holding bridge checkpoints.
const DefaultBucket = "embedbridge_checkpoints"

const latestKey = "latest"

// Snapshot is one persisted index state plus the context needed to judge
// whether it is still loadable: a snapshot from a different model cannot
// be restored into the current index.
type Snapshot struct {
	SessionID  string           `json:"session_id"`
	Backend    protocol.Backend `json:"backend"`
	Model      string           `json:"model"`
	Dimensions int              `json:"dimensions"`
	IndexSize  int              `json:"index_size"`
	Blob       []byte           `json:"blob"`
	SavedAt    time.Time        `json:"saved_at"`
}

// Bucket is the slice of jetstream.KeyValue the store needs.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// Store reads and writes snapshots in a KV bucket. The latest snapshot
// lives under a fixed key; bucket history provides recovery depth.
type Store struct {
	bucket Bucket
}

// NewStore wraps an existing bucket.
func NewStore(bucket Bucket) (*Store, error) {
	if bucket == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "checkpoint", "NewStore", "nil bucket")
	}
	return &Store{bucket: bucket}, nil
}

// Save persists a snapshot as the latest checkpoint. Last writer wins;
// concurrent bridges checkpointing the same bucket is a deployment
// mistake, not a race this layer arbitrates.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	if len(snap.Blob) == 0 {
		return errors.WrapInvalid(errors.ErrEmptyInput, "checkpoint", "Save", "snapshot blob")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.WrapFatal(err, "checkpoint", "Save", "marshal snapshot")
	}
	if _, err := s.bucket.Put(ctx, latestKey, data); err != nil {
		return errors.WrapTransient(err, "checkpoint", "Save", "put in KV")
	}
	return nil
}

// LoadLatest returns the most recent snapshot, or ErrNoCheckpoint when
// none has been saved.
func (s *Store) LoadLatest(ctx context.Context) (Snapshot, error) {
	entry, err := s.bucket.Get(ctx, latestKey)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return Snapshot{}, errors.ErrNoCheckpoint
		}
		return Snapshot{}, errors.WrapTransient(err, "checkpoint", "LoadLatest", "get from KV")
	}

	var snap Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return Snapshot{}, errors.WrapApplication(errors.ErrBlobCorrupted, "checkpoint", "LoadLatest", "decode snapshot")
	}
	if len(snap.Blob) == 0 {
		return Snapshot{}, errors.WrapApplication(errors.ErrBlobCorrupted, "checkpoint", "LoadLatest", "empty blob")
	}
	return snap, nil
}

// Compatible reports whether the snapshot can be restored into a session
// using the given model and vector width.
func (snap Snapshot) Compatible(model string, dimensions int) bool {
	return snap.Model == model && snap.Dimensions == dimensions
}

// Clear removes the latest checkpoint.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.bucket.Delete(ctx, latestKey); err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "checkpoint", "Clear", "delete from KV")
	}
	return nil
}
