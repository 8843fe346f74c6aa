// Package vector is the host-side client for the similarity index that
// lives inside the sandbox. The index itself is sandbox state: it dies
// with the session unless a serialized snapshot is persisted and loaded
// back. All operations are RPC calls; the vectors never live on the host.
package vector

import (
	"context"
	"encoding/json"

	"github.com/c360/embedbridge/errors"
	"github.com/c360/embedbridge/protocol"
)

// Caller performs one sandbox RPC with readiness handling and the shared
// transport retry policy. *rpc.Channel satisfies it.
type Caller interface {
	Call(ctx context.Context, typ protocol.RequestType, payload any) (json.RawMessage, error)
}

// Record is one entry in the index.
type Record struct {
	ID        string
	Embedding []float32
	Title     string
	SourceURL string
}

// Client issues index operations against the live sandbox session.
type Client struct {
	caller Caller
}

// NewClient builds a client over the given RPC caller.
func NewClient(c Caller) *Client {
	return &Client{caller: c}
}

// Add inserts or replaces one record. The sandbox rejects a vector whose
// width differs from the width the index was pinned to by its first
// insert; that rejection surfaces verbatim as ErrDimensionWidth.
func (c *Client) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.WrapInvalid(errors.ErrEmptyInput, "vector.Client", "Add", "record id")
	}
	if len(rec.Embedding) == 0 {
		return errors.WrapInvalid(errors.ErrEmptyInput, "vector.Client", "Add", "record embedding")
	}

	_, err := c.caller.Call(ctx, protocol.TypeVectorAdd, protocol.VectorAddPayload{
		ID:        rec.ID,
		Embedding: rec.Embedding,
		Title:     rec.Title,
		SourceURL: rec.SourceURL,
	})
	return err
}

// Search returns up to limit records most similar to the query embedding,
// sorted by descending score. An empty index yields an empty slice, not
// an error.
func (c *Client) Search(ctx context.Context, embedding []float32, limit int) ([]protocol.Match, error) {
	if len(embedding) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyInput, "vector.Client", "Search", "query embedding")
	}
	if limit <= 0 {
		limit = 10
	}

	data, err := c.caller.Call(ctx, protocol.TypeVectorSearch, protocol.VectorSearchPayload{
		Embedding: embedding,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	var res protocol.SearchResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.WrapInvalid(err, "vector.Client", "Search", "decode result")
	}
	return res.Matches, nil
}

// Serialize exports the index as an opaque blob suitable for the
// checkpoint store. The blob's format belongs to the sandbox; the host
// only moves it around.
func (c *Client) Serialize(ctx context.Context) ([]byte, error) {
	data, err := c.caller.Call(ctx, protocol.TypeVectorSerialize, nil)
	if err != nil {
		return nil, err
	}

	var res protocol.SerializeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.WrapInvalid(err, "vector.Client", "Serialize", "decode result")
	}
	return res.Blob, nil
}

// Load replaces the sandbox index with a previously serialized snapshot.
// A corrupted blob surfaces as ErrBlobCorrupted and leaves the running
// index untouched.
func (c *Client) Load(ctx context.Context, blob []byte) error {
	if len(blob) == 0 {
		return errors.WrapInvalid(errors.ErrEmptyInput, "vector.Client", "Load", "snapshot blob")
	}

	_, err := c.caller.Call(ctx, protocol.TypeVectorLoad, protocol.VectorLoadPayload{Blob: blob})
	return err
}
