// Package embedding provides the embedders the sandbox runtime hosts: an
// HTTP client for a local OpenAI-compatible inference server, and a pure-Go
// lexical fallback for when no server answers.
package embedding

import "context"

// Embedder generates vector embeddings for text.
//
// Implementations can use different providers (HTTP APIs, lexical hashing)
// while maintaining a consistent interface. All providers support batch
// operations natively.
type Embedder interface {
	// Generate creates embeddings for the given texts.
	//
	// For a single text, pass a slice with one element. Returns one
	// fixed-length vector per input, in input order.
	Generate(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings produced by
	// this embedder.
	Dimensions() int

	// Model returns the model identifier used by this embedder.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}
