package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LexicalEmbedder implements pure Go lexical embeddings via feature hashing.
//
// It is the CPU fallback used when no inference server answers: tokenize,
// count term frequencies, hash each term to a fixed dimension with a
// sign hash to spread collisions, weight by log-scaled frequency, and L2
// normalize for cosine similarity compatibility.
//
// Unlike a neural model it captures no semantics, only lexical overlap, but
// it is deterministic: the same text always produces the same vector,
// regardless of what was embedded before.
type LexicalEmbedder struct {
	dimensions int
}

// LexicalConfig configures the lexical embedder.
type LexicalConfig struct {
	// Dimensions is the output embedding dimension (default: 384, matching
	// common neural embedding models).
	Dimensions int
}

// NewLexicalEmbedder creates a new feature-hashing embedder.
func NewLexicalEmbedder(cfg LexicalConfig) *LexicalEmbedder {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	return &LexicalEmbedder{dimensions: cfg.Dimensions}
}

// Generate creates lexical embeddings for the given texts.
func (l *LexicalEmbedder) Generate(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if i%64 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		embeddings[i] = l.embed(text)
	}
	return embeddings, nil
}

func (l *LexicalEmbedder) embed(text string) []float32 {
	vector := make([]float32, l.dimensions)

	termFreq := make(map[string]int)
	for _, token := range Tokenize(text) {
		termFreq[token]++
	}

	for term, tf := range termFreq {
		dim, sign := l.hashTerm(term)
		weight := 1 + math.Log(float64(tf))
		vector[dim] += sign * float32(weight)
	}

	l2Normalize(vector)
	return vector
}

// hashTerm maps a term to a dimension and a sign using FNV-1a.
func (l *LexicalEmbedder) hashTerm(term string) (int, float32) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	sum := h.Sum32()
	dim := int(sum % uint32(l.dimensions))
	sign := float32(1)
	if (sum>>31)&1 == 1 {
		sign = -1
	}
	return dim, sign
}

// Dimensions returns the dimensionality of embeddings produced.
func (l *LexicalEmbedder) Dimensions() int {
	return l.dimensions
}

// Model returns the model identifier.
func (l *LexicalEmbedder) Model() string {
	return "lexical-hash-v1"
}

// Close releases resources (no-op).
func (l *LexicalEmbedder) Close() error {
	return nil
}

// Tokenize lowercases text and splits it on non-alphanumeric runes. The
// sandbox runtime also serves this directly for tokenize requests.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// l2Normalize normalizes vector to unit length in place.
func l2Normalize(vector []float32) {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v * v)
	}
	if sumSquares == 0 {
		return // Zero vector
	}
	norm := math.Sqrt(sumSquares)
	for i := range vector {
		vector[i] /= float32(norm)
	}
}

// CosineSimilarity computes the cosine similarity between two vectors.
//
// Returns a value between -1 and 1, where 1 means the vectors are
// identical and 0 means they are orthogonal. Mismatched or empty vectors
// score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0.0 || magB == 0.0 {
		return 0.0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
