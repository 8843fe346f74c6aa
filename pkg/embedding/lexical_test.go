package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"simple", "hello world", []string{"hello", "world"}},
		{"mixed case", "Hello World", []string{"hello", "world"}},
		{"punctuation", "don't panic, okay?", []string{"don", "t", "panic", "okay"}},
		{"digits", "version 2 of gpt4", []string{"version", "2", "of", "gpt4"}},
		{"empty", "", nil},
		{"only punctuation", "!!! ...", nil},
		{"unicode", "café über", []string{"café", "über"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Tokenize(test.input))
		})
	}
}

func TestLexicalEmbedder_Deterministic(t *testing.T) {
	e := NewLexicalEmbedder(LexicalConfig{})

	v1, err := e.Generate(context.Background(), []string{"the quick brown fox"})
	require.NoError(t, err)
	v2, err := e.Generate(context.Background(), []string{"the quick brown fox"})
	require.NoError(t, err)

	assert.Equal(t, v1, v2, "same text must produce identical vectors")
}

func TestLexicalEmbedder_Dimensions(t *testing.T) {
	e := NewLexicalEmbedder(LexicalConfig{Dimensions: 128})
	assert.Equal(t, 128, e.Dimensions())

	vecs, err := e.Generate(context.Background(), []string{"a", "b c d"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	for _, v := range vecs {
		assert.Len(t, v, 128)
	}

	// Default dimensions
	assert.Equal(t, 384, NewLexicalEmbedder(LexicalConfig{}).Dimensions())
}

func TestLexicalEmbedder_UnitLength(t *testing.T) {
	e := NewLexicalEmbedder(LexicalConfig{})
	vecs, err := e.Generate(context.Background(), []string{"some reasonably long text with several words"})
	require.NoError(t, err)

	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-5, "vector should be L2 normalized")
}

func TestLexicalEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	e := NewLexicalEmbedder(LexicalConfig{})
	vecs, err := e.Generate(context.Background(), []string{
		"the cat sat on the mat",
		"the cat sat on a mat",
		"quantum chromodynamics lattice simulation",
	})
	require.NoError(t, err)

	near := CosineSimilarity(vecs[0], vecs[1])
	far := CosineSimilarity(vecs[0], vecs[2])
	assert.Greater(t, near, far, "lexically overlapping texts should be more similar")
}

func TestLexicalEmbedder_EmptyInputs(t *testing.T) {
	e := NewLexicalEmbedder(LexicalConfig{})

	vecs, err := e.Generate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)

	vecs, err = e.Generate(context.Background(), []string{""})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Len(t, vecs[0], 384) // zero vector, correct width
}

func TestLexicalEmbedder_ContextCancellation(t *testing.T) {
	e := NewLexicalEmbedder(LexicalConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Generate(ctx, []string{"text"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}), "mismatched widths score zero")
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestLexicalEmbedder_Metadata(t *testing.T) {
	e := NewLexicalEmbedder(LexicalConfig{})
	assert.Equal(t, "lexical-hash-v1", e.Model())
	assert.NoError(t, e.Close())
}
