package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/embedbridge/errors"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := NewIndex()
	require.NoError(t, err)
	return ix
}

func TestIndex_AddAndSearch(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, "doc1", []float32{1, 0, 0}, "First", "https://example.com/1"))
	require.NoError(t, ix.Add(ctx, "doc2", []float32{0, 1, 0}, "Second", ""))

	matches, err := ix.Search(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc1", matches[0].ID)
	assert.Equal(t, "First", matches[0].Title)
	assert.Equal(t, "https://example.com/1", matches[0].SourceURL)
	assert.InDelta(t, 1.0, float64(matches[0].Score), 1e-5)
}

func TestIndex_SearchScoresNonIncreasing(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, "a", []float32{1, 0, 0}, "", ""))
	require.NoError(t, ix.Add(ctx, "b", []float32{0.9, 0.1, 0}, "", ""))
	require.NoError(t, ix.Add(ctx, "c", []float32{0, 0, 1}, "", ""))

	matches, err := ix.Search(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score,
			"scores must be non-increasing")
	}
	assert.Equal(t, "a", matches[0].ID)
}

func TestIndex_SearchLimit(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	for i, v := range [][]float32{{1, 0}, {0.8, 0.2}, {0.5, 0.5}, {0, 1}} {
		require.NoError(t, ix.Add(ctx, string(rune('a'+i)), v, "", ""))
	}

	matches, err := ix.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	// Limit above the record count clamps instead of erroring.
	matches, err = ix.Search(ctx, []float32{1, 0}, 100)
	require.NoError(t, err)
	assert.Len(t, matches, 4)
}

func TestIndex_TiedScoresRankDeterministically(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	// Both records sit at the same angle to the query, so their
	// similarities are identical and the limit cuts through the tie.
	require.NoError(t, ix.Add(ctx, "b", []float32{0, 1, 0}, "", ""))
	require.NoError(t, ix.Add(ctx, "a", []float32{1, 0, 0}, "", ""))
	query := []float32{0.7071, 0.7071, 0}

	for i := 0; i < 50; i++ {
		matches, err := ix.Search(ctx, query, 1)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a", matches[0].ID, "tied records must rank by ID")
	}

	matches, err := ix.Search(ctx, query, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "b", matches[1].ID)
	assert.Equal(t, matches[0].Score, matches[1].Score)
}

func TestIndex_EmptySearchReturnsEmpty(t *testing.T) {
	ix := newTestIndex(t)
	matches, err := ix.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_DimensionMismatch(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, "doc1", []float32{1, 0, 0}, "", ""))

	err := ix.Add(ctx, "doc2", []float32{1, 0}, "", "")
	require.Error(t, err)
	assert.True(t, errors.IsApplication(err), "dimension mismatch must be an application error")
	assert.ErrorIs(t, err, errors.ErrDimensionWidth)

	_, err = ix.Search(ctx, []float32{1, 0}, 1)
	require.Error(t, err)
	assert.True(t, errors.IsApplication(err))
}

func TestIndex_UpsertByID(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, "doc1", []float32{1, 0}, "old", ""))
	require.NoError(t, ix.Add(ctx, "doc1", []float32{0, 1}, "new", ""))
	assert.Equal(t, 1, ix.Count())

	matches, err := ix.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new", matches[0].Title)
}

func TestIndex_InvalidInputs(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	assert.Error(t, ix.Add(ctx, "", []float32{1}, "", ""))
	assert.Error(t, ix.Add(ctx, "id", nil, "", ""))
	_, err := ix.Search(ctx, []float32{1}, 0)
	assert.Error(t, err)
}

func TestIndex_SerializeLoadRoundTrip(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	// alpha and beta tie exactly on the diagonal query, so the round trip
	// must reproduce the tie-break as well as the score ordering.
	docs := map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
		"gamma": {0.7, 0.7, 0},
	}
	for id, v := range docs {
		require.NoError(t, ix.Add(ctx, id, v, "t-"+id, "u-"+id))
	}

	queries := [][]float32{{1, 0, 0}, {0, 1, 0}, {0.5, 0.5, 0}, {0.7071, 0.7071, 0}}
	var before [][]string
	for _, q := range queries {
		m, err := ix.Search(ctx, q, 3)
		require.NoError(t, err)
		ids := make([]string, len(m))
		for i, match := range m {
			ids[i] = match.ID
		}
		before = append(before, ids)
	}

	blob, err := ix.Serialize()
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	restored := newTestIndex(t)
	require.NoError(t, restored.Load(blob))
	assert.Equal(t, 3, restored.Count())

	for i, q := range queries {
		m, err := restored.Search(ctx, q, 3)
		require.NoError(t, err)
		ids := make([]string, len(m))
		for j, match := range m {
			ids[j] = match.ID
		}
		assert.Equal(t, before[i], ids, "restored index must rank query %d identically", i)
	}

	// Restored width is still enforced.
	err = restored.Add(ctx, "delta", []float32{1, 2}, "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDimensionWidth)
}

func TestIndex_LoadRejectsGarbage(t *testing.T) {
	ix := newTestIndex(t)

	err := ix.Load([]byte("definitely not an index"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBlobCorrupted)

	assert.Error(t, ix.Load(nil))
}
