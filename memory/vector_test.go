package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIndex(t *testing.T) *VectorIndex {
	t.Helper()
	return NewVectorIndex(NewHashingEmbedder(128), nil)
}

func TestVectorIndexAddAssignsID(t *testing.T) {
	x := newIndex(t)
	id, err := x.Add(context.Background(), "", "acme builds reusable rockets", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, x.Len())
}

func TestVectorIndexAddIdempotentOnID(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	_, err := x.Add(ctx, "kb-1", "first version", nil)
	require.NoError(t, err)
	_, err = x.Add(ctx, "kb-1", "second version", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, x.Len())
	passages, err := x.Search(ctx, "version", 1)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "second version", passages[0].Text)
}

func TestVectorIndexAddRejectsEmptyText(t *testing.T) {
	x := newIndex(t)
	_, err := x.Add(context.Background(), "kb-1", "", nil)
	assert.Error(t, err)
}

func TestVectorIndexSearchRanksByRelevance(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	_, err := x.Add(ctx, "rockets", "acme builds reusable orbital rockets for cargo", nil)
	require.NoError(t, err)
	_, err = x.Add(ctx, "bakery", "the corner bakery sells sourdough bread", nil)
	require.NoError(t, err)

	passages, err := x.Search(ctx, "orbital rockets cargo", 2)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "rockets", passages[0].ID)
	assert.Greater(t, passages[0].Score, passages[1].Score)
}

func TestVectorIndexSearchTieBreaksMostRecentFirst(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	// Identical text scores identically; the later addition must rank first.
	_, err := x.Add(ctx, "older", "identical passage text", nil)
	require.NoError(t, err)
	_, err = x.Add(ctx, "newer", "identical passage text", nil)
	require.NoError(t, err)

	passages, err := x.Search(ctx, "identical passage text", 2)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "newer", passages[0].ID)
	assert.Equal(t, "older", passages[1].ID)
}

func TestVectorIndexSearchBoundsK(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	_, err := x.Add(ctx, "only", "a single passage", nil)
	require.NoError(t, err)

	passages, err := x.Search(ctx, "passage", 10)
	require.NoError(t, err)
	assert.Len(t, passages, 1)

	passages, err = x.Search(ctx, "passage", 0)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestVectorIndexSearchDeterministic(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	texts := []string{
		"alpha rockets and engines",
		"beta rockets and fuel",
		"gamma satellites and orbits",
		"delta rockets and landing",
	}
	for i, text := range texts {
		_, err := x.Add(ctx, texts[i][:5], text, nil)
		require.NoError(t, err)
	}

	first, err := x.Search(ctx, "rockets", 3)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := x.Search(ctx, "rockets", 3)
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].ID, again[j].ID)
		}
	}
}

func TestVectorIndexMetadataIsolated(t *testing.T) {
	x := newIndex(t)
	ctx := context.Background()

	meta := map[string]any{"source": "crm"}
	_, err := x.Add(ctx, "kb-1", "passage with metadata", meta)
	require.NoError(t, err)

	meta["source"] = "mutated"
	passages, err := x.Search(ctx, "metadata", 1)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "crm", passages[0].Metadata["source"])
}

func TestHashingEmbedderDeterministic(t *testing.T) {
	e := NewHashingEmbedder(64)
	a, err := e.Embed(context.Background(), "Acme builds rockets.")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "acme builds rockets")
	require.NoError(t, err)
	assert.Equal(t, a, b, "case and trailing punctuation must not change the vector")
	assert.Len(t, a, 64)
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	assert.Zero(t, cosineSimilarity(nil, nil))
	assert.Zero(t, cosineSimilarity([]float64{1, 0}, []float64{0, 0}))
	assert.Zero(t, cosineSimilarity([]float64{1, 0}, []float64{1}))
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
}
