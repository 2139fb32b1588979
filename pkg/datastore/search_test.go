package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

type fixedEmbedder struct {
	vectors map[string][]float32
}

func (e *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0}, nil
}

func searchableSchema() Schema {
	return Schema{
		"documents": {
			Name: "documents",
			Properties: map[string]*property.Property{
				"title":     property.String("title", ""),
				"embedding": property.Vector("embedding", ""),
			},
		},
	}
}

func seededSearcher(t *testing.T, vectors []VectorConfig, configs []SearchConfig) *Searcher {
	t.Helper()
	schema := searchableSchema()
	store := NewInMemoryDatastore(schema)
	_, err := store.Create(context.Background(), "documents", []map[string]any{
		{"title": "north", "embedding": []float64{0, 1}},
		{"title": "east", "embedding": []float64{1, 0}},
	})
	require.NoError(t, err)
	return NewSearcher(store, schema, vectors, configs)
}

func TestSearcherScopedConfig(t *testing.T) {
	model := &fixedEmbedder{vectors: map[string][]float32{"which way is up": {0, 1}}}
	searcher := seededSearcher(t,
		nil,
		[]SearchConfig{{
			Collection: "documents",
			Retriever:  RetrieverConfig{Model: model, Metric: MetricCosine, Column: "embedding"},
		}},
	)

	results, err := searcher.Search(context.Background(), "documents", "which way is up", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "north", results[0].Values["title"])
}

func TestSearcherUniversalConfigAndInferredColumn(t *testing.T) {
	model := &fixedEmbedder{vectors: map[string][]float32{"sunrise": {1, 0}}}
	// No column anywhere; the single vector property is inferred.
	searcher := seededSearcher(t,
		nil,
		[]SearchConfig{{Retriever: RetrieverConfig{Model: model, Metric: MetricCosine}}},
	)

	results, err := searcher.Search(context.Background(), "documents", "sunrise", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "east", results[0].Values["title"])
}

func TestSearcherVectorConfigSuppliesModel(t *testing.T) {
	model := &fixedEmbedder{vectors: map[string][]float32{"sunrise": {1, 0}}}
	searcher := seededSearcher(t,
		[]VectorConfig{{Collection: "documents", Column: "embedding", Model: model}},
		nil,
	)

	results, err := searcher.Search(context.Background(), "documents", "sunrise", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "east", results[0].Values["title"])
}

func TestSearcherAmbiguityIsFatal(t *testing.T) {
	model := &fixedEmbedder{}

	searcher := seededSearcher(t, nil, []SearchConfig{
		{Collection: "documents", Retriever: RetrieverConfig{Model: model}},
		{Collection: "documents", Retriever: RetrieverConfig{Model: model}},
	})
	_, err := searcher.Search(context.Background(), "documents", "q", 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search configs match")

	searcher = seededSearcher(t, []VectorConfig{
		{Column: "embedding", Model: model},
		{Column: "embedding", Model: model},
	}, nil)
	_, err = searcher.Search(context.Background(), "documents", "q", 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "universal vector configs")
}

func TestSearcherMultipleVectorColumnsNeedDisambiguation(t *testing.T) {
	schema := Schema{
		"documents": {
			Name: "documents",
			Properties: map[string]*property.Property{
				"a": property.Vector("a", ""),
				"b": property.Vector("b", ""),
			},
		},
	}
	store := NewInMemoryDatastore(schema)
	searcher := NewSearcher(store, schema, nil,
		[]SearchConfig{{Retriever: RetrieverConfig{Model: &fixedEmbedder{}}}})

	_, err := searcher.Search(context.Background(), "documents", "q", 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no config selects one")
}

func TestSearcherRequiresModel(t *testing.T) {
	searcher := seededSearcher(t, nil, nil)
	_, err := searcher.Search(context.Background(), "documents", "q", 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding model")
}
