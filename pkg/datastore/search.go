package datastore

import (
	"context"
	"fmt"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// Metric selects the distance function for nearest-neighbour search.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// EmbeddingModel turns query text into the vector space a collection was
// indexed with.
type EmbeddingModel interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorConfig binds an embedding model to a vector column. An empty
// Collection makes the binding universal: it applies to any collection that
// has the column.
type VectorConfig struct {
	Collection string
	Column     string
	Model      EmbeddingModel
}

// RetrieverConfig describes how queries are executed: which model embeds
// them, which metric ranks, and optionally which column to rank on.
type RetrieverConfig struct {
	Model  EmbeddingModel
	Metric Metric
	Column string
}

// SearchConfig scopes a retriever to a collection. An empty Collection
// makes the config the fallback for every collection.
type SearchConfig struct {
	Retriever  RetrieverConfig
	Collection string
}

// Searcher resolves which model, metric, and column serve a query against a
// given collection, then delegates ranking to the store.
//
// Resolution priority for the search config: an explicit collection match,
// then a collection-less config. For the column: the retriever's own
// column, then a VectorConfig bound to the collection, then a universal
// VectorConfig, then the single vector-kind property of the entity. More
// than one candidate at any tier with no disambiguator is an error.
type Searcher struct {
	store   VectorSearcher
	schema  Schema
	vectors []VectorConfig
	configs []SearchConfig
}

func NewSearcher(store VectorSearcher, schema Schema, vectors []VectorConfig, configs []SearchConfig) *Searcher {
	return &Searcher{store: store, schema: schema, vectors: vectors, configs: configs}
}

// Search embeds the query and returns the k closest rows of the collection
// that satisfy where.
func (s *Searcher) Search(ctx context.Context, collection, query string, k int, where map[string]any) ([]SearchResult, error) {
	model, metric, column, err := s.resolve(collection)
	if err != nil {
		return nil, err
	}
	vector, err := model.Embed(ctx, query)
	if err != nil {
		return nil, newError("search", collection, fmt.Errorf("embedding query: %w", err))
	}
	return s.store.SearchVectors(ctx, collection, column, vector, k, metric, where)
}

func (s *Searcher) resolve(collection string) (EmbeddingModel, Metric, string, error) {
	cfg, err := s.resolveConfig(collection)
	if err != nil {
		return nil, "", "", err
	}

	column := ""
	var columnModel EmbeddingModel
	if cfg != nil && cfg.Retriever.Column != "" {
		column = cfg.Retriever.Column
	} else {
		column, columnModel, err = s.resolveColumn(collection)
		if err != nil {
			return nil, "", "", err
		}
	}

	var model EmbeddingModel
	if cfg != nil && cfg.Retriever.Model != nil {
		model = cfg.Retriever.Model
	} else {
		model = columnModel
	}
	if model == nil {
		return nil, "", "", newError("search", collection, fmt.Errorf("no embedding model configured"))
	}

	metric := MetricCosine
	if cfg != nil && cfg.Retriever.Metric != "" {
		metric = cfg.Retriever.Metric
	}
	return model, metric, column, nil
}

func (s *Searcher) resolveConfig(collection string) (*SearchConfig, error) {
	var scoped, universal []*SearchConfig
	for i := range s.configs {
		cfg := &s.configs[i]
		switch cfg.Collection {
		case collection:
			scoped = append(scoped, cfg)
		case "":
			universal = append(universal, cfg)
		}
	}
	if len(scoped) > 1 {
		return nil, newError("search", collection, fmt.Errorf("%d search configs match the collection; keep one", len(scoped)))
	}
	if len(scoped) == 1 {
		return scoped[0], nil
	}
	if len(universal) > 1 {
		return nil, newError("search", collection, fmt.Errorf("%d universal search configs; scope them to collections", len(universal)))
	}
	if len(universal) == 1 {
		return universal[0], nil
	}
	return nil, nil
}

func (s *Searcher) resolveColumn(collection string) (string, EmbeddingModel, error) {
	var scoped, universal []*VectorConfig
	for i := range s.vectors {
		cfg := &s.vectors[i]
		switch cfg.Collection {
		case collection:
			scoped = append(scoped, cfg)
		case "":
			universal = append(universal, cfg)
		}
	}
	if len(scoped) > 1 {
		return "", nil, newError("search", collection, fmt.Errorf("%d vector configs bound to the collection; keep one", len(scoped)))
	}
	if len(scoped) == 1 {
		return scoped[0].Column, scoped[0].Model, nil
	}
	if len(universal) > 1 {
		return "", nil, newError("search", collection, fmt.Errorf("%d universal vector configs; scope them to collections", len(universal)))
	}
	if len(universal) == 1 {
		return universal[0].Column, universal[0].Model, nil
	}

	entity, ok := s.schema[collection]
	if !ok {
		return "", nil, newError("search", collection, fmt.Errorf("unknown collection"))
	}
	var candidates []string
	for name, prop := range entity.Properties {
		if prop.Kind == property.KindVector {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 0:
		return "", nil, newError("search", collection, fmt.Errorf("collection has no vector column"))
	case 1:
		return candidates[0], nil, nil
	default:
		return "", nil, newError("search", collection,
			fmt.Errorf("collection has %d vector columns and no config selects one", len(candidates)))
	}
}
