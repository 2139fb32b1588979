package datastore

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// InMemoryDatastore keeps rows in schema-typed maps guarded by one mutex.
// Cosine search is served by an embedded chromem index maintained alongside
// the rows; L2 falls back to a brute-force scan. Filter predicates are
// applied before nearest-neighbour ranking on both paths.
type InMemoryDatastore struct {
	schema Schema

	mu   sync.RWMutex
	rows map[string][]*memoryRow

	index       *chromem.DB
	collections map[string]*chromem.Collection
}

type memoryRow struct {
	id     string
	values map[string]any
}

func NewInMemoryDatastore(schema Schema) *InMemoryDatastore {
	return &InMemoryDatastore{
		schema:      schema,
		rows:        make(map[string][]*memoryRow),
		index:       chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (s *InMemoryDatastore) Describe() Schema { return s.schema }

func (s *InMemoryDatastore) Close() error { return nil }

func (s *InMemoryDatastore) entity(collection string) (Entity, error) {
	entity, ok := s.schema[collection]
	if !ok {
		return Entity{}, fmt.Errorf("unknown collection %q", collection)
	}
	return entity, nil
}

func (s *InMemoryDatastore) List(ctx context.Context, collection string, where map[string]any, limit int) ([]map[string]any, error) {
	entity, err := s.entity(collection)
	if err != nil {
		return nil, newError("list", collection, err)
	}
	if where, err = validatePartial(entity, where); err != nil {
		return nil, newError("list", collection, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []map[string]any
	for _, row := range s.rows[collection] {
		if !matchesWhere(row.values, where) {
			continue
		}
		out = append(out, copyValues(row.values))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryDatastore) Create(ctx context.Context, collection string, rows []map[string]any) ([]map[string]any, error) {
	entity, err := s.entity(collection)
	if err != nil {
		return nil, newError("create", collection, err)
	}

	validated := make([]*memoryRow, 0, len(rows))
	for _, row := range rows {
		values, err := validateRow(entity, row)
		if err != nil {
			return nil, newError("create", collection, err)
		}
		validated = append(validated, &memoryRow{id: uuid.NewString(), values: values})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(validated))
	for _, row := range validated {
		s.rows[collection] = append(s.rows[collection], row)
		if err := s.indexRow(ctx, entity, collection, row); err != nil {
			return nil, newError("create", collection, err)
		}
		out = append(out, copyValues(row.values))
	}
	return out, nil
}

func (s *InMemoryDatastore) Update(ctx context.Context, collection string, where, update map[string]any) (int64, error) {
	entity, err := s.entity(collection)
	if err != nil {
		return 0, newError("update", collection, err)
	}
	if where, err = validatePartial(entity, where); err != nil {
		return 0, newError("update", collection, err)
	}
	if update, err = validatePartial(entity, update); err != nil {
		return 0, newError("update", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Setting the last-turn marker clears it for every other turn of the
	// conversation, inside the same critical section.
	if isLastTurnUpdate(where, update) {
		for _, row := range s.rows[collection] {
			if looseEqual(row.values[ColumnConversationID], where[ColumnConversationID]) {
				row.values[ColumnIsLastTurn] = int64(0)
			}
		}
	}

	var touched int64
	for _, row := range s.rows[collection] {
		if !matchesWhere(row.values, where) {
			continue
		}
		for column, value := range update {
			row.values[column] = value
		}
		if err := s.reindexRow(ctx, entity, collection, row, update); err != nil {
			return touched, newError("update", collection, err)
		}
		touched++
	}
	return touched, nil
}

func (s *InMemoryDatastore) Delete(ctx context.Context, collection string, where map[string]any) (int64, error) {
	entity, err := s.entity(collection)
	if err != nil {
		return 0, newError("delete", collection, err)
	}
	if where, err = validatePartial(entity, where); err != nil {
		return 0, newError("delete", collection, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*memoryRow
	var removed int64
	for _, row := range s.rows[collection] {
		if matchesWhere(row.values, where) {
			removed++
			s.unindexRow(ctx, entity, collection, row)
			continue
		}
		kept = append(kept, row)
	}
	s.rows[collection] = kept
	return removed, nil
}

// SearchVectors ranks rows of a collection by proximity of their vector
// column to the query. Cosine goes through the chromem index; L2 scans the
// filtered rows directly.
func (s *InMemoryDatastore) SearchVectors(ctx context.Context, collection, column string, query []float32, k int, metric Metric, where map[string]any) ([]SearchResult, error) {
	entity, err := s.entity(collection)
	if err != nil {
		return nil, newError("search", collection, err)
	}
	prop, ok := entity.Properties[column]
	if !ok {
		return nil, newError("search", collection, fmt.Errorf("unknown column %q", column))
	}
	if prop.Kind != property.KindVector {
		return nil, newError("search", collection, fmt.Errorf("column %q is not a vector column", column))
	}
	if where, err = validatePartial(entity, where); err != nil {
		return nil, newError("search", collection, err)
	}
	if k <= 0 {
		return nil, nil
	}

	switch metric {
	case MetricCosine:
		return s.searchChromem(ctx, collection, column, query, k, where)
	case MetricL2:
		return s.searchBruteForce(collection, column, query, k, where)
	default:
		return nil, newError("search", collection, fmt.Errorf("unsupported metric %q", metric))
	}
}

func (s *InMemoryDatastore) searchChromem(ctx context.Context, collection, column string, query []float32, k int, where map[string]any) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.collections[indexName(collection, column)]
	if col == nil || col.Count() == 0 {
		return nil, nil
	}

	var filter map[string]string
	if len(where) > 0 {
		filter = make(map[string]string, len(where))
		for name, value := range where {
			filter[name] = fmt.Sprint(value)
		}
	}

	// chromem rejects k larger than the candidate set, so clamp against the
	// rows the filter admits.
	var candidates int
	for _, row := range s.rows[collection] {
		if row.values[column] != nil && matchesWhere(row.values, where) {
			candidates++
		}
	}
	if k > candidates {
		k = candidates
	}
	if k == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, query, k, filter, nil)
	if err != nil {
		return nil, newError("search", collection, err)
	}

	byID := make(map[string]*memoryRow)
	for _, row := range s.rows[collection] {
		byID[row.id] = row
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		row, ok := byID[r.ID]
		if !ok {
			continue
		}
		out = append(out, SearchResult{Values: copyValues(row.values), Score: float64(r.Similarity)})
	}
	return out, nil
}

func (s *InMemoryDatastore) searchBruteForce(collection, column string, query []float32, k int, where map[string]any) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SearchResult
	for _, row := range s.rows[collection] {
		if !matchesWhere(row.values, where) {
			continue
		}
		vec, err := toFloat32Vector(row.values[column])
		if err != nil || vec == nil {
			continue
		}
		out = append(out, SearchResult{Values: copyValues(row.values), Score: l2Distance(query, vec)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// indexRow mirrors a row's vector columns into the chromem index. Callers
// hold the write lock.
func (s *InMemoryDatastore) indexRow(ctx context.Context, entity Entity, collection string, row *memoryRow) error {
	for name, prop := range entity.Properties {
		if prop.Kind != property.KindVector {
			continue
		}
		vec, err := toFloat32Vector(row.values[name])
		if err != nil {
			return err
		}
		if vec == nil {
			continue
		}
		col, err := s.indexCollection(collection, name)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        row.id,
			Metadata:  indexMetadata(row.values),
			Embedding: vec,
		}
		if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryDatastore) reindexRow(ctx context.Context, entity Entity, collection string, row *memoryRow, update map[string]any) error {
	// Metadata filters live next to the embeddings, so any column change
	// requires a refresh, not only vector changes.
	if len(update) == 0 {
		return nil
	}
	s.unindexRow(ctx, entity, collection, row)
	return s.indexRow(ctx, entity, collection, row)
}

func (s *InMemoryDatastore) unindexRow(ctx context.Context, entity Entity, collection string, row *memoryRow) {
	for name, prop := range entity.Properties {
		if prop.Kind != property.KindVector {
			continue
		}
		if col := s.collections[indexName(collection, name)]; col != nil {
			_ = col.Delete(ctx, nil, nil, row.id)
		}
	}
}

func (s *InMemoryDatastore) indexCollection(collection, column string) (*chromem.Collection, error) {
	name := indexName(collection, column)
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.index.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embeddings are supplied by the caller")
	})
	if err != nil {
		return nil, err
	}
	s.collections[name] = col
	return col, nil
}

func indexName(collection, column string) string {
	return collection + "/" + column
}

// indexMetadata stringifies scalar columns so chromem can filter on them
// before ranking.
func indexMetadata(values map[string]any) map[string]string {
	meta := make(map[string]string, len(values))
	for name, value := range values {
		switch value.(type) {
		case nil, []float32, []float64, []any:
			continue
		}
		meta[name] = fmt.Sprint(value)
	}
	return meta
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func toFloat32Vector(v any) ([]float32, error) {
	switch vec := v.(type) {
	case nil:
		return nil, nil
	case []float32:
		return vec, nil
	case []float64:
		out := make([]float32, len(vec))
		for i, f := range vec {
			out[i] = float32(f)
		}
		return out, nil
	case []any:
		out := make([]float32, len(vec))
		for i, item := range vec {
			switch f := item.(type) {
			case float64:
				out[i] = float32(f)
			case float32:
				out[i] = f
			case int:
				out[i] = float32(f)
			default:
				return nil, fmt.Errorf("vector element %d has type %T", i, item)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("value of type %T is not a vector", v)
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var (
	_ Datastore      = (*InMemoryDatastore)(nil)
	_ VectorSearcher = (*InMemoryDatastore)(nil)
)
