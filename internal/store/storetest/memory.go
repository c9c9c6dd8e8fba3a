// Package storetest provides an in-memory store.DocumentStore for tests of
// the packages that write to or read from the store.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
)

// Memory keeps documents in maps and counts calls. Set Healthy to false to
// make HealthCheck fail, or PutErr to make every Put fail.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]schema.Document
	schemas     map[string]schema.Schema

	Healthy bool
	PutErr  error

	ExistsCalls  int
	Puts         int
	HealthChecks int
	LastQuery    store.Query
	LastAggs     []store.Aggregation
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]schema.Document),
		schemas:     make(map[string]schema.Schema),
		Healthy:     true,
	}
}

// Seed stores docs in collection without counting writes.
func (m *Memory) Seed(collection string, docs ...schema.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	for _, d := range docs {
		id, _ := schema.IDOf(d)
		c[id] = d
	}
}

// Docs returns a snapshot of collection ordered by id.
func (m *Memory) Docs(collection string) []schema.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(collection)
}

func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Puts
}

func (m *Memory) SetHealthy(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Healthy = ok
}

func (m *Memory) collection(name string) map[string]schema.Document {
	c, ok := m.collections[name]
	if !ok {
		c = make(map[string]schema.Document)
		m.collections[name] = c
	}
	return c
}

func (m *Memory) sorted(name string) []schema.Document {
	c := m.collections[name]
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]schema.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, c[id])
	}
	return out
}

func (m *Memory) Exists(_ context.Context, collection, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExistsCalls++
	_, ok := m.collections[collection][id]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, collection, id string) (schema.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, apperrors.ErrDocumentNotFound)
	}
	return doc, nil
}

func (m *Memory) GetMany(_ context.Context, collection string, ids []string) ([]schema.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.Document
	for _, id := range ids {
		if doc, ok := m.collections[collection][id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, collection, id string, doc schema.Document) (store.PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return "", m.PutErr
	}
	m.Puts++
	c := m.collection(collection)
	_, existed := c[id]
	c[id] = doc
	if existed {
		return store.Updated, nil
	}
	return store.Created, nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection][id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, apperrors.ErrDocumentNotFound)
	}
	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) DeleteMany(_ context.Context, collection string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.collections[collection][id]; ok {
			delete(m.collections[collection], id)
			n++
		}
	}
	return n, nil
}

// Search honours top-level eq filters and Size only; hits are ordered by id.
func (m *Memory) Search(_ context.Context, collection string, q store.Query) (*store.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastQuery = q
	var hits []schema.Document
	for _, doc := range m.sorted(collection) {
		if matches(doc, q.Filters) {
			hits = append(hits, doc)
		}
	}
	total := int64(len(hits))
	size := q.Size
	if size <= 0 {
		size = store.DefaultSize
	}
	if len(hits) > size {
		hits = hits[:size]
	}
	return &store.SearchResult{Hits: hits, Total: total}, nil
}

func matches(doc schema.Document, filters []store.Filter) bool {
	for _, f := range filters {
		if f.Op != store.OpEq {
			continue
		}
		if fmt.Sprint(doc[f.Field]) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

// Aggregate buckets the documents Search would match, ignoring Size.
// Numbers become float64 keys and histograms key on the first four
// characters of a date string.
func (m *Memory) Aggregate(_ context.Context, collection string, q store.Query, aggs []store.Aggregation) (store.Aggregations, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastQuery = q
	m.LastAggs = aggs
	out := make(store.Aggregations, len(aggs))
	for _, a := range aggs {
		counts := make(map[any]int64)
		for _, doc := range m.sorted(collection) {
			if !matches(doc, q.Filters) {
				continue
			}
			seen := make(map[any]bool)
			for _, v := range valuesAt(doc, strings.Split(a.Field, ".")) {
				key, ok := bucketKey(a.Kind, v)
				if ok && !seen[key] {
					seen[key] = true
					counts[key]++
				}
			}
		}
		buckets := make([]store.Bucket, 0, len(counts))
		for k, n := range counts {
			buckets = append(buckets, store.Bucket{Key: k, Count: n})
		}
		out[a.Name] = store.AggregationResult{Buckets: orderBuckets(a, buckets)}
	}
	return out, nil
}

func valuesAt(v any, segments []string) []any {
	switch t := v.(type) {
	case []any:
		var out []any
		for _, e := range t {
			out = append(out, valuesAt(e, segments)...)
		}
		return out
	case []string:
		var out []any
		for _, e := range t {
			out = append(out, valuesAt(e, segments)...)
		}
		return out
	case []map[string]any:
		var out []any
		for _, e := range t {
			out = append(out, valuesAt(e, segments)...)
		}
		return out
	case map[string]any:
		if len(segments) == 0 {
			return nil
		}
		return valuesAt(t[segments[0]], segments[1:])
	case nil:
		return nil
	}
	if len(segments) > 0 {
		return nil
	}
	return []any{v}
}

func bucketKey(kind store.AggregationKind, v any) (any, bool) {
	if kind == store.AggYearHistogram {
		s, ok := v.(string)
		if !ok || len(s) < 4 {
			return nil, false
		}
		return s[:4], true
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		return n, n != ""
	}
	return fmt.Sprint(v), true
}

func orderBuckets(a store.Aggregation, b []store.Bucket) []store.Bucket {
	less := func(x, y any) bool {
		fx, xok := x.(float64)
		fy, yok := y.(float64)
		if xok && yok {
			return fx < fy
		}
		return fmt.Sprint(x) < fmt.Sprint(y)
	}
	if a.Kind == store.AggYearHistogram {
		sort.Slice(b, func(i, j int) bool { return less(b[i].Key, b[j].Key) })
		return b
	}
	sort.Slice(b, func(i, j int) bool {
		if b[i].Count != b[j].Count {
			return b[i].Count > b[j].Count
		}
		return less(b[i].Key, b[j].Key)
	})
	size := a.Size
	if size <= 0 {
		size = store.DefaultBuckets
	}
	if len(b) > size {
		b = b[:size]
	}
	return b
}

func (m *Memory) HealthCheck(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	m.HealthChecks++
	healthy := m.Healthy
	m.mu.Unlock()
	if healthy {
		return true
	}
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
	return false
}

func (m *Memory) CreateCollection(_ context.Context, name string, s schema.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(name)
	m.schemas[name] = s
	return nil
}

func (m *Memory) CollectionExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *Memory) Close(context.Context) error { return nil }

var _ store.DocumentStore = (*Memory)(nil)
