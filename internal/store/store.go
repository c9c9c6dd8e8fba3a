// Package store defines the document store contract the pipeline writes movies
// into and the API searches, with PostgreSQL (JSONB) and MongoDB backends.
package store

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
)

// PutResult tells whether Put inserted or replaced a document.
type PutResult string

const (
	Created PutResult = "created"
	Updated PutResult = "updated"
)

// FilterOp is a comparison applied by a Filter.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpGte FilterOp = "gte"
	OpLte FilterOp = "lte"
)

// Filter restricts a search to documents whose Field compares to Value.
// Field is a dotted path; an eq filter on a path through a list matches when
// any element matches.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// SortField orders search hits by a scalar field.
type SortField struct {
	Field string
	Desc  bool
}

// Query is a search request. Text is matched case-insensitively as a
// substring against TextFields.
type Query struct {
	Text       string
	TextFields []string
	Filters    []Filter
	Sort       []SortField
	Size       int
	PageToken  string
}

// SearchResult is one page of hits. NextPageToken is empty on the last page.
type SearchResult struct {
	Hits          []schema.Document `json:"hits"`
	Total         int64             `json:"total"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

// AggregationKind selects how an Aggregation buckets documents.
type AggregationKind string

const (
	// AggTerms counts documents per distinct value of Field. A document whose
	// list holds a value twice counts once for it.
	AggTerms AggregationKind = "terms"
	// AggYearHistogram counts documents per calendar year of a date Field.
	AggYearHistogram AggregationKind = "year_histogram"
)

// Aggregation asks for bucket counts over the documents a Query matches.
// Size caps the number of terms buckets; histograms return every year.
type Aggregation struct {
	Name  string
	Field string
	Kind  AggregationKind
	Size  int
}

// Bucket is one value and the number of documents carrying it. Keys of
// numeric fields are float64; every other key is a string, a year for
// histograms.
type Bucket struct {
	Key   any   `json:"key"`
	Count int64 `json:"doc_count"`
}

type AggregationResult struct {
	Buckets []Bucket `json:"buckets"`
}

// Aggregations maps Aggregation.Name to its buckets. Terms buckets are
// ordered by count descending then key; histogram buckets by year.
type Aggregations map[string]AggregationResult

// DocumentStore is the persistence contract of the pipeline. Put is an upsert
// where the last write wins. Get returns errors.ErrDocumentNotFound for
// unknown ids.
type DocumentStore interface {
	Exists(ctx context.Context, collection, id string) (bool, error)
	Get(ctx context.Context, collection, id string) (schema.Document, error)
	GetMany(ctx context.Context, collection string, ids []string) ([]schema.Document, error)
	Put(ctx context.Context, collection, id string, doc schema.Document) (PutResult, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteMany(ctx context.Context, collection string, ids []string) (int64, error)
	Search(ctx context.Context, collection string, q Query) (*SearchResult, error)
	// Aggregate buckets the documents matching q's text and filters. Size,
	// Sort and PageToken of q are ignored.
	Aggregate(ctx context.Context, collection string, q Query, aggs []Aggregation) (Aggregations, error)

	// HealthCheck polls the backend once per second until it answers or
	// timeout is spent.
	HealthCheck(ctx context.Context, timeout time.Duration) bool

	CreateCollection(ctx context.Context, name string, s schema.Schema) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}
