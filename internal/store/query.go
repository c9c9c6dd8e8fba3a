package store

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
)

const (
	DefaultSize = 20
	MaxSize     = 1000

	DefaultBuckets = 10
	MaxBuckets     = 1000
)

var (
	collectionPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
	pathPattern       = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)
)

func validateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("%w: collection name %q", apperrors.ErrInvalidInput, name)
	}
	return nil
}

// schemas remembers the schema each collection was created with so searches
// know which paths cross lists. Collections created elsewhere fall back to the
// built-in movie schemas.
type schemas struct {
	mu sync.RWMutex
	m  map[string]schema.Schema
}

func newSchemas() *schemas {
	return &schemas{m: schema.Collections()}
}

func (s *schemas) set(name string, sc schema.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = sc
}

func (s *schemas) get(name string) schema.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[name]
}

// pathInfo is a validated field path.
type pathInfo struct {
	path     string
	segments []string
	field    schema.Field
	repeated bool
}

func resolvePath(sc schema.Schema, path string) (pathInfo, error) {
	if !pathPattern.MatchString(path) {
		return pathInfo{}, fmt.Errorf("%w: field %q", apperrors.ErrInvalidInput, path)
	}
	info := pathInfo{path: path, segments: strings.Split(path, ".")}
	if sc == nil {
		return info, nil
	}
	f, repeated, ok := sc.Lookup(path)
	if !ok {
		return pathInfo{}, fmt.Errorf("%w: unknown field %q", apperrors.ErrInvalidInput, path)
	}
	info.field = f
	info.repeated = repeated
	return info, nil
}

func (p pathInfo) numeric() bool {
	switch p.field.Type {
	case schema.Integer, schema.Long, schema.Float:
		return true
	}
	return false
}

// plannedQuery is a Query with every path validated against the schema.
type plannedQuery struct {
	text       string
	textFields []pathInfo
	filters    []plannedFilter
	sort       []plannedSort
	size       int
	offset     int
}

type plannedFilter struct {
	path  pathInfo
	op    FilterOp
	value any
}

type plannedSort struct {
	path pathInfo
	desc bool
}

func planQuery(sc schema.Schema, q Query) (*plannedQuery, error) {
	p := &plannedQuery{text: strings.TrimSpace(q.Text), size: q.Size}
	if p.size <= 0 {
		p.size = DefaultSize
	}
	if p.size > MaxSize {
		return nil, fmt.Errorf("%w: size %d exceeds %d", apperrors.ErrInvalidInput, p.size, MaxSize)
	}
	offset, err := decodePageToken(q.PageToken)
	if err != nil {
		return nil, err
	}
	p.offset = offset

	if p.text != "" {
		fields := q.TextFields
		if len(fields) == 0 {
			fields = []string{"title", "original_title", "overview"}
		}
		for _, f := range fields {
			info, err := resolvePath(sc, f)
			if err != nil {
				return nil, err
			}
			p.textFields = append(p.textFields, info)
		}
	}
	for _, f := range q.Filters {
		info, err := resolvePath(sc, f.Field)
		if err != nil {
			return nil, err
		}
		switch f.Op {
		case OpEq:
		case OpGte, OpLte:
			if info.repeated {
				return nil, fmt.Errorf("%w: range filter on repeated field %q", apperrors.ErrInvalidInput, f.Field)
			}
		default:
			return nil, fmt.Errorf("%w: filter operator %q", apperrors.ErrInvalidInput, f.Op)
		}
		p.filters = append(p.filters, plannedFilter{path: info, op: f.Op, value: f.Value})
	}
	for _, s := range q.Sort {
		info, err := resolvePath(sc, s.Field)
		if err != nil {
			return nil, err
		}
		if info.repeated {
			return nil, fmt.Errorf("%w: cannot sort on repeated field %q", apperrors.ErrInvalidInput, s.Field)
		}
		p.sort = append(p.sort, plannedSort{path: info, desc: s.Desc})
	}
	return p, nil
}

// matchPlan validates only the parts of q that select documents.
func matchPlan(sc schema.Schema, q Query) (*plannedQuery, error) {
	q.Size, q.Sort, q.PageToken = 0, nil, ""
	return planQuery(sc, q)
}

type plannedAggregation struct {
	name string
	path pathInfo
	kind AggregationKind
	size int
}

func planAggregations(sc schema.Schema, aggs []Aggregation) ([]plannedAggregation, error) {
	if len(aggs) == 0 {
		return nil, fmt.Errorf("%w: no aggregations requested", apperrors.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(aggs))
	out := make([]plannedAggregation, 0, len(aggs))
	for _, a := range aggs {
		if a.Name == "" || seen[a.Name] {
			return nil, fmt.Errorf("%w: aggregation name %q missing or repeated", apperrors.ErrInvalidInput, a.Name)
		}
		seen[a.Name] = true
		info, err := resolvePath(sc, a.Field)
		if err != nil {
			return nil, err
		}
		pa := plannedAggregation{name: a.Name, path: info, kind: a.Kind, size: a.Size}
		switch a.Kind {
		case AggTerms:
			if pa.size <= 0 {
				pa.size = DefaultBuckets
			}
			if pa.size > MaxBuckets {
				return nil, fmt.Errorf("%w: %d buckets exceeds %d", apperrors.ErrInvalidInput, pa.size, MaxBuckets)
			}
		case AggYearHistogram:
			if info.repeated || (sc != nil && info.field.Type != schema.Date) {
				return nil, fmt.Errorf("%w: year histogram needs a single date field, got %q", apperrors.ErrInvalidInput, a.Field)
			}
		default:
			return nil, fmt.Errorf("%w: aggregation kind %q", apperrors.ErrInvalidInput, a.Kind)
		}
		out = append(out, pa)
	}
	return out, nil
}

// bucketKey converts a value read back from a backend into a bucket key.
func (a plannedAggregation) bucketKey(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	if a.kind == AggYearHistogram {
		s, ok := v.(string)
		if !ok || len(s) < 4 {
			return nil, false
		}
		if _, err := strconv.Atoi(s[:4]); err != nil {
			return nil, false
		}
		return s[:4], true
	}
	if a.path.numeric() {
		switch n := v.(type) {
		case float64:
			return n, true
		case int32:
			return float64(n), true
		case int64:
			return float64(n), true
		case int:
			return float64(n), true
		case string:
			f, err := strconv.ParseFloat(n, 64)
			return f, err == nil
		}
		return nil, false
	}
	switch val := v.(type) {
	case string:
		return val, val != ""
	default:
		return fmt.Sprint(val), true
	}
}

// sortBuckets orders terms by count then key and cuts them to the bucket
// limit; histograms are ordered by year.
func (a plannedAggregation) sortBuckets(b []Bucket) []Bucket {
	if a.kind == AggYearHistogram {
		sort.Slice(b, func(i, j int) bool { return keyLess(b[i].Key, b[j].Key) })
		return b
	}
	sort.Slice(b, func(i, j int) bool {
		if b[i].Count != b[j].Count {
			return b[i].Count > b[j].Count
		}
		return keyLess(b[i].Key, b[j].Key)
	})
	if len(b) > a.size {
		b = b[:a.size]
	}
	return b
}

func keyLess(x, y any) bool {
	fx, xok := x.(float64)
	fy, yok := y.(float64)
	if xok && yok {
		return fx < fy
	}
	return fmt.Sprint(x) < fmt.Sprint(y)
}

func (p *plannedQuery) nextPageToken(returned int, total int64) string {
	next := p.offset + returned
	if returned == 0 || int64(next) >= total {
		return ""
	}
	return encodePageToken(next)
}

func encodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed page token", apperrors.ErrInvalidInput)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(raw), "o:"))
	if err != nil || n < 0 || !strings.HasPrefix(string(raw), "o:") {
		return 0, fmt.Errorf("%w: malformed page token", apperrors.ErrInvalidInput)
	}
	return n, nil
}

// containment builds the object a document must contain for an eq filter on
// path, wrapping values in arrays where the schema declares lists.
func containment(sc schema.Schema, segments []string, value any) map[string]any {
	name := segments[0]
	var field schema.Field
	if sc != nil {
		field = sc[name]
	}
	var inner any
	if len(segments) == 1 {
		inner = value
	} else {
		inner = containment(field.Properties, segments[1:], value)
	}
	if field.List {
		inner = []any{inner}
	}
	return map[string]any{name: inner}
}
