package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store/storetest"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/logger"
)

// memoryCache is a CacheBackend kept in a map.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *memoryCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *memoryCache) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n, nil
}

type fakeQueue struct {
	name   string
	mu     sync.Mutex
	paused bool
}

func (q *fakeQueue) Name() string { return q.name }

func (q *fakeQueue) Pause(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

func (q *fakeQueue) Resume(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	return nil
}

func (q *fakeQueue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *fakeQueue) Counts(context.Context) (queue.Counts, error) {
	return queue.Counts{Waiting: 3, Completed: 7, Paused: q.isPaused()}, nil
}

type fakeJobs map[string]any

func (j fakeJobs) Run(_ context.Context, name string) (any, error) {
	result, ok := j[name]
	if !ok {
		return nil, apperrors.ErrJobNotFound
	}
	return result, nil
}

type fixture struct {
	store  *storetest.Memory
	cache  *memoryCache
	queue  *fakeQueue
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storetest.NewMemory(),
		cache: newMemoryCache(),
		queue: &fakeQueue{name: "movie-indexing"},
	}
	f.store.Seed(schema.MoviesCollection,
		schema.Document{"id": float64(603), "title": "The Matrix", "original_language": "en", "review_ids": []any{"r1"}, "video_ids": []any{"v1", "v2"}, "adult": false},
		schema.Document{"id": float64(604), "title": "The Matrix Reloaded", "original_language": "en"},
		schema.Document{"id": float64(129), "title": "Spirited Away", "original_language": "ja"},
	)
	f.store.Seed(schema.ReviewsCollection, schema.Document{"id": "r1", "author": "critic", "movie_id": float64(603)})
	f.store.Seed(schema.VideosCollection,
		schema.Document{"id": "v1", "name": "Trailer", "movie_id": float64(603)},
		schema.Document{"id": "v2", "name": "Teaser", "movie_id": float64(603)},
	)

	log := logger.Discard()
	h := New(Config{
		Store:  f.store,
		Cache:  NewSearchCache(f.cache, time.Minute, log),
		Queues: []QueueControl{f.queue},
		Jobs:   fakeJobs{"index_popular_movies": map[string]int{"enqueued": 4}},
		Search: config.SearchConfig{DefaultSize: 20, MaxSize: 50},
		Logger: log,
	})
	checker := health.NewChecker(time.Second, log)
	f.server = httptest.NewServer(NewRouter(h, checker, nil, 5*time.Second, log))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return resp
}

type searchResponse struct {
	Movies        []schema.Document `json:"movies"`
	Total         int64             `json:"total"`
	NextPageToken string            `json:"next_page_token"`
}

func TestSearchFiltersAndProjects(t *testing.T) {
	f := newFixture(t)
	var body searchResponse
	resp := f.do(t, http.MethodGet, "/api/v1/movies?originalLanguage=en&size=10", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.Total != 2 || len(body.Movies) != 2 {
		t.Fatalf("total = %d movies = %d", body.Total, len(body.Movies))
	}
	for _, m := range body.Movies {
		if _, ok := m["review_ids"]; ok {
			t.Errorf("listing leaked review_ids: %v", m)
		}
		if _, ok := m["adult"]; ok {
			t.Errorf("listing leaked adult: %v", m)
		}
	}
	q := f.store.LastQuery
	if q.Size != 10 || len(q.Filters) != 1 || q.Filters[0].Field != "original_language" {
		t.Errorf("query = %+v", q)
	}
	if len(q.Sort) != 1 || q.Sort[0].Field != "popularity" || !q.Sort[0].Desc {
		t.Errorf("default sort = %+v", q.Sort)
	}
}

func TestSearchIsCached(t *testing.T) {
	f := newFixture(t)
	var first, second searchResponse
	f.do(t, http.MethodGet, "/api/v1/movies?q=Matrix", &first)
	f.store.Seed(schema.MoviesCollection, schema.Document{"id": float64(605), "title": "The Matrix Revolutions"})
	f.do(t, http.MethodGet, "/api/v1/movies?q=matrix", &second)
	if second.Total != first.Total {
		t.Errorf("second total = %d, want cached %d", second.Total, first.Total)
	}

	var stats map[string]any
	f.do(t, http.MethodGet, "/api/v1/cache/stats", &stats)
	if stats["hits"] != float64(1) || stats["misses"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/cache/invalidate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invalidate status = %d", resp.StatusCode)
	}
	var third searchResponse
	f.do(t, http.MethodGet, "/api/v1/movies?q=matrix", &third)
	if third.Total != first.Total+1 {
		t.Errorf("after invalidation total = %d, want %d", third.Total, first.Total+1)
	}
}

func TestSearchRejectsBadParameters(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/v1/movies?size=0",
		"/api/v1/movies?colour=red",
		"/api/v1/movies?sort=budget:sideways",
		"/api/v1/movies?sort=overview",
		"/api/v1/movies?voteAverageFrom=high",
		"/api/v1/movies?agg=overview",
	} {
		var body map[string]string
		resp := f.do(t, http.MethodGet, path, &body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, resp.StatusCode)
		}
		if body["error"] == "" {
			t.Errorf("%s: no error message", path)
		}
	}
}

func TestSearchReturnsAggregations(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(schema.MoviesCollection,
		schema.Document{"id": float64(603), "title": "The Matrix", "original_language": "en", "release_date": "1999-03-31",
			"genres": []any{map[string]any{"name": "Action"}, map[string]any{"name": "Science Fiction"}}},
		schema.Document{"id": float64(604), "title": "The Matrix Reloaded", "original_language": "en", "release_date": "2003-05-15",
			"genres": []any{map[string]any{"name": "Action"}, map[string]any{"name": "Action"}}},
	)

	var body struct {
		searchResponse
		Aggregations map[string]struct {
			Buckets []struct {
				Key   any   `json:"key"`
				Count int64 `json:"doc_count"`
			} `json:"buckets"`
		} `json:"aggregations"`
	}
	resp := f.do(t, http.MethodGet, "/api/v1/movies?originalLanguage=en&agg=genre,releaseDate&agg_size=1", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.Total != 2 {
		t.Errorf("total = %d", body.Total)
	}
	genre := body.Aggregations["genre"].Buckets
	if len(genre) != 1 || genre[0].Key != "Action" || genre[0].Count != 2 {
		t.Errorf("genre buckets = %+v", genre)
	}
	years := body.Aggregations["releaseDate"].Buckets
	if len(years) != 2 || years[0].Key != "1999" || years[1].Key != "2003" {
		t.Errorf("releaseDate buckets = %+v", years)
	}

	aggs := f.store.LastAggs
	if len(aggs) != 2 || aggs[0].Kind != store.AggTerms || aggs[1].Kind != store.AggYearHistogram {
		t.Errorf("aggregations = %+v", aggs)
	}
	if q := f.store.LastQuery; len(q.Filters) != 1 || q.Filters[0].Field != "original_language" {
		t.Errorf("aggregation query = %+v", q)
	}
}

func TestSearchWithoutAggOmitsAggregations(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	f.do(t, http.MethodGet, "/api/v1/movies", &body)
	if _, ok := body["aggregations"]; ok {
		t.Errorf("unrequested aggregations returned: %v", body["aggregations"])
	}
}

func TestParseAggregations(t *testing.T) {
	aggs, err := parseAggregations(url.Values{"agg": {"castGender, releaseDate", "castGender"}, "agg_size": {"25"}})
	if err != nil {
		t.Fatalf("parseAggregations: %v", err)
	}
	want := []store.Aggregation{
		{Name: "castGender", Field: "credits.cast.gender", Kind: store.AggTerms, Size: 25},
		{Name: "releaseDate", Field: "release_date", Kind: store.AggYearHistogram},
	}
	if len(aggs) != len(want) {
		t.Fatalf("aggregations = %+v", aggs)
	}
	for i := range want {
		if aggs[i] != want[i] {
			t.Errorf("aggregation[%d] = %+v, want %+v", i, aggs[i], want[i])
		}
	}

	for _, params := range []url.Values{
		{"agg": {"colour"}},
		{"agg": {"genre"}, "agg_size": {"0"}},
		{"agg": {"genre"}, "agg_size": {"many"}},
	} {
		if _, err := parseAggregations(params); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("parseAggregations(%v) err = %v, want invalid input", params, err)
		}
	}
}

func TestGetMovieHydratesRelated(t *testing.T) {
	f := newFixture(t)
	var body struct {
		Movie   schema.Document   `json:"movie"`
		Reviews []schema.Document `json:"reviews"`
		Videos  []schema.Document `json:"videos"`
	}
	resp := f.do(t, http.MethodGet, "/api/v1/movies/603", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.Movie["title"] != "The Matrix" {
		t.Errorf("movie = %v", body.Movie)
	}
	if len(body.Reviews) != 1 || len(body.Videos) != 2 {
		t.Errorf("reviews = %d videos = %d", len(body.Reviews), len(body.Videos))
	}

	var empty struct {
		Reviews []schema.Document `json:"reviews"`
	}
	f.do(t, http.MethodGet, "/api/v1/movies/129", &empty)
	if empty.Reviews == nil {
		t.Error("reviews should be an empty list, not null")
	}

	resp = f.do(t, http.MethodGet, "/api/v1/movies/1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing movie status = %d", resp.StatusCode)
	}
}

func TestQueueAdmin(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPut, "/api/v1/queues/movie-indexing/pause", nil)
	if resp.StatusCode != http.StatusOK || !f.queue.isPaused() {
		t.Fatalf("pause: status = %d paused = %v", resp.StatusCode, f.queue.isPaused())
	}
	var counts queue.Counts
	f.do(t, http.MethodGet, "/api/v1/queues/movie-indexing", &counts)
	if !counts.Paused || counts.Waiting != 3 {
		t.Errorf("counts = %+v", counts)
	}
	f.do(t, http.MethodPut, "/api/v1/queues/movie-indexing/resume", nil)
	if f.queue.isPaused() {
		t.Error("queue still paused after resume")
	}

	resp = f.do(t, http.MethodPut, "/api/v1/queues/nope/pause", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown queue status = %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/queues/movie-indexing/pause", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST pause status = %d", resp.StatusCode)
	}
}

func TestRunJob(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	resp := f.do(t, http.MethodPost, "/api/v1/jobs/index_popular_movies", &body)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/jobs/rebuild_everything", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d", resp.StatusCode)
	}
}

func TestServerErrorsAreNotEchoed(t *testing.T) {
	h := New(Config{Store: failingStore{storetest.NewMemory()}, Logger: logger.Discard()})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/movies", nil)
	h.SearchMovies(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Errorf("body leaked internal detail: %s", rec.Body.String())
	}
}

type failingStore struct{ *storetest.Memory }

func (failingStore) Search(context.Context, string, store.Query) (*store.SearchResult, error) {
	return nil, errors.Join(apperrors.ErrStoreUnavailable, errors.New("dial tcp 10.0.0.5:5432: refused"))
}

func TestParseSearchRanges(t *testing.T) {
	params := url.Values{
		"releaseDateFrom": {"2000-01-01"},
		"voteAverageTo":   {"8.5"},
		"genre":           {"Action", "Drama"},
		"size":            {"500"},
		"sort":            {"voteAverage:desc,title"},
	}
	q, err := parseSearch(params, config.SearchConfig{DefaultSize: 20, MaxSize: 100})
	if err != nil {
		t.Fatalf("parseSearch: %v", err)
	}
	if q.Size != 100 {
		t.Errorf("size = %d, want clamped 100", q.Size)
	}
	want := []store.Filter{
		{Field: "genres.name", Op: store.OpEq, Value: "Action"},
		{Field: "genres.name", Op: store.OpEq, Value: "Drama"},
		{Field: "release_date", Op: store.OpGte, Value: "2000-01-01"},
		{Field: "vote_average", Op: store.OpLte, Value: 8.5},
	}
	if len(q.Filters) != len(want) {
		t.Fatalf("filters = %+v", q.Filters)
	}
	for i := range want {
		if q.Filters[i] != want[i] {
			t.Errorf("filter[%d] = %+v, want %+v", i, q.Filters[i], want[i])
		}
	}
	if len(q.Sort) != 2 || q.Sort[0].Field != "vote_average" || !q.Sort[0].Desc || q.Sort[1].Desc {
		t.Errorf("sort = %+v", q.Sort)
	}
}

func TestSearchKeyIgnoresTextCase(t *testing.T) {
	a, _ := searchKey("movies", store.Query{Text: "Matrix"})
	b, _ := searchKey("movies", store.Query{Text: "matrix"})
	c, _ := searchKey("movies", store.Query{Text: "matrix", Size: 5})
	if a != b {
		t.Error("keys differ by text case")
	}
	if a == c {
		t.Error("keys ignore size")
	}
}
