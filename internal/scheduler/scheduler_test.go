package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store/storetest"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/logger"
)

// popularServer serves movie/popular with totalPages pages of two movies.
// Page n holds ids n*10 and n*10+1. failPage answers 500 once.
type popularServer struct {
	*httptest.Server
	mu         sync.Mutex
	totalPages int
	failPage   int
	requested  []int
}

func newPopularServer(t *testing.T, totalPages int) *popularServer {
	ps := &popularServer{totalPages: totalPages}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		ps.mu.Lock()
		ps.requested = append(ps.requested, page)
		fail := ps.failPage == page
		if fail {
			ps.failPage = 0
		}
		ps.mu.Unlock()
		if fail {
			http.Error(w, `{"status_message":"boom"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"page":%d,"total_pages":%d,"results":[`+
			`{"id":%d,"title":"m%d","media_type":"movie"},`+
			`{"id":%d,"title":"m%d","adult":false}]}`,
			page, ps.totalPages, page*10, page*10, page*10+1, page*10+1)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *popularServer) pages() []int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]int(nil), ps.requested...)
}

func newSource(url string) *catalog.Client {
	return catalog.New(catalog.Config{
		BaseURL:    url,
		Token:      "t",
		RetryDelay: time.Millisecond,
		Logger:     logger.Discard(),
	})
}

func ids(docs []schema.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		id, _ := schema.IDOf(d)
		out = append(out, id)
	}
	return out
}

func TestDiscovererRestartsAfterExhaustion(t *testing.T) {
	ps := newPopularServer(t, 3)
	d := NewDiscoverer(newSource(ps.URL), "movie/popular", nil, logger.Discard())
	ctx := context.Background()

	want := [][]string{{"10", "11"}, {"20", "21"}, {"30", "31"}, nil, {"10", "11"}}
	for i, w := range want {
		batch, err := d.NextBatch(ctx)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if w == nil {
			if batch != nil {
				t.Fatalf("call %d: batch = %v, want nil", i, ids(batch))
			}
			continue
		}
		if got := ids(batch); fmt.Sprint(got) != fmt.Sprint(w) {
			t.Fatalf("call %d: ids = %v, want %v", i, got, w)
		}
	}
	if got := ps.pages(); fmt.Sprint(got) != "[1 2 3 1]" {
		t.Errorf("requested pages = %v", got)
	}
}

func TestDiscovererFiltersSummaryFields(t *testing.T) {
	ps := newPopularServer(t, 1)
	d := NewDiscoverer(newSource(ps.URL), "movie/popular", nil, logger.Discard())
	batch, err := d.NextBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := batch[0]["media_type"]; ok {
		t.Error("media_type is not in the summary allow-list and should be dropped")
	}
	if batch[0]["title"] != "m10" {
		t.Errorf("title = %v", batch[0]["title"])
	}
}

func TestDiscovererSinglePageNeedsNoSecondRequest(t *testing.T) {
	ps := newPopularServer(t, 1)
	d := NewDiscoverer(newSource(ps.URL), "movie/popular", nil, logger.Discard())
	ctx := context.Background()
	if batch, _ := d.NextBatch(ctx); len(batch) != 2 {
		t.Fatalf("first batch = %v", batch)
	}
	if batch, err := d.NextBatch(ctx); batch != nil || err != nil {
		t.Fatalf("second call = %v, %v", batch, err)
	}
	if got := len(ps.pages()); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestDiscovererErrorStartsOver(t *testing.T) {
	ps := newPopularServer(t, 3)
	ps.failPage = 2
	d := NewDiscoverer(newSource(ps.URL), "movie/popular", nil, logger.Discard())
	ctx := context.Background()

	if _, err := d.NextBatch(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := d.NextBatch(ctx); !errors.Is(err, apperrors.ErrProtocol) {
		t.Fatalf("err = %v, want protocol error", err)
	}
	batch, err := d.NextBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(batch); fmt.Sprint(got) != "[10 11]" {
		t.Errorf("batch after error = %v, want page 1", got)
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []schema.Document
	backlog  int64
	drained  bool
}

func (q *fakeQueue) EnqueueBatch(_ context.Context, payloads []schema.Document) ([]*queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]*queue.Task, 0, len(payloads))
	for _, p := range payloads {
		q.enqueued = append(q.enqueued, p)
		tasks = append(tasks, &queue.Task{Payload: p})
	}
	return tasks, nil
}

func (q *fakeQueue) Drain(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drained = true
	n := q.backlog
	q.backlog = 0
	return n, nil
}

func TestRunEnqueuesOnlyUnindexedMovies(t *testing.T) {
	ps := newPopularServer(t, 3)
	st := storetest.NewMemory()
	st.Seed(schema.MoviesCollection, schema.Document{"id": float64(20)}, schema.Document{"id": float64(31)})
	q := &fakeQueue{backlog: 4}

	s := New(Config{
		Source:       newSource(ps.URL),
		Store:        st,
		Queue:        q,
		DrainBacklog: true,
		Logger:       logger.Discard(),
	})
	stats, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Pages != 3 || stats.Discovered != 6 || stats.Enqueued != 4 || stats.AlreadyIndexed != 2 || stats.Drained != 4 {
		t.Errorf("stats = %+v", stats)
	}
	if got := ids(q.enqueued); fmt.Sprint(got) != "[10 11 21 30]" {
		t.Errorf("enqueued = %v", got)
	}
	for name := range schema.Collections() {
		if ok, _ := st.CollectionExists(context.Background(), name); !ok {
			t.Errorf("collection %s not created", name)
		}
	}
	if !q.drained {
		t.Error("backlog not drained")
	}
}

func TestRunFailsOnUnhealthyStore(t *testing.T) {
	ps := newPopularServer(t, 1)
	st := storetest.NewMemory()
	st.SetHealthy(false)
	s := New(Config{
		Source:             newSource(ps.URL),
		Store:              st,
		Queue:              &fakeQueue{},
		HealthCheckTimeout: 10 * time.Millisecond,
		Logger:             logger.Discard(),
	})
	if _, err := s.Run(context.Background()); !errors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if len(ps.pages()) != 0 {
		t.Error("discovery should not start against an unhealthy store")
	}
}

func TestJobsRun(t *testing.T) {
	jobs := Jobs{"noop": func(context.Context) (any, error) { return "ok", nil }}
	if got, err := jobs.Run(context.Background(), "noop"); err != nil || got != "ok" {
		t.Errorf("Run(noop) = %v, %v", got, err)
	}
	if _, err := jobs.Run(context.Background(), "reindex_everything"); !errors.Is(err, apperrors.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}
