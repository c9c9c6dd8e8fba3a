package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store/storetest"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/logger"
)

func TestReindexRewritesThroughCurrentSchema(t *testing.T) {
	st := storetest.NewMemory()
	st.Seed(schema.MoviesCollection,
		schema.Document{"id": float64(603), "title": "The Matrix", "legacy_rank": float64(3)},
		schema.Document{"id": float64(604), "title": "The Matrix Reloaded", "review_ids": []any{"r1"}},
		schema.Document{"title": "no id"},
	)
	s := New(Config{Store: st, Queue: &fakeQueue{}, Logger: logger.Discard()})

	got, err := NewJobs(s).Run(context.Background(), JobReindexMovies)
	if err != nil {
		t.Fatalf("Run(%s): %v", JobReindexMovies, err)
	}
	stats := got.(ReindexStats)
	if stats.Collection != schema.MoviesCollection || stats.Pages != 1 || stats.Scanned != 3 || stats.Rewritten != 2 || stats.Skipped != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if st.Writes() != 2 {
		t.Errorf("writes = %d, want 2", st.Writes())
	}

	matrix, err := st.Get(context.Background(), schema.MoviesCollection, "603")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := matrix["legacy_rank"]; ok {
		t.Error("undeclared field survived the reindex")
	}
	if matrix["title"] != "The Matrix" {
		t.Errorf("title = %v", matrix["title"])
	}
	reloaded, _ := st.Get(context.Background(), schema.MoviesCollection, "604")
	if ids, _ := reloaded["review_ids"].([]any); len(ids) != 1 {
		t.Errorf("review_ids = %v", reloaded["review_ids"])
	}
	if q := st.LastQuery; len(q.Sort) != 1 || q.Sort[0].Field != "id" {
		t.Errorf("reindex query = %+v, want paging by id", q)
	}
}

func TestReindexFailsOnUnhealthyStore(t *testing.T) {
	st := storetest.NewMemory()
	st.Seed(schema.MoviesCollection, schema.Document{"id": float64(603)})
	st.SetHealthy(false)
	s := New(Config{Store: st, Queue: &fakeQueue{}, HealthCheckTimeout: 10 * time.Millisecond, Logger: logger.Discard()})

	if _, err := s.Reindex(context.Background(), schema.MoviesCollection); !errors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if st.Writes() != 0 {
		t.Errorf("writes = %d against an unhealthy store", st.Writes())
	}
	if _, err := s.Reindex(context.Background(), "no_such_collection"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("unknown collection err = %v", err)
	}
}
