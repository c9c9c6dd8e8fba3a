package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/postgres"
	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPostgresStore(postgres.FromDB(db), logger.Discard()), mock
}

// jsonArg matches a driver value holding JSON equal to want.
type jsonArg struct{ want string }

func (a jsonArg) Match(v driver.Value) bool {
	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	case []byte:
		raw = val
	default:
		return false
	}
	var got, want any
	if json.Unmarshal(raw, &got) != nil || json.Unmarshal([]byte(a.want), &want) != nil {
		return false
	}
	return reflect.DeepEqual(got, want)
}

func TestPostgresExists(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM "movies" WHERE id = $1)`)).
		WithArgs("550").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.Exists(context.Background(), "movies", "550")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestPostgresGet(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM "movies" WHERE id = $1`)).
		WithArgs("550").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{"id":550,"title":"Fight Club"}`)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM "movies" WHERE id = $1`)).
		WithArgs("1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	doc, err := s.Get(context.Background(), "movies", "550")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["title"] != "Fight Club" || doc["id"] != float64(550) {
		t.Errorf("doc = %v", doc)
	}
	if _, err := s.Get(context.Background(), "movies", "1"); !errors.Is(err, apperrors.ErrDocumentNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestPostgresPutReportsCreatedOrUpdated(t *testing.T) {
	s, mock := newMockStore(t)
	upsert := regexp.QuoteMeta(`INSERT INTO "movies" (id, doc) VALUES ($1, $2)`)
	mock.ExpectQuery(upsert).
		WithArgs("550", jsonArg{`{"id":550}`}).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery(upsert).
		WithArgs("550", jsonArg{`{"id":550,"title":"x"}`}).
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(false))

	ctx := context.Background()
	if r, err := s.Put(ctx, "movies", "550", schema.Document{"id": 550}); err != nil || r != Created {
		t.Errorf("first Put = %v, %v", r, err)
	}
	if r, err := s.Put(ctx, "movies", "550", schema.Document{"id": 550, "title": "x"}); err != nil || r != Updated {
		t.Errorf("second Put = %v, %v", r, err)
	}
}

func TestPostgresGetManyKeepsRequestOrder(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, doc FROM "movie_reviews" WHERE id = ANY($1)`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "doc"}).
			AddRow("b", []byte(`{"id":"b"}`)).
			AddRow("a", []byte(`{"id":"a"}`)))

	docs, err := s.GetMany(context.Background(), "movie_reviews", []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(docs) != 2 || docs[0]["id"] != "a" || docs[1]["id"] != "b" {
		t.Errorf("docs = %v", docs)
	}
}

func TestPostgresDelete(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "movies" WHERE id = $1`)).
		WithArgs("7").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "movies" WHERE id = ANY($1)`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := s.Delete(context.Background(), "movies", "7"); !errors.Is(err, apperrors.ErrDocumentNotFound) {
		t.Errorf("Delete err = %v", err)
	}
	n, err := s.DeleteMany(context.Background(), "movies", []string{"1", "2", "3"})
	if err != nil || n != 2 {
		t.Errorf("DeleteMany = %d, %v", n, err)
	}
}

func TestPostgresSearchBuildsFiltersAndPaginates(t *testing.T) {
	s, mock := newMockStore(t)
	where := ` WHERE doc @> $1::jsonb AND doc #>> $2::text[] >= $3`
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "movies"`+where)).
		WithArgs(jsonArg{`{"genres":[{"name":"Drama"}]}`}, sqlmock.AnyArg(), "1999-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM "movies"`+where+` ORDER BY doc #> $4::text[] DESC NULLS LAST, id ASC LIMIT $5 OFFSET $6`)).
		WithArgs(jsonArg{`{"genres":[{"name":"Drama"}]}`}, sqlmock.AnyArg(), "1999-01-01", sqlmock.AnyArg(), 2, 0).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"id":550}`)).
			AddRow([]byte(`{"id":807}`)))

	res, err := s.Search(context.Background(), "movies", Query{
		Filters: []Filter{
			{Field: "genres.name", Op: OpEq, Value: "Drama"},
			{Field: "release_date", Op: OpGte, Value: "1999-01-01"},
		},
		Sort: []SortField{{Field: "popularity", Desc: true}},
		Size: 2,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 5 || len(res.Hits) != 2 {
		t.Fatalf("res = %+v", res)
	}
	offset, err := decodePageToken(res.NextPageToken)
	if err != nil || offset != 2 {
		t.Errorf("next page offset = %d, %v", offset, err)
	}
}

func TestPostgresSearchNumericRangeAndText(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "movies" WHERE (EXISTS (SELECT 1 FROM jsonb_path_query(doc, $2::jsonpath) AS v WHERE v #>> '{}' ILIKE $1)) AND (doc #>> $3::text[])::numeric <= $4`)).
		WithArgs(`%50\% off%`, "$.title", sqlmock.AnyArg(), 120).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM "movies"`)).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	res, err := s.Search(context.Background(), "movies", Query{
		Text:       "50% off",
		TextFields: []string{"title"},
		Filters:    []Filter{{Field: "runtime", Op: OpLte, Value: 120}},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 0 || res.NextPageToken != "" {
		t.Errorf("res = %+v", res)
	}
}

func TestPostgresSearchRejectsBadQueries(t *testing.T) {
	s, _ := newMockStore(t)
	tests := []Query{
		{Filters: []Filter{{Field: "no_such_field", Op: OpEq, Value: 1}}},
		{Filters: []Filter{{Field: "genres.name", Op: OpGte, Value: "A"}}},
		{Filters: []Filter{{Field: "title", Op: "like", Value: "A"}}},
		{Sort: []SortField{{Field: "credits.cast.order"}}},
		{Size: MaxSize + 1},
		{PageToken: "%%%"},
	}
	for _, q := range tests {
		if _, err := s.Search(context.Background(), "movies", q); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("Search(%+v) err = %v, want invalid input", q, err)
		}
	}
	if _, err := s.Get(context.Background(), `movies"; DROP TABLE x; --`, "1"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("unsafe collection name accepted: %v", err)
	}
}

func TestPostgresCreateCollection(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "movie_reviews"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "movie_reviews_doc_gin"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "movie_reviews_created_at_idx" ON "movie_reviews" ((doc -> 'created_at'))`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "movie_reviews_updated_at_idx"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM information_schema.tables`)).
		WithArgs("movie_reviews").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ctx := context.Background()
	if err := s.CreateCollection(ctx, schema.ReviewsCollection, schema.Review); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	ok, err := s.CollectionExists(ctx, schema.ReviewsCollection)
	if err != nil || !ok {
		t.Errorf("CollectionExists = %v, %v", ok, err)
	}
}

func TestPostgresHealthCheck(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectPing()
	if !s.HealthCheck(context.Background(), time.Second) {
		t.Error("expected healthy store")
	}
}

func TestPageTokenRoundTrip(t *testing.T) {
	n, err := decodePageToken(encodePageToken(40))
	if err != nil || n != 40 {
		t.Errorf("decode = %d, %v", n, err)
	}
}

func TestPostgresAggregateTermsAndYears(t *testing.T) {
	s, mock := newMockStore(t)
	where := ` WHERE doc @> $1::jsonb`
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, count(*) FROM (SELECT DISTINCT id, jsonb_path_query(doc, $2::jsonpath) #>> '{}' AS key FROM "movies"`+where+`) v WHERE key IS NOT NULL GROUP BY key ORDER BY count(*) DESC, key ASC LIMIT $3`)).
		WithArgs(jsonArg{`{"status":"Released"}`}, "$.credits.cast.gender", 10).
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).
			AddRow("1", 4).
			AddRow("2", 4).
			AddRow(nil, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT substr(doc #>> $2::text[], 1, 4) AS key, count(*) FROM "movies"`+where+` GROUP BY key ORDER BY key ASC`)).
		WithArgs(jsonArg{`{"status":"Released"}`}, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).
			AddRow("1999", 2).
			AddRow("", 1).
			AddRow("2001", 3))

	got, err := s.Aggregate(context.Background(), "movies", Query{
		Filters: []Filter{{Field: "status", Op: OpEq, Value: "Released"}},
		Size:    2,
	}, []Aggregation{
		{Name: "castGender", Field: "credits.cast.gender", Kind: AggTerms},
		{Name: "releaseDate", Field: "release_date", Kind: AggYearHistogram},
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	want := Aggregations{
		"castGender":  {Buckets: []Bucket{{Key: 1.0, Count: 4}, {Key: 2.0, Count: 4}}},
		"releaseDate": {Buckets: []Bucket{{Key: "1999", Count: 2}, {Key: "2001", Count: 3}}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Aggregate = %+v, want %+v", got, want)
	}
}

func TestAggregateRejectsBadRequests(t *testing.T) {
	s, _ := newMockStore(t)
	tests := [][]Aggregation{
		nil,
		{{Name: "a", Field: "no_such_field", Kind: AggTerms}},
		{{Name: "a", Field: "title", Kind: "median"}},
		{{Name: "a", Field: "title", Kind: AggYearHistogram}},
		{{Name: "a", Field: "genres.name", Kind: AggTerms, Size: MaxBuckets + 1}},
		{{Name: "a", Field: "status", Kind: AggTerms}, {Name: "a", Field: "status", Kind: AggTerms}},
	}
	for _, aggs := range tests {
		if _, err := s.Aggregate(context.Background(), "movies", Query{}, aggs); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("Aggregate(%+v) err = %v, want invalid input", aggs, err)
		}
	}
}
