package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/resilience"
	"github.com/lib/pq"
)

// PostgresStore keeps each collection in its own table:
//
//	CREATE TABLE <collection> (
//	    id         TEXT PRIMARY KEY,
//	    doc        JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// Equality filters use JSONB containment so the GIN index on doc serves them.
type PostgresStore struct {
	db      *postgres.Client
	schemas *schemas
	logger  *slog.Logger
}

func NewPostgresStore(db *postgres.Client, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:      db,
		schemas: newSchemas(),
		logger:  logger.With("component", "postgres-store"),
	}
}

func table(collection string) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	return pq.QuoteIdentifier(collection), nil
}

func (s *PostgresStore) Exists(ctx context.Context, collection, id string) (bool, error) {
	t, err := table(collection)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.db.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+t+` WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", collection, id, err)
	}
	return exists, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (schema.Document, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.DB.QueryRowContext(ctx, `SELECT doc FROM `+t+` WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, apperrors.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", collection, id, err)
	}
	return decodeDoc(data)
}

// GetMany returns the documents in the order of ids, skipping unknown ids.
func (s *PostgresStore) GetMany(ctx context.Context, collection string, ids []string) ([]schema.Document, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.DB.QueryContext(ctx, `SELECT id, doc FROM `+t+` WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("getting %d documents from %s: %w", len(ids), collection, err)
	}
	defer rows.Close()

	byID := make(map[string]schema.Document, len(ids))
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", collection, err)
		}
		doc, err := decodeDoc(data)
		if err != nil {
			s.logger.Warn("skipping corrupt document", "collection", collection, "id", id, "error", err)
			continue
		}
		byID[id] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]schema.Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *PostgresStore) Put(ctx context.Context, collection, id string, doc schema.Document) (PutResult, error) {
	t, err := table(collection)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling %s/%s: %w", collection, id, err)
	}
	var inserted bool
	err = s.db.DB.QueryRowContext(ctx,
		`INSERT INTO `+t+` (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
		 RETURNING (xmax = 0)`,
		id, data,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("putting %s/%s: %w", collection, id, err)
	}
	if inserted {
		return Created, nil
	}
	return Updated, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	t, err := table(collection)
	if err != nil {
		return err
	}
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM `+t+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, apperrors.ErrDocumentNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteMany(ctx context.Context, collection string, ids []string) (int64, error) {
	t, err := table(collection)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM `+t+` WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("deleting %d documents from %s: %w", len(ids), collection, err)
	}
	return res.RowsAffected()
}

// sqlArgs numbers positional parameters as they are added.
type sqlArgs []any

func (a *sqlArgs) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *PostgresStore) Search(ctx context.Context, collection string, q Query) (*SearchResult, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	sc := s.schemas.get(collection)
	plan, err := planQuery(sc, q)
	if err != nil {
		return nil, err
	}

	var args sqlArgs
	whereSQL, err := whereClause(sc, plan, &args)
	if err != nil {
		return nil, err
	}

	var total int64
	if err := s.db.DB.QueryRowContext(ctx, `SELECT count(*) FROM `+t+whereSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting %s: %w", collection, err)
	}

	var order []string
	for _, so := range plan.sort {
		dir := "ASC NULLS LAST"
		if so.desc {
			dir = "DESC NULLS LAST"
		}
		order = append(order, fmt.Sprintf("doc #> %s::text[] %s", args.add(pq.Array(so.path.segments)), dir))
	}
	order = append(order, "id ASC")
	limit := args.add(plan.size)
	offset := args.add(plan.offset)
	query := `SELECT doc FROM ` + t + whereSQL + ` ORDER BY ` + strings.Join(order, ", ") + ` LIMIT ` + limit + ` OFFSET ` + offset

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	defer rows.Close()

	hits := make([]schema.Document, 0, plan.size)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning %s hit: %w", collection, err)
		}
		doc, err := decodeDoc(data)
		if err != nil {
			s.logger.Warn("skipping corrupt document", "collection", collection, "error", err)
			continue
		}
		hits = append(hits, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &SearchResult{
		Hits:          hits,
		Total:         total,
		NextPageToken: plan.nextPageToken(len(hits), total),
	}, nil
}

// whereClause renders the text and filter parts of plan, appending their
// parameters to args. It returns "" when nothing restricts the match.
func whereClause(sc schema.Schema, plan *plannedQuery, args *sqlArgs) (string, error) {
	var where []string
	if plan.text != "" {
		pattern := args.add("%" + likeEscaper.Replace(plan.text) + "%")
		var ors []string
		for _, f := range plan.textFields {
			// Lax jsonpath unwraps arrays, so one form covers lists and objects.
			jp := args.add("$." + strings.Join(f.segments, "."))
			ors = append(ors, fmt.Sprintf(
				`EXISTS (SELECT 1 FROM jsonb_path_query(doc, %s::jsonpath) AS v WHERE v #>> '{}' ILIKE %s)`, jp, pattern))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	for _, f := range plan.filters {
		switch f.op {
		case OpEq:
			data, err := json.Marshal(containment(sc, f.path.segments, f.value))
			if err != nil {
				return "", fmt.Errorf("encoding filter on %s: %w", f.path.path, err)
			}
			where = append(where, "doc @> "+args.add(string(data))+"::jsonb")
		case OpGte, OpLte:
			cmp := ">="
			if f.op == OpLte {
				cmp = "<="
			}
			p := args.add(pq.Array(f.path.segments))
			if f.path.numeric() {
				where = append(where, fmt.Sprintf("(doc #>> %s::text[])::numeric %s %s", p, cmp, args.add(f.value)))
			} else {
				where = append(where, fmt.Sprintf("doc #>> %s::text[] %s %s", p, cmp, args.add(fmt.Sprint(f.value))))
			}
		}
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), nil
}

// Aggregate runs one grouped query per aggregation. Terms read every value
// under the path with a lax jsonpath and count each (id, value) pair once.
func (s *PostgresStore) Aggregate(ctx context.Context, collection string, q Query, aggs []Aggregation) (Aggregations, error) {
	t, err := table(collection)
	if err != nil {
		return nil, err
	}
	sc := s.schemas.get(collection)
	plan, err := matchPlan(sc, q)
	if err != nil {
		return nil, err
	}
	planned, err := planAggregations(sc, aggs)
	if err != nil {
		return nil, err
	}

	out := make(Aggregations, len(planned))
	for _, a := range planned {
		var args sqlArgs
		whereSQL, err := whereClause(sc, plan, &args)
		if err != nil {
			return nil, err
		}
		var query string
		switch a.kind {
		case AggYearHistogram:
			query = fmt.Sprintf(
				`SELECT substr(doc #>> %s::text[], 1, 4) AS key, count(*) FROM %s%s GROUP BY key ORDER BY key ASC`,
				args.add(pq.Array(a.path.segments)), t, whereSQL)
		default:
			jp := args.add("$." + strings.Join(a.path.segments, "."))
			query = fmt.Sprintf(
				`SELECT key, count(*) FROM (SELECT DISTINCT id, jsonb_path_query(doc, %s::jsonpath) #>> '{}' AS key FROM %s%s) v`+
					` WHERE key IS NOT NULL GROUP BY key ORDER BY count(*) DESC, key ASC LIMIT %s`,
				jp, t, whereSQL, args.add(a.size))
		}
		buckets, err := s.scanBuckets(ctx, a, query, args)
		if err != nil {
			return nil, fmt.Errorf("aggregating %s.%s: %w", collection, a.path.path, err)
		}
		out[a.name] = AggregationResult{Buckets: buckets}
	}
	return out, nil
}

func (s *PostgresStore) scanBuckets(ctx context.Context, a plannedAggregation, query string, args sqlArgs) ([]Bucket, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := []Bucket{}
	for rows.Next() {
		var raw sql.NullString
		var count int64
		if err := rows.Scan(&raw, &count); err != nil {
			return nil, err
		}
		if !raw.Valid {
			continue
		}
		key, ok := a.bucketKey(raw.String)
		if !ok {
			continue
		}
		buckets = append(buckets, Bucket{Key: key, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return a.sortBuckets(buckets), nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context, timeout time.Duration) bool {
	return resilience.PollUntil(ctx, time.Second, timeout, func(ctx context.Context) bool {
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Debug("store not ready", "error", err)
			return false
		}
		return true
	})
}

var indexNameUnsafe = regexp.MustCompile(`[^a-z0-9_]`)

// CreateCollection creates the table with a GIN index on doc and expression
// indexes on top-level sortable scalars.
func (s *PostgresStore) CreateCollection(ctx context.Context, name string, sc schema.Schema) error {
	t, err := table(name)
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			id         TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(name+"_doc_gin") + ` ON ` + t + ` USING GIN (doc jsonb_path_ops)`,
	}
	for _, field := range sortableFields(sc) {
		idx := pq.QuoteIdentifier(indexNameUnsafe.ReplaceAllString(name+"_"+field+"_idx", "_"))
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((doc -> %s))`, idx, t, pq.QuoteLiteral(field)))
	}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	if sc != nil {
		s.schemas.set(name, sc)
	}
	s.logger.Info("collection ready", "collection", name, "indexes", len(stmts)-1)
	return nil
}

func sortableFields(sc schema.Schema) []string {
	var out []string
	for name, f := range sc {
		if f.List || f.Properties != nil {
			continue
		}
		switch f.Type {
		case schema.Float, schema.Long, schema.Date:
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *PostgresStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := validateCollection(name); err != nil {
		return false, err
	}
	var exists bool
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`,
		name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking collection %s: %w", name, err)
	}
	return exists, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func decodeDoc(data []byte) (schema.Document, error) {
	var doc schema.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}
