package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/resilience"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore keeps each collection in a MongoDB collection keyed by _id.
type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	schemas *schemas
	logger  *slog.Logger
}

// ConnectMongo opens a client; the driver connects lazily so the first
// operation or HealthCheck is what proves the server is reachable.
func ConnectMongo(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	return client, nil
}

func NewMongoStore(client *mongo.Client, database string, logger *slog.Logger) *MongoStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoStore{
		client:  client,
		db:      client.Database(database),
		schemas: newSchemas(),
		logger:  logger.With("component", "mongo-store", "database", database),
	}
}

func (s *MongoStore) collection(name string) (*mongo.Collection, error) {
	if err := validateCollection(name); err != nil {
		return nil, err
	}
	return s.db.Collection(name), nil
}

func (s *MongoStore) Exists(ctx context.Context, collection, id string) (bool, error) {
	c, err := s.collection(collection)
	if err != nil {
		return false, err
	}
	n, err := c.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", collection, id, err)
	}
	return n > 0, nil
}

func (s *MongoStore) Get(ctx context.Context, collection, id string) (schema.Document, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	var raw bson.M
	if err := c.FindOne(ctx, bson.M{"_id": id}).Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, apperrors.ErrDocumentNotFound)
		}
		return nil, fmt.Errorf("getting %s/%s: %w", collection, id, err)
	}
	return fromBSON(raw), nil
}

func (s *MongoStore) GetMany(ctx context.Context, collection string, ids []string) ([]schema.Document, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := c.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("getting %d documents from %s: %w", len(ids), collection, err)
	}
	defer cursor.Close(ctx)

	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, fmt.Errorf("decoding %s documents: %w", collection, err)
	}
	byID := make(map[string]schema.Document, len(raws))
	for _, raw := range raws {
		id, _ := raw["_id"].(string)
		byID[id] = fromBSON(raw)
	}
	out := make([]schema.Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *MongoStore) Put(ctx context.Context, collection, id string, doc schema.Document) (PutResult, error) {
	c, err := s.collection(collection)
	if err != nil {
		return "", err
	}
	replacement := make(bson.M, len(doc)+1)
	for k, v := range doc {
		replacement[k] = v
	}
	replacement["_id"] = id
	res, err := c.ReplaceOne(ctx, bson.M{"_id": id}, replacement, options.Replace().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("putting %s/%s: %w", collection, id, err)
	}
	if res.UpsertedCount > 0 {
		return Created, nil
	}
	return Updated, nil
}

func (s *MongoStore) Delete(ctx context.Context, collection, id string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	res, err := c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, apperrors.ErrDocumentNotFound)
	}
	return nil
}

func (s *MongoStore) DeleteMany(ctx context.Context, collection string, ids []string) (int64, error) {
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := c.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("deleting %d documents from %s: %w", len(ids), collection, err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Search(ctx context.Context, collection string, q Query) (*SearchResult, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	plan, err := planQuery(s.schemas.get(collection), q)
	if err != nil {
		return nil, err
	}
	filter := mongoFilter(plan)

	total, err := c.CountDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("counting %s: %w", collection, err)
	}
	opts := options.Find().
		SetSort(mongoSort(plan)).
		SetSkip(int64(plan.offset)).
		SetLimit(int64(plan.size))
	cursor, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, fmt.Errorf("decoding %s hits: %w", collection, err)
	}
	hits := make([]schema.Document, 0, len(raws))
	for _, raw := range raws {
		hits = append(hits, fromBSON(raw))
	}
	return &SearchResult{
		Hits:          hits,
		Total:         total,
		NextPageToken: plan.nextPageToken(len(hits), total),
	}, nil
}

// Aggregate runs one pipeline per aggregation. Terms unwind once per path
// segment so values inside lists of objects are reached, then group twice to
// count each document once per value.
func (s *MongoStore) Aggregate(ctx context.Context, collection string, q Query, aggs []Aggregation) (Aggregations, error) {
	c, err := s.collection(collection)
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
	match := bson.D{{Key: "$match", Value: mongoFilter(plan)}}

	out := make(Aggregations, len(planned))
	for _, a := range planned {
		cursor, err := c.Aggregate(ctx, aggregationPipeline(match, a))
		if err != nil {
			return nil, fmt.Errorf("aggregating %s.%s: %w", collection, a.path.path, err)
		}
		var rows []struct {
			Key   any   `bson:"_id"`
			Count int64 `bson:"count"`
		}
		err = cursor.All(ctx, &rows)
		cursor.Close(ctx)
		if err != nil {
			return nil, fmt.Errorf("decoding %s.%s buckets: %w", collection, a.path.path, err)
		}
		buckets := []Bucket{}
		for _, r := range rows {
			if key, ok := a.bucketKey(r.Key); ok {
				buckets = append(buckets, Bucket{Key: key, Count: r.Count})
			}
		}
		out[a.name] = AggregationResult{Buckets: a.sortBuckets(buckets)}
	}
	return out, nil
}

func aggregationPipeline(match bson.D, a plannedAggregation) mongo.Pipeline {
	field := "$" + a.path.path
	if a.kind == AggYearHistogram {
		return mongo.Pipeline{
			match,
			{{Key: "$match", Value: bson.M{a.path.path: bson.M{"$type": "string"}}}},
			{{Key: "$group", Value: bson.M{
				"_id":   bson.M{"$substrBytes": bson.A{field, 0, 4}},
				"count": bson.M{"$sum": 1},
			}}},
			{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		}
	}
	pipeline := mongo.Pipeline{
		match,
		{{Key: "$project", Value: bson.M{"v": field}}},
	}
	for range a.path.segments {
		pipeline = append(pipeline, bson.D{{Key: "$unwind", Value: "$v"}})
	}
	return append(pipeline,
		bson.D{{Key: "$group", Value: bson.M{"_id": bson.M{"doc": "$_id", "v": "$v"}}}},
		bson.D{{Key: "$group", Value: bson.M{"_id": "$_id.v", "count": bson.M{"$sum": 1}}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
		bson.D{{Key: "$limit", Value: a.size}},
	)
}

func mongoFilter(plan *plannedQuery) bson.M {
	var and bson.A
	if plan.text != "" {
		var or bson.A
		for _, f := range plan.textFields {
			or = append(or, bson.M{f.path: bson.M{
				"$regex":   regexp.QuoteMeta(plan.text),
				"$options": "i",
			}})
		}
		and = append(and, bson.M{"$or": or})
	}
	for _, f := range plan.filters {
		switch f.op {
		case OpEq:
			and = append(and, bson.M{f.path.path: f.value})
		case OpGte:
			and = append(and, bson.M{f.path.path: bson.M{"$gte": f.value}})
		case OpLte:
			and = append(and, bson.M{f.path.path: bson.M{"$lte": f.value}})
		}
	}
	if len(and) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": and}
}

func mongoSort(plan *plannedQuery) bson.D {
	sort := make(bson.D, 0, len(plan.sort)+1)
	for _, so := range plan.sort {
		dir := 1
		if so.desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: so.path.path, Value: dir})
	}
	return append(sort, bson.E{Key: "_id", Value: 1})
}

func (s *MongoStore) HealthCheck(ctx context.Context, timeout time.Duration) bool {
	return resilience.PollUntil(ctx, time.Second, timeout, func(ctx context.Context) bool {
		if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
			s.logger.Debug("store not ready", "error", err)
			return false
		}
		return true
	})
}

// CreateCollection creates the collection if needed and indexes keyword
// paths and top-level sortable scalars.
func (s *MongoStore) CreateCollection(ctx context.Context, name string, sc schema.Schema) error {
	if err := validateCollection(name); err != nil {
		return err
	}
	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.db.CreateCollection(ctx, name); err != nil {
			var cmdErr mongo.CommandError
			// 48 NamespaceExists: another process created it first.
			if !errors.As(err, &cmdErr) || cmdErr.Code != 48 {
				return fmt.Errorf("creating collection %s: %w", name, err)
			}
		}
	}
	models := indexModels(sc)
	if len(models) > 0 {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("indexing collection %s: %w", name, err)
		}
	}
	if sc != nil {
		s.schemas.set(name, sc)
	}
	s.logger.Info("collection ready", "collection", name, "indexes", len(models))
	return nil
}

func indexModels(sc schema.Schema) []mongo.IndexModel {
	var paths []string
	for path, typ := range sc.Fields() {
		if typ == schema.Keyword {
			paths = append(paths, path)
		}
	}
	paths = append(paths, sortableFields(sc)...)
	sort.Strings(paths)
	models := make([]mongo.IndexModel, 0, len(paths))
	for _, p := range paths {
		models = append(models, mongo.IndexModel{Keys: bson.D{{Key: p, Value: 1}}})
	}
	return models
}

func (s *MongoStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := validateCollection(name); err != nil {
		return false, err
	}
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": name})
	if err != nil {
		return false, fmt.Errorf("checking collection %s: %w", name, err)
	}
	return len(names) > 0, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// fromBSON converts a decoded BSON document into the JSON-shaped form the
// rest of the pipeline uses: nested maps and slices, numbers as float64, no
// _id.
func fromBSON(raw bson.M) schema.Document {
	doc := make(schema.Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		doc[k] = normalizeBSON(v)
	}
	return doc
}

func normalizeBSON(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeBSON(inner)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeBSON(inner)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeBSON(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeBSON(inner)
		}
		return out
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	default:
		return val
	}
}
