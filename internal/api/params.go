package api

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/store"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
)

// fieldAliases maps the query parameter names clients use to document paths.
var fieldAliases = map[string]string{
	"budget":            "budget",
	"castDepartment":    "credits.cast.known_for_department",
	"castGender":        "credits.cast.gender",
	"castName":          "credits.cast.name",
	"character":         "credits.cast.character",
	"crewDepartment":    "credits.crew.department",
	"crewGender":        "credits.crew.gender",
	"crewJob":           "credits.crew.job",
	"crewName":          "credits.crew.name",
	"genre":             "genres.name",
	"keyword":           "keywords.name",
	"originalLanguage":  "original_language",
	"popularity":        "popularity",
	"productionCompany": "production_companies.name",
	"releaseDate":       "release_date",
	"revenue":           "revenue",
	"runtime":           "runtime",
	"spokenLanguage":    "spoken_languages.name",
	"status":            "status",
	"title":             "title",
	"voteAverage":       "vote_average",
	"voteCount":         "vote_count",
}

const defaultSort = "popularity:desc"

// listing is the projection returned by movie searches.
var listing = pick(schema.Movie,
	"backdrop_path", "belongs_to_collection", "budget", "genres", "homepage",
	"id", "keywords", "overview", "popularity", "poster_path",
	"production_companies", "production_countries", "release_date", "revenue",
	"runtime", "spoken_languages", "status", "tagline", "title",
	"vote_average", "vote_count",
)

func pick(s schema.Schema, names ...string) schema.Schema {
	out := make(schema.Schema, len(names))
	for _, n := range names {
		out[n] = s[n]
	}
	return out
}

// parseSearch turns query parameters into a store query:
//
//	q=matrix                  text search over title, original title and overview
//	genre=Action              equality on an aliased field, repeatable (all must match)
//	releaseDateFrom=2000-01-01, releaseDateTo=...   range on an aliased field
//	sort=popularity:desc,title:asc
//	size=20, page_token=...
//	agg=genre,releaseDate, agg_size=10   bucket counts, see parseAggregations
func parseSearch(params url.Values, cfg config.SearchConfig) (store.Query, error) {
	q := store.Query{
		Text:      strings.TrimSpace(params.Get("q")),
		Size:      cfg.DefaultSize,
		PageToken: params.Get("page_token"),
	}
	if raw := params.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, fmt.Errorf("%w: size must be a positive integer", apperrors.ErrInvalidInput)
		}
		if cfg.MaxSize > 0 && n > cfg.MaxSize {
			n = cfg.MaxSize
		}
		q.Size = n
	}

	sortParam := params.Get("sort")
	if sortParam == "" {
		sortParam = defaultSort
	}
	sorts, err := parseSort(sortParam)
	if err != nil {
		return q, err
	}
	q.Sort = sorts

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch key {
		case "q", "size", "sort", "page_token", "agg", "agg_size":
			continue
		}
		path, op, err := filterTarget(key)
		if err != nil {
			return q, err
		}
		for _, raw := range params[key] {
			v, err := typedValue(path, raw)
			if err != nil {
				return q, fmt.Errorf("%w: %s: %v", apperrors.ErrInvalidInput, key, err)
			}
			q.Filters = append(q.Filters, store.Filter{Field: path, Op: op, Value: v})
		}
	}
	return q, nil
}

// parseAggregations reads agg (repeatable, comma separated aliases) and
// agg_size. Date aliases bucket by year; every other alias by term. Each
// aggregation is named after its alias.
func parseAggregations(params url.Values) ([]store.Aggregation, error) {
	size := 0
	if raw := params.Get("agg_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > store.MaxBuckets {
			return nil, fmt.Errorf("%w: agg_size must be between 1 and %d", apperrors.ErrInvalidInput, store.MaxBuckets)
		}
		size = n
	}
	var out []store.Aggregation
	seen := make(map[string]bool)
	for _, raw := range params["agg"] {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			path, ok := fieldAliases[name]
			if !ok {
				return nil, fmt.Errorf("%w: cannot aggregate on %q", apperrors.ErrInvalidInput, name)
			}
			seen[name] = true
			agg := store.Aggregation{Name: name, Field: path, Kind: store.AggTerms, Size: size}
			if f, _, _ := schema.Movie.Lookup(path); f.Type == schema.Date {
				agg.Kind, agg.Size = store.AggYearHistogram, 0
			}
			out = append(out, agg)
		}
	}
	return out, nil
}

func filterTarget(key string) (string, store.FilterOp, error) {
	if path, ok := fieldAliases[key]; ok {
		return path, store.OpEq, nil
	}
	if base, ok := strings.CutSuffix(key, "From"); ok {
		if path, ok := fieldAliases[base]; ok {
			return path, store.OpGte, nil
		}
	}
	if base, ok := strings.CutSuffix(key, "To"); ok {
		if path, ok := fieldAliases[base]; ok {
			return path, store.OpLte, nil
		}
	}
	return "", "", fmt.Errorf("%w: unknown parameter %q", apperrors.ErrInvalidInput, key)
}

func parseSort(raw string) ([]store.SortField, error) {
	var out []store.SortField
	for _, part := range strings.Split(raw, ",") {
		name, dir, _ := strings.Cut(strings.TrimSpace(part), ":")
		path, ok := fieldAliases[name]
		if !ok {
			return nil, fmt.Errorf("%w: cannot sort by %q", apperrors.ErrInvalidInput, name)
		}
		switch dir {
		case "", "asc":
			out = append(out, store.SortField{Field: path})
		case "desc":
			out = append(out, store.SortField{Field: path, Desc: true})
		default:
			return nil, fmt.Errorf("%w: sort direction %q", apperrors.ErrInvalidInput, dir)
		}
	}
	return out, nil
}

// typedValue converts raw to the type the schema declares for path so JSON
// comparisons in the store match.
func typedValue(path, raw string) (any, error) {
	f, _, ok := schema.Movie.Lookup(path)
	if !ok {
		return raw, nil
	}
	switch f.Type {
	case schema.Integer, schema.Long, schema.Float:
		return strconv.ParseFloat(raw, 64)
	case schema.Boolean:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}
