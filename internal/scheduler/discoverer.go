// Package scheduler discovers movies from a paginated listing and enqueues
// the ones the store does not hold yet.
package scheduler

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
)

// Source is the part of the catalog client discovery needs.
type Source interface {
	FetchPage(ctx context.Context, endpoint string, params url.Values) (*catalog.Page, error)
	FetchNext(ctx context.Context, cur *catalog.Cursor) (*catalog.Page, error)
}

type discoveryState int

const (
	stateFresh discoveryState = iota
	stateContinuing
	stateExhausted
)

func (s discoveryState) String() string {
	switch s {
	case stateFresh:
		return "fresh"
	case stateContinuing:
		return "continuing"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Discoverer walks one listing a page per call. After the last page it
// returns a single nil batch and then starts over from page 1. A failed
// fetch discards the cursor so the next call also starts over.
//
// A Discoverer is not safe for concurrent use.
type Discoverer struct {
	source   Source
	endpoint string
	params   url.Values
	state    discoveryState
	cursor   *catalog.Cursor
	logger   *slog.Logger
}

func NewDiscoverer(source Source, endpoint string, params url.Values, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		source:   source,
		endpoint: endpoint,
		params:   params,
		logger:   logger.With("component", "discoverer", "endpoint", endpoint),
	}
}

// NextBatch returns the next page of summaries filtered to the summary
// allow-list, or nil once the listing is exhausted.
func (d *Discoverer) NextBatch(ctx context.Context) ([]schema.Document, error) {
	var (
		page *catalog.Page
		err  error
	)
	switch d.state {
	case stateExhausted:
		d.reset()
		return nil, nil
	case stateContinuing:
		page, err = d.source.FetchNext(ctx, d.cursor)
	default:
		page, err = d.source.FetchPage(ctx, d.endpoint, d.params)
	}
	if err != nil {
		d.logger.Warn("discovery fetch failed, restarting from the first page", "state", d.state.String(), "error", err)
		d.reset()
		return nil, err
	}
	if page == nil {
		d.reset()
		return nil, nil
	}

	if page.HasNext() {
		d.cursor = page.Cursor()
		d.state = stateContinuing
	} else {
		d.cursor = nil
		d.state = stateExhausted
	}
	d.logger.Debug("discovered page", "page", page.Number(), "total_pages", page.TotalPages(), "results", len(page.Results()))
	return schema.MovieSummary.FilterAll(page.Results()), nil
}

func (d *Discoverer) reset() {
	d.state = stateFresh
	d.cursor = nil
}
