// Package catalog is the client for the upstream movie catalog API. It turns
// paginated listings into Pages and Cursors, retries transport failures with a
// linear backoff and paces requests to stay under the upstream rate limit.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/resilience"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 16 << 20

// Config configures a Client. Zero values fall back to the defaults of
// config.TMDBConfig.
type Config struct {
	BaseURL           string
	Token             string
	MaxAttempts       int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Breaker           *resilience.CircuitBreaker
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// FromConfig maps the tmdb config section onto a client Config.
func FromConfig(cfg config.TMDBConfig) Config {
	return Config{
		BaseURL:           cfg.BaseURL,
		Token:             cfg.Token,
		MaxAttempts:       cfg.MaxAttempts,
		RetryDelay:        cfg.RetryDelay,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
	}
}

// Client talks to the upstream catalog API. It is safe for concurrent use.
type Client struct {
	baseURL     string
	token       string
	maxAttempts int
	retryDelay  time.Duration
	http        *http.Client
	limiter     *rate.Limiter
	breaker     *resilience.CircuitBreaker
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.themoviedb.org/3"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	logger := logOr(cfg.Logger).With("component", "catalog")
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker("catalog", resilience.CircuitBreakerConfig{
			FailureThreshold: 10,
			ResetTimeout:     30 * time.Second,
			IsFailure:        IsTransport,
			Logger:           cfg.Logger,
		})
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       strings.TrimSpace(cfg.Token),
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		http:        cfg.HTTPClient,
		limiter:     rate.NewLimiter(limit, burst),
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

func logOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// FetchPage requests endpoint with params. Transport failures are retried
// with the identical request; protocol failures (non-200 status, non-JSON
// content type, malformed body) are returned at once.
func (c *Client) FetchPage(ctx context.Context, endpoint string, params url.Values) (*Page, error) {
	params = cloneParams(params)
	endpoint = strings.TrimLeft(endpoint, "/")

	var payload schema.Document
	err := resilience.Retry(ctx, "catalog GET "+endpoint, resilience.RetryConfig{
		MaxAttempts: c.maxAttempts,
		Backoff:     resilience.LinearBackoff(c.retryDelay),
		Retryable:   IsTransport,
		Logger:      c.logger,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.metrics.UpstreamRetriesTotal.Inc()
		},
	}, func() error {
		err := c.breaker.Execute(func() error {
			var err error
			payload, err = c.do(ctx, endpoint, params)
			return err
		})
		c.metrics.CircuitBreakerState.WithLabelValues("catalog").Set(float64(c.breaker.GetState()))
		c.metrics.UpstreamRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: %w", apperrors.ErrTransport, err)
		}
		return err
	})
	if err != nil {
		c.logger.Error("catalog request failed",
			"endpoint", endpoint,
			"params", maskParams(params),
			"error", err,
		)
		return nil, err
	}
	return newPage(endpoint, params, payload), nil
}

// FetchNext requests the page the cursor points at and advances it. It
// returns (nil, nil) without touching the network once the cursor is
// exhausted. A failed fetch exhausts the cursor.
func (c *Client) FetchNext(ctx context.Context, cur *Cursor) (*Page, error) {
	if cur == nil || cur.Exhausted {
		return nil, nil
	}
	page, err := c.FetchPage(ctx, cur.Endpoint, withPage(cur.Params, cur.Page))
	if err != nil {
		cur.Exhausted = true
		return nil, err
	}
	if page.HasNext() {
		cur.Page = page.Number() + 1
	} else {
		cur.Exhausted = true
	}
	return page, nil
}

// DrainAll fetches endpoint from params' page (1 when unset) through the last
// available page and concatenates the results in order, dropping entries whose
// id was already seen. On error it returns what was collected so far together
// with the error.
func (c *Client) DrainAll(ctx context.Context, endpoint string, params url.Values) ([]schema.Document, error) {
	page, err := c.FetchPage(ctx, endpoint, withPage(params, startPage(params)))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []schema.Document
	collect := func(p *Page) {
		for _, doc := range p.Results() {
			if id, ok := schema.IDOf(doc); ok {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
			out = append(out, doc)
		}
	}
	collect(page)

	cur := page.Cursor()
	for {
		next, err := c.FetchNext(ctx, cur)
		if err != nil {
			return out, err
		}
		if next == nil {
			return out, nil
		}
		collect(next)
	}
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values) (schema.Document, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	reqURL := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, protocolError(endpoint, "building request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(endpoint, params, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(endpoint, params, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: bodySnippet(body)}
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil, protocolError(endpoint, "unexpected content type %q: %s", resp.Header.Get("Content-Type"), bodySnippet(body))
	}
	var payload schema.Document
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, protocolError(endpoint, "decoding body: %v: %s", err, bodySnippet(body))
	}
	return payload, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case IsTransport(err):
		return "transport_error"
	default:
		return "protocol_error"
	}
}
