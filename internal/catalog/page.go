package catalog

import (
	"net/url"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/internal/schema"
)

// PageLimit is the last page the upstream API will serve for any listing.
const PageLimit = 1000

// Cursor is the continuation of a paginated listing. FetchNext advances it
// exactly once per call; after the final page or a failed fetch it is
// exhausted and every further FetchNext is a no-op.
type Cursor struct {
	Endpoint  string
	Params    url.Values
	Page      int
	Exhausted bool
}

// Page is one decoded upstream response.
type Page struct {
	endpoint   string
	params     url.Values
	payload    schema.Document
	results    []schema.Document
	number     int
	totalPages int
	paginated  bool
}

func newPage(endpoint string, params url.Values, payload schema.Document) *Page {
	p := &Page{endpoint: endpoint, params: params, payload: payload}
	number, okPage := schema.Int(payload, "page")
	total, okTotal := schema.Int(payload, "total_pages")
	rawResults, okResults := payload["results"]
	if okPage && okTotal && okResults {
		p.paginated = true
		p.number = number
		p.totalPages = total
		p.results = schema.Documents(rawResults)
		return p
	}
	p.results = []schema.Document{payload}
	return p
}

// Results returns the listing entries of a paginated response, or the whole
// payload as a single entry otherwise.
func (p *Page) Results() []schema.Document {
	return p.results
}

// Payload returns the raw decoded response object.
func (p *Page) Payload() schema.Document {
	return p.payload
}

// Paginated reports whether the response had page, total_pages and results.
func (p *Page) Paginated() bool {
	return p.paginated
}

// Number is the page number the upstream reported.
func (p *Page) Number() int {
	return p.number
}

// TotalPages is the page count the upstream reported.
func (p *Page) TotalPages() int {
	return p.totalPages
}

// HasNext reports whether another page can be requested.
func (p *Page) HasNext() bool {
	return p.paginated && p.number < p.totalPages && p.number < PageLimit
}

// Cursor returns the continuation of this page. It is already exhausted when
// HasNext is false.
func (p *Page) Cursor() *Cursor {
	c := &Cursor{
		Endpoint:  p.endpoint,
		Params:    cloneParams(p.params),
		Exhausted: !p.HasNext(),
	}
	if !c.Exhausted {
		c.Page = p.number + 1
	}
	return c
}

func cloneParams(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for k, v := range params {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func withPage(params url.Values, page int) url.Values {
	out := cloneParams(params)
	out.Set("page", strconv.Itoa(page))
	return out
}

// startPage reads params' page, defaulting to 1.
func startPage(params url.Values) int {
	if n, err := strconv.Atoi(params.Get("page")); err == nil && n > 0 {
		return n
	}
	return 1
}
