package fetch

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//go:generate mockgen -source=fetch.go -destination=mock/mock_fetcher.go -package=mock_fetch

// Options is the caching hint passed along with an upstream fetch.
// A nil *Options means the fetch is a plain pass-through.
type Options struct {
	// How long a transport-level cache may reuse the response.
	// Zero disables transport caching.
	CacheTTL time.Duration
	// Cache the response regardless of the cache directives it carries.
	CacheEverything bool
}

// Fetcher performs a request against the upstream origin.
// The request method, headers and body are forwarded unchanged.
type Fetcher interface {
	Fetch(r *http.Request, opts *Options) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(r *http.Request, opts *Options) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request, opts *Options) (*http.Response, error) {
	return f(r, opts)
}

const (
	sourceOrigin = "origin"
	sourceEdge   = "edge"
)

var fetchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "edgecache_fetch_duration_seconds",
		Help:    "Duration of upstream fetches by the source that answered them",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"source"},
)
