package edgecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/always-cache/edgecache/cache"
	cachecontrol "github.com/always-cache/edgecache/pkg/cache-control"
	cachekey "github.com/always-cache/edgecache/pkg/cache-key"
	"github.com/always-cache/edgecache/pkg/fetch"
	responsetransformer "github.com/always-cache/edgecache/pkg/response-transformer"
	"github.com/always-cache/edgecache/pkg/waituntil"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTTL is how long a cached response is reused.
	DefaultTTL = 10 * time.Second
	// DefaultScheme is assumed for plain-text requests without X-Forwarded-Proto.
	DefaultScheme = "https"
	// DefaultErrorStatus is the status of "Error thrown" responses.
	DefaultErrorStatus = http.StatusOK

	errorPrefix = "Error thrown "
)

type Config struct {
	// Storage for cache entries.
	Store cache.Store
	// Upstream used for every request, cached or not.
	Fetcher fetch.Fetcher
	// Runs cache writes after the response is sent.
	// A waituntil.Group without limits is used if nil.
	Deferrer waituntil.Deferrer
	// Absolute URLs whose POST requests are cached. DefaultEndpoints if nil.
	Endpoints []string
	// Lifetime of cached responses. DefaultTTL if zero.
	TTL time.Duration
	// Scheme for reconstructing request URLs. DefaultScheme if empty.
	Scheme string
	// Status of error responses. DefaultErrorStatus if zero.
	ErrorStatus int
	// Header rewrite for responses that are cached.
	// An empty Override is replaced by max-age=TTL.
	Rewrite responsetransformer.Rule
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Handler caches POST responses of allow-listed endpoints
// and passes everything else through to the upstream unchanged.
type Handler struct {
	store       cache.Store
	fetcher     fetch.Fetcher
	deferrer    waituntil.Deferrer
	allow       AllowList
	ttl         time.Duration
	scheme      string
	errorStatus int
	rewrite     responsetransformer.Rule
	log         zerolog.Logger
}

// CreateHandler validates the config and fills in its defaults.
func CreateHandler(config Config) (*Handler, error) {
	if config.Store == nil {
		return nil, errors.New("edgecache: store is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New("edgecache: fetcher is required")
	}

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	endpoints := config.Endpoints
	if endpoints == nil {
		endpoints = DefaultEndpoints
	}
	allow, err := NewAllowList(endpoints)
	if err != nil {
		return nil, fmt.Errorf("edgecache: %w", err)
	}

	h := &Handler{
		store:       config.Store,
		fetcher:     config.Fetcher,
		deferrer:    config.Deferrer,
		allow:       allow,
		ttl:         config.TTL,
		scheme:      config.Scheme,
		errorStatus: config.ErrorStatus,
		rewrite:     config.Rewrite,
		log:         logger,
	}
	if h.ttl <= 0 {
		h.ttl = DefaultTTL
	}
	if h.scheme == "" {
		h.scheme = DefaultScheme
	}
	if h.errorStatus == 0 {
		h.errorStatus = DefaultErrorStatus
	}
	if h.rewrite.Override == "" {
		h.rewrite.Override = cachecontrol.MaxAgeDirective(h.ttl)
	}
	if h.deferrer == nil {
		h.deferrer = waituntil.New(waituntil.Config{Logger: &h.log})
	}
	return h, nil
}

// Wait blocks until pending cache writes are done,
// when the deferrer supports waiting.
func (h *Handler) Wait() error {
	if w, ok := h.deferrer.(interface{ Wait() error }); ok {
		return w.Wait()
	}
	return nil
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.getLogger(r)
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error().Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			h.sendError(w, logger, &Error{Stage: StagePanic, Err: fmt.Errorf("%v", rec)})
		}
	}()

	res, cs, err := h.handle(r, logger)
	if err != nil {
		h.sendError(w, logger, err)
		return
	}
	h.send(w, r, res, cs, logger)
}

// handle runs the request flow. The returned cache status is nil for pass-through requests.
func (h *Handler) handle(r *http.Request, logger *zerolog.Logger) (*http.Response, *CacheStatus, error) {
	href := RequestHref(r, h.scheme)
	if !h.allow.Eligible(r.Method, href) {
		logger.Trace().Str("url", href).Msg("Passing request through")
		res, err := h.fetcher.Fetch(r, nil)
		if err != nil {
			return nil, nil, &Error{Stage: StageFetch, Err: err}
		}
		requestsTotal.WithLabelValues(resultBypass).Inc()
		return res, nil, nil
	}

	key, err := cachekey.FromRequest(href, r)
	if err != nil {
		return nil, nil, &Error{Stage: StageKey, Err: err}
	}

	cs := &CacheStatus{}
	entry, ok, err := h.store.Match(r.Context(), key)
	if err != nil {
		storeErrorsTotal.WithLabelValues(operationMatch).Inc()
		return nil, nil, &Error{Stage: StageLookup, Err: err}
	}
	if ok {
		logger.Trace().Str("url", href).Msg("Serving from cache")
		cs.Hit(entry.TTL(time.Now()))
		requestsTotal.WithLabelValues(resultHit).Inc()
		return entry.Response(r), cs, nil
	}

	upstream, err := h.fetcher.Fetch(r, &fetch.Options{CacheTTL: h.ttl, CacheEverything: true})
	if err != nil {
		return nil, nil, &Error{Stage: StageFetch, Err: err}
	}
	res, body, err := responsetransformer.Reconstruct(upstream)
	if err != nil {
		return nil, nil, &Error{Stage: StageRewrite, Err: err}
	}
	h.rewrite.Apply(res)

	entry = cache.NewEntry(res.StatusCode, res.Header.Clone(), body, time.Now(), h.ttl)
	h.deferrer.WaitUntil(r.Context(), func(ctx context.Context) error {
		if err := h.store.Put(ctx, key, entry); err != nil {
			storeErrorsTotal.WithLabelValues(operationPut).Inc()
			return fmt.Errorf("store %s: %w", href, err)
		}
		return nil
	})
	cs.Forward(FwdReasonUriMiss)
	cs.Stored()
	requestsTotal.WithLabelValues(resultMiss).Inc()
	return res, cs, nil
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the handler logger.
func (h *Handler) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &h.log
	}
	return logger
}
