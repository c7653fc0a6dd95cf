package fetch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cachecontrol "github.com/always-cache/edgecache/pkg/cache-control"
	cachekey "github.com/always-cache/edgecache/pkg/cache-key"
	serializer "github.com/always-cache/edgecache/pkg/response-serializer"

	rediscache "github.com/go-redis/cache/v9"
	"github.com/rs/zerolog/log"
)

// EdgeCache is a transport-level cache in front of another Fetcher.
// It only acts on fetches whose Options carry a positive CacheTTL,
// and stores successful responses for that long in process memory.
type EdgeCache struct {
	next  Fetcher
	cache *rediscache.Cache
	local rediscache.LocalCache
	now   func() time.Time
}

var _ Fetcher = (*EdgeCache)(nil)

// NewEdgeCache keeps up to size responses for at most maxTTL each.
func NewEdgeCache(next Fetcher, size int, maxTTL time.Duration) *EdgeCache {
	local := rediscache.NewTinyLFU(size, maxTTL)
	return &EdgeCache{
		next:  next,
		cache: rediscache.New(&rediscache.Options{LocalCache: local}),
		local: local,
		now:   time.Now,
	}
}

func (e *EdgeCache) Fetch(r *http.Request, opts *Options) (*http.Response, error) {
	if opts == nil || opts.CacheTTL <= 0 {
		return e.next.Fetch(r, opts)
	}
	key, err := edgeKey(r)
	if err != nil {
		return nil, err
	}
	if res, ok := e.get(r, key); ok {
		return res, nil
	}
	res, err := e.next.Fetch(r, opts)
	if err != nil {
		return nil, err
	}
	if !edgeCacheable(res, opts) {
		return res, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read origin response: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	e.set(key, res, body, opts.CacheTTL)
	return res, nil
}

func (e *EdgeCache) get(r *http.Request, key string) (*http.Response, bool) {
	start := time.Now()
	var b []byte
	if err := e.cache.Get(r.Context(), key, &b); err != nil {
		if !errors.Is(err, rediscache.ErrCacheMiss) {
			log.Warn().Err(err).Msg("Edge cache lookup failed")
		}
		return nil, false
	}
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read edge cached response")
		return nil, false
	}
	if !e.now().Before(sRes.Expires) {
		e.local.Del(key)
		return nil, false
	}
	fetchDuration.WithLabelValues(sourceEdge).Observe(time.Since(start).Seconds())
	return &http.Response{
		StatusCode:    sRes.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        sRes.Header,
		Body:          io.NopCloser(bytes.NewReader(sRes.Body)),
		ContentLength: int64(len(sRes.Body)),
		Request:       r,
	}, true
}

func (e *EdgeCache) set(key string, res *http.Response, body []byte, ttl time.Duration) {
	now := e.now()
	b, err := serializer.StoredResponseToBytes(serializer.TimedResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		StoredAt:   now,
		Expires:    now.Add(ttl),
	})
	if err == nil {
		// TinyLFU keeps the value of a key it already holds
		e.local.Del(key)
		err = e.cache.Set(&rediscache.Item{Key: key, Value: b})
	}
	if err != nil {
		log.Warn().Err(err).Msg("Could not store response in edge cache")
	}
}

// edgeCacheable reports whether the upstream response may be kept.
// Only successful responses are kept. Unless everything is cached,
// the response must also permit shared storage and set no cookies.
func edgeCacheable(res *http.Response, opts *Options) bool {
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return false
	}
	if opts.CacheEverything {
		return true
	}
	return cachecontrol.Parse(res.Header).Storable() && res.Header.Get("Set-Cookie") == ""
}

// edgeKey digests everything that identifies the request upstream.
// When it returns, the request body is rewound.
func edgeKey(r *http.Request) (string, error) {
	body, err := cachekey.ReadBody(r)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.Host))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.RequestURI()))
	h.Write([]byte{0})
	h.Write([]byte(r.Header.Get("Content-Type")))
	h.Write([]byte{0})
	h.Write(body)
	return "edge_" + hex.EncodeToString(h.Sum(nil)), nil
}
