package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	cachekey "github.com/always-cache/edgecache/pkg/cache-key"
	cachecontrol "github.com/always-cache/edgecache/pkg/cache-control"
	serializer "github.com/always-cache/edgecache/pkg/response-serializer"
)

//go:generate mockgen -source=store.go -destination=mock/mock_store.go -package=mock_cache

// ErrMiss is returned by lookups that find no usable entry.
var ErrMiss = errors.New("cache miss")

// Store is a keyed response store.
// Entries stop being returned by Match once they expire.
//
// Implementations must be thread-safe!
type Store interface {
	// Match returns the stored entry for the key, if it exists and is still fresh.
	// The boolean reports whether an entry was found.
	// A storage failure is returned as an error and never reported as a miss.
	Match(ctx context.Context, key cachekey.Key) (*Entry, bool, error)
	// Put stores the entry under the key, replacing any entry already there.
	// Entries that are already expired are not stored.
	Put(ctx context.Context, key cachekey.Key, entry *Entry) error
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Entry is a stored response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// When the response was received from the origin.
	StoredAt time.Time
	// When the entry stops being returned.
	Expires time.Time
}

// NewEntry creates an entry for a response received at storedAt.
// The entry lives for the response's shared-cache lifetime
// (s-maxage, then max-age) or for defaultTTL when the response names none.
func NewEntry(statusCode int, header http.Header, body []byte, storedAt time.Time, defaultTTL time.Duration) *Entry {
	ttl := defaultTTL
	if lifetime, ok := cachecontrol.Parse(header).Lifetime(); ok {
		ttl = lifetime
	}
	return &Entry{
		StatusCode: statusCode,
		Header:     header,
		Body:       body,
		StoredAt:   storedAt,
		Expires:    storedAt.Add(ttl),
	}
}

// Fresh reports whether the entry may still be returned at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.Expires)
}

// TTL returns the remaining lifetime of the entry at now.
func (e *Entry) TTL(now time.Time) time.Duration {
	if ttl := e.Expires.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

// Response returns a new response for the entry.
// Each call gets its own header map and body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func encodeEntry(e *Entry) ([]byte, error) {
	return serializer.StoredResponseToBytes(serializer.TimedResponse{
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       e.Body,
		StoredAt:   e.StoredAt,
		Expires:    e.Expires,
	})
}

func decodeEntry(b []byte) (*Entry, error) {
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return nil, err
	}
	return &Entry{
		StatusCode: sRes.StatusCode,
		Header:     sRes.Header,
		Body:       sRes.Body,
		StoredAt:   sRes.StoredAt,
		Expires:    sRes.Expires,
	}, nil
}
