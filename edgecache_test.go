package edgecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/edgecache/cache"
	mock_cache "github.com/always-cache/edgecache/cache/mock"
	"github.com/always-cache/edgecache/internal/testutil"
	cachekey "github.com/always-cache/edgecache/pkg/cache-key"
	"github.com/always-cache/edgecache/pkg/fetch"
	mock_fetch "github.com/always-cache/edgecache/pkg/fetch/mock"
	"github.com/always-cache/edgecache/pkg/waituntil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	dailycloses = "https://api.jarvis-stock.tw/v1/dailycloses"
	selections  = "https://api.jarvis-stock.tw/v1/selections"
)

var nopLogger = zerolog.Nop()

// recordingDeferrer holds tasks until the test runs them.
type recordingDeferrer struct {
	mu    sync.Mutex
	tasks []waituntil.Task
}

func (d *recordingDeferrer) WaitUntil(_ context.Context, task waituntil.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
}

func (d *recordingDeferrer) run(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	for _, task := range tasks {
		require.NoError(t, task(context.Background()))
	}
}

type testEnv struct {
	handler *Handler
	origin  *testutil.MockOrigin
	store   *cache.MemStore
	group   *waituntil.Group
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()
	origin := testutil.NewMockOrigin(handler)
	t.Cleanup(origin.Close)
	u, err := url.Parse(origin.URL())
	require.NoError(t, err)

	env := &testEnv{
		origin: origin,
		store:  cache.NewMemStore(0),
		group:  waituntil.New(waituntil.Config{Logger: &nopLogger}),
	}
	env.handler, err = CreateHandler(Config{
		Store:    env.store,
		Fetcher:  fetch.NewOrigin(fetch.OriginConfig{URL: *u}),
		Deferrer: env.group,
		Logger:   &nopLogger,
	})
	require.NoError(t, err)
	return env
}

// serve sends a request and waits for the cache writes it started.
func (env *testEnv) serve(t *testing.T, method, target, body string) *http.Response {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, r)
	require.NoError(t, env.group.Wait())
	return rr.Result()
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func TestCreateHandlerDefaults(t *testing.T) {
	h, err := CreateHandler(Config{Store: cache.NewMemStore(0), Fetcher: fetch.FetcherFunc(nil), Logger: &nopLogger})
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, h.ttl)
	assert.Equal(t, DefaultScheme, h.scheme)
	assert.Equal(t, http.StatusOK, h.errorStatus)
	assert.Equal(t, "max-age=10", h.rewrite.Override)
	assert.Equal(t, len(DefaultEndpoints), h.allow.Len())
	assert.IsType(t, &waituntil.Group{}, h.deferrer)
}

func TestCreateHandlerErrors(t *testing.T) {
	_, err := CreateHandler(Config{Fetcher: fetch.FetcherFunc(nil)})
	assert.Error(t, err)
	_, err = CreateHandler(Config{Store: cache.NewMemStore(0)})
	assert.Error(t, err)
	_, err = CreateHandler(Config{Store: cache.NewMemStore(0), Fetcher: fetch.FetcherFunc(nil), Endpoints: []string{"/relative"}})
	assert.Error(t, err)
}

func TestMissThenHit(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.serve(t, http.MethodPost, dailycloses, `{"symbol":"2330"}`)
	firstBody := readBody(t, first)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, `{"echo":"{\"symbol\":\"2330\"}"}`, firstBody)
	assert.Equal(t, "max-age=10", first.Header.Get("Cache-Control"))
	assert.Equal(t, "edgecache; fwd=uri-miss; stored", first.Header.Get("Cache-Status"))

	second := env.serve(t, http.MethodPost, dailycloses, `{"symbol":"2330"}`)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, firstBody, readBody(t, second))
	assert.Equal(t, "max-age=10", second.Header.Get("Cache-Control"))
	assert.Equal(t, "application/json", second.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(second.Header.Get("Cache-Status"), "edgecache; hit; ttl="))

	assert.Equal(t, 1, env.origin.Count())
}

func TestOriginSeesOriginalRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	readBody(t, env.serve(t, http.MethodPost, selections, `{"date":"2024-01-02"}`))

	reqs := env.origin.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/v1/selections", reqs[0].URI)
	assert.Equal(t, `{"date":"2024-01-02"}`, reqs[0].Body)
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
}

func TestDistinctBodiesAreCachedSeparately(t *testing.T) {
	env := newTestEnv(t, nil)

	a := readBody(t, env.serve(t, http.MethodPost, dailycloses, `{"a":1}`))
	b := readBody(t, env.serve(t, http.MethodPost, dailycloses, `{"a": 1}`))
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, env.origin.Count())

	readBody(t, env.serve(t, http.MethodPost, dailycloses, `{"a":1}`))
	readBody(t, env.serve(t, http.MethodPost, dailycloses, `{"a": 1}`))
	assert.Equal(t, 2, env.origin.Count())
	assert.Equal(t, 2, env.store.Len())
}

func TestContentTypeIsPartOfTheKey(t *testing.T) {
	env := newTestEnv(t, nil)
	readBody(t, env.serve(t, http.MethodPost, dailycloses, `{}`))

	r := httptest.NewRequest(http.MethodPost, dailycloses, strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, r)
	require.NoError(t, env.group.Wait())

	assert.Equal(t, "edgecache; fwd=uri-miss; stored", rr.Header().Get("Cache-Status"))
	assert.Equal(t, 2, env.origin.Count())
}

func TestPassThrough(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
	}{
		{"get on allowed endpoint", http.MethodGet, dailycloses},
		{"post on other path", http.MethodPost, "https://api.jarvis-stock.tw/v1/other"},
		{"post with query", http.MethodPost, dailycloses + "?page=2"},
		{"post over plain http", http.MethodPost, "http://api.jarvis-stock.tw/v1/dailycloses"},
		{"post to other host", http.MethodPost, "https://example.com/v1/dailycloses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusAccepted)
				w.Write([]byte("origin says hi"))
			})

			for i := 0; i < 2; i++ {
				res := env.serve(t, tt.method, tt.target, "{}")
				assert.Equal(t, http.StatusAccepted, res.StatusCode)
				assert.Equal(t, "origin says hi", readBody(t, res))
				assert.Equal(t, "no-store", res.Header.Get("Cache-Control"))
				assert.Empty(t, res.Header.Get("Cache-Status"))
			}
			assert.Equal(t, 2, env.origin.Count())
			assert.Equal(t, 0, env.store.Len())
		})
	}
}

func TestPassThroughNeverTouchesStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock_cache.NewMockStore(ctrl)
	fetcher := mock_fetch.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Nil()).Return(&http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil)

	h, err := CreateHandler(Config{Store: store, Fetcher: fetcher, Logger: &nopLogger})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, dailycloses, nil))
	assert.Equal(t, "ok", rr.Body.String())
}

func TestResponseIsSentBeforeStoreCompletes(t *testing.T) {
	ctrl := gomock.NewController(testutil.NewConcurrentTestReporter(t))
	store := mock_cache.NewMockStore(ctrl)
	release := make(chan struct{})
	stored := make(chan struct{})
	store.EXPECT().Match(gomock.Any(), gomock.Any()).Return(nil, false, nil)
	store.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, key cachekey.Key, entry *cache.Entry) error {
			<-release
			close(stored)
			return nil
		})

	origin := testutil.NewMockOrigin(nil)
	defer origin.Close()
	u, _ := url.Parse(origin.URL())
	group := waituntil.New(waituntil.Config{})
	h, err := CreateHandler(Config{
		Store:    store,
		Fetcher:  fetch.NewOrigin(fetch.OriginConfig{URL: *u}),
		Deferrer: group,
		Logger:   &nopLogger,
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, dailycloses, strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"echo":"{}"}`, rr.Body.String())
	select {
	case <-stored:
		t.Fatal("store completed before the response was returned")
	default:
	}

	close(release)
	require.NoError(t, h.Wait())
	<-stored
}

func TestStoreWriteIsRegisteredInBackground(t *testing.T) {
	origin := testutil.NewMockOrigin(nil)
	defer origin.Close()
	u, _ := url.Parse(origin.URL())
	store := cache.NewMemStore(0)
	deferrer := &recordingDeferrer{}
	h, err := CreateHandler(Config{
		Store:    store,
		Fetcher:  fetch.NewOrigin(fetch.OriginConfig{URL: *u}),
		Deferrer: deferrer,
		Logger:   &nopLogger,
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, selections, strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, deferrer.tasks, 1)
	assert.Equal(t, 0, store.Len())

	deferrer.run(t)
	assert.Equal(t, 1, store.Len())
	key, err := cachekey.New(selections, "{}", "")
	require.NoError(t, err)
	entry, ok, err := store.Match(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "max-age=10", entry.Header.Get("Cache-Control"))
	assert.Empty(t, entry.Header.Get("Cache-Status"))
	assert.Equal(t, `{"echo":"{}"}`, string(entry.Body))
}

func TestFetchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock_cache.NewMockStore(ctrl)
	store.EXPECT().Match(gomock.Any(), gomock.Any()).Return(nil, false, nil)
	fetcher := mock_fetch.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), &fetch.Options{CacheTTL: DefaultTTL, CacheEverything: true}).
		Return(nil, errors.New("Network connection lost."))
	deferrer := &recordingDeferrer{}

	h, err := CreateHandler(Config{Store: store, Fetcher: fetcher, Deferrer: deferrer, Logger: &nopLogger})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, dailycloses, strings.NewReader("{}")))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Error thrown Network connection lost.", rr.Body.String())
	assert.Equal(t, "text/plain;charset=UTF-8", rr.Header().Get("Content-Type"))
	assert.Empty(t, deferrer.tasks)
}

func TestLookupFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mock_cache.NewMockStore(ctrl)
	store.EXPECT().Match(gomock.Any(), gomock.Any()).Return(nil, false, errors.New("database is locked"))
	fetcher := mock_fetch.NewMockFetcher(ctrl)

	h, err := CreateHandler(Config{Store: store, Fetcher: fetcher, Logger: &nopLogger})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, dailycloses, strings.NewReader("{}")))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Error thrown database is locked", rr.Body.String())
}

func TestPassThroughFetchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mock_fetch.NewMockFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Nil()).Return(nil, errors.New("no route to host"))

	h, err := CreateHandler(Config{Store: mock_cache.NewMockStore(ctrl), Fetcher: fetcher, ErrorStatus: http.StatusBadGateway, Logger: &nopLogger})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "https://api.jarvis-stock.tw/v1/health", nil))

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "Error thrown no route to host", rr.Body.String())
}

func TestPanicIsRecovered(t *testing.T) {
	fetcher := fetch.FetcherFunc(func(*http.Request, *fetch.Options) (*http.Response, error) {
		panic("upstream exploded")
	})
	h, err := CreateHandler(Config{Store: cache.NewMemStore(0), Fetcher: fetcher, Logger: &nopLogger})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, dailycloses, strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Error thrown upstream exploded", rr.Body.String())
}

func TestStoreWriteFailureDoesNotAffectResponse(t *testing.T) {
	ctrl := gomock.NewController(testutil.NewConcurrentTestReporter(t))
	store := mock_cache.NewMockStore(ctrl)
	store.EXPECT().Match(gomock.Any(), gomock.Any()).Return(nil, false, nil)
	store.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	origin := testutil.NewMockOrigin(nil)
	defer origin.Close()
	u, _ := url.Parse(origin.URL())
	h, err := CreateHandler(Config{Store: store, Fetcher: fetch.NewOrigin(fetch.OriginConfig{URL: *u}), Logger: &nopLogger})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, dailycloses, strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"echo":"{}"}`, rr.Body.String())
	assert.ErrorContains(t, h.Wait(), "disk full")
}

func TestHitAfterExpiryRefetches(t *testing.T) {
	env := newTestEnv(t, nil)
	readBody(t, env.serve(t, http.MethodPost, dailycloses, "{}"))

	key, err := cachekey.New(dailycloses, "{}", "application/json")
	require.NoError(t, err)
	entry, ok, err := env.store.Match(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	// age the entry past its lifetime
	entry.Expires = time.Now().Add(-time.Millisecond)

	res := env.serve(t, http.MethodPost, dailycloses, "{}")
	readBody(t, res)
	assert.Equal(t, "edgecache; fwd=uri-miss; stored", res.Header.Get("Cache-Status"))
	assert.Equal(t, 2, env.origin.Count())
}
