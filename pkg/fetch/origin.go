package fetch

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Hop-by-hop fields plus the forwarding fields some origins reject.
var skipHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"X-Forwarded-For":     {},
	"X-Forwarded-Proto":   {},
	"X-Forwarded-Host":    {},
}

type OriginConfig struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	URL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	Host string
	// Timeout for a whole origin exchange. Zero means no timeout.
	Timeout time.Duration
	// Transport to use. http.DefaultTransport (or a TLS-adjusted copy) if nil.
	Transport http.RoundTripper
}

// Origin forwards requests to a fixed origin server.
// Redirects are passed back to the caller rather than followed.
type Origin struct {
	url    url.URL
	host   string
	client *http.Client
}

var _ Fetcher = (*Origin)(nil)

func NewOrigin(config OriginConfig) *Origin {
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
		if config.Host != "" {
			t := http.DefaultTransport.(*http.Transport).Clone()
			t.TLSClientConfig = &tls.Config{ServerName: config.Host}
			transport = t
		}
	}
	host := config.Host
	if host == "" {
		host = config.URL.Host
	}
	u := config.URL
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Origin{
		url:  u,
		host: host,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch sends the request to the origin. The hint is ignored.
func (o *Origin) Fetch(r *http.Request, _ *Options) (*http.Response, error) {
	start := time.Now()
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, o.url.String()+r.URL.RequestURI(), body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	req.ContentLength = r.ContentLength
	req.GetBody = r.GetBody
	copyHeader(req.Header, r.Header)
	req.Host = o.host

	log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Fetching from origin")
	res, err := o.client.Do(req)
	fetchDuration.WithLabelValues(sourceOrigin).Observe(time.Since(start).Seconds())
	return res, err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if _, skip := skipHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
