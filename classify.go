package edgecache

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// DefaultEndpoints are the endpoints whose POST requests are cached when none are configured.
var DefaultEndpoints = []string{
	"https://api.jarvis-stock.tw/v1/dailycloses",
	"https://api.jarvis-stock.tw/v1/selections",
}

// AllowList is the set of absolute URLs whose POST requests may be cached.
// A request matches only if its full URL, query included, equals an entry.
type AllowList struct {
	hrefs map[string]struct{}
}

// NewAllowList normalizes the endpoints so that equivalent spellings
// (host case, default port, empty path) match the same requests.
func NewAllowList(endpoints []string) (AllowList, error) {
	a := AllowList{hrefs: make(map[string]struct{}, len(endpoints))}
	for _, endpoint := range endpoints {
		u, err := url.Parse(endpoint)
		if err != nil {
			return a, fmt.Errorf("endpoint %q: %w", endpoint, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return a, fmt.Errorf("endpoint %q: not an absolute URL", endpoint)
		}
		a.hrefs[normalizeHref(u)] = struct{}{}
	}
	return a, nil
}

// Eligible reports whether a request with the method and absolute URL may be cached.
func (a AllowList) Eligible(method, href string) bool {
	if !strings.EqualFold(method, http.MethodPost) {
		return false
	}
	_, ok := a.hrefs[href]
	return ok
}

func (a AllowList) Len() int {
	return len(a.hrefs)
}

// RequestHref reconstructs the absolute URL the client requested.
// The scheme is https for TLS connections, then X-Forwarded-Proto, then defaultScheme.
func RequestHref(r *http.Request, defaultScheme string) string {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = defaultScheme
		if r.TLS != nil {
			u.Scheme = "https"
		} else if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			u.Scheme = proto
		}
		u.Host = r.Host
	}
	return normalizeHref(&u)
}

func normalizeHref(u *url.URL) string {
	// a bare trailing "?" is part of the href
	n := url.URL{
		Scheme:     strings.ToLower(u.Scheme),
		User:       u.User,
		Host:       strings.ToLower(u.Host),
		Path:       u.Path,
		RawPath:    u.RawPath,
		RawQuery:   u.RawQuery,
		ForceQuery: u.ForceQuery,
	}
	if host, port, err := net.SplitHostPort(n.Host); err == nil {
		if (n.Scheme == "https" && port == "443") || (n.Scheme == "http" && port == "80") {
			n.Host = host
			if strings.Contains(host, ":") {
				n.Host = "[" + host + "]"
			}
		}
	}
	if n.Path == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}
