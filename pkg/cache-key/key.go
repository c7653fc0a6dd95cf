package cachekey

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// BodyParam is the query parameter that carries the request body inside a key.
const BodyParam = "body"

const (
	methodSeparator = ":"
	varySeparator   = "\t"
)

// Key identifies a cacheable POST request by a GET-shaped descriptor:
// the request URL with the body appended as a query parameter,
// plus the request Content-Type.
//
// Two keys are equal exactly when their URLs and content types are equal.
type Key struct {
	URL         url.URL
	ContentType string
}

// New derives the key for a request to href with the given body and content type.
// Any query already present on href is kept and the body parameter is appended after it.
func New(href, body, contentType string) (Key, error) {
	u, err := url.Parse(href)
	if err != nil {
		return Key{}, fmt.Errorf("parse request url: %w", err)
	}
	param := url.Values{BodyParam: []string{body}}.Encode()
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery = u.RawQuery + "&" + param
	}
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return Key{URL: *u, ContentType: contentType}, nil
}

// FromRequest reads the request body and derives the key for a request to href.
// When it returns, the request body is rewound so it can still be forwarded.
func FromRequest(href string, r *http.Request) (Key, error) {
	body, err := ReadBody(r)
	if err != nil {
		return Key{}, err
	}
	return New(href, string(body), r.Header.Get("Content-Type"))
}

// ReadBody returns the full request body and restores it on the request.
func ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

// String returns the storage form of the key.
// The content type is appended as a vary line only when it is set.
func (k Key) String() string {
	key := http.MethodGet + methodSeparator + k.URL.String() + varySeparator
	if k.ContentType != "" {
		key = key + "\n" + "content-type: " + k.ContentType
	}
	return key
}

// Request returns the GET request the key stands for.
func (k Key) Request() (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, k.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	if k.ContentType != "" {
		req.Header.Set("Content-Type", k.ContentType)
	}
	return req, nil
}
