package responsetransformer

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Rule rewrites the header of a response before it is cached and returned.
type Rule struct {
	// Cache-Control value replacing whatever the response carries.
	Override string `yaml:"override"`
	// Cache-Control value applied when the response carries none.
	Default string `yaml:"default"`
	// Extra header fields to set.
	Headers map[string]string `yaml:"headers"`
}

// Apply rewrites the header of res in place.
func (rule Rule) Apply(res *http.Response) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

// Reconstruct reads the whole body of res and returns a new response
// with the same status, a header map of its own and the buffered body.
// The upstream body is closed.
func Reconstruct(res *http.Response) (*http.Response, []byte, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read upstream response: %w", err)
	}
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         res.Proto,
		ProtoMajor:    res.ProtoMajor,
		ProtoMinor:    res.ProtoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       res.Request,
	}, body, nil
}
