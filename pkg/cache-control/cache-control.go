package cachecontrol

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderName is the canonical name of the Cache-Control header field.
const HeaderName = "Cache-Control"

// CacheControl holds the parsed directives of one or more Cache-Control fields.
// Directive names are compared case-insensitively.
type CacheControl struct {
	directives map[string]string
}

// Parse returns the directives of all Cache-Control fields in h.
func Parse(h http.Header) CacheControl {
	return ParseCacheControl(h.Values(HeaderName))
}

// ParseCacheControl takes Cache-Control field values as a slice of strings.
// The last occurrence of a directive wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			m[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), "\"")
		}
	}
	return CacheControl{m}
}

// Get returns the argument of the directive and whether the directive is present.
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// MaxAge returns "max-age" as a duration.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("max-age")
}

// SMaxAge returns "s-maxage" as a duration.
func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("s-maxage")
}

// Lifetime returns the freshness lifetime a shared cache assigns to a response:
// s-maxage when present, otherwise max-age.
func (c CacheControl) Lifetime() (time.Duration, bool) {
	if d, ok := c.SMaxAge(); ok {
		return d, true
	}
	return c.MaxAge()
}

// Storable reports whether a shared cache may store the response at all.
func (c CacheControl) Storable() bool {
	return !c.HasDirective("no-store") && !c.HasDirective("private")
}

func (c CacheControl) getDeltaSeconds(directive string) (time.Duration, bool) {
	if secondsStr, ok := c.Get(directive); ok && secondsStr != "" {
		return deltaSeconds(secondsStr), true
	}
	return 0, false
}

// deltaSeconds parses a non-negative integer number of seconds.
// Malformed values count as zero.
func deltaSeconds(secondsStr string) time.Duration {
	if seconds, err := strconv.ParseUint(secondsStr, 10, 32); err == nil {
		return time.Second * time.Duration(seconds)
	}
	return 0
}

// MaxAgeDirective formats d as a max-age directive, e.g. "max-age=10".
func MaxAgeDirective(d time.Duration) string {
	return fmt.Sprintf("max-age=%.f", d.Seconds())
}
