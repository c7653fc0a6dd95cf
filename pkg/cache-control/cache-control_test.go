package cachecontrol

import (
	"net/http"
	"testing"
	"time"
)

func TestMaxAge(t *testing.T) {
	cc := ParseCacheControl([]string{"max-age=60"})
	val, ok := cc.Get("max-age")
	if !ok {
		t.Fatal("Could not get directive")
	}
	if val != "60" {
		t.Fatalf("Value is %s", val)
	}
	if d, ok := cc.MaxAge(); !ok || d != time.Minute {
		t.Fatalf("MaxAge is %v (%v)", d, ok)
	}
}

func TestReal(t *testing.T) {
	cc := ParseCacheControl([]string{"public, max-age=0, s-maxage=600"})
	if val, ok := cc.Get("public"); !ok || val != "" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("max-age"); !ok || val != "0" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if d, ok := cc.Lifetime(); !ok || d != 600*time.Second {
		t.Fatalf("Lifetime is %v (%v)", d, ok)
	}
}

func TestParseHeaderCaseAndSpacing(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "Max-Age=\"5\",no-store")
	h.Add("Cache-Control", "private")
	cc := Parse(h)
	if d, ok := cc.MaxAge(); !ok || d != 5*time.Second {
		t.Fatalf("MaxAge is %v (%v)", d, ok)
	}
	if cc.Storable() {
		t.Fatal("no-store response reported storable")
	}
}

func TestMalformedDeltaSeconds(t *testing.T) {
	cc := ParseCacheControl([]string{"max-age=-1"})
	if d, ok := cc.MaxAge(); !ok || d != 0 {
		t.Fatalf("MaxAge is %v (%v)", d, ok)
	}
	if _, ok := ParseCacheControl(nil).Lifetime(); ok {
		t.Fatal("Lifetime present without directives")
	}
}

func TestMaxAgeDirective(t *testing.T) {
	if s := MaxAgeDirective(10 * time.Second); s != "max-age=10" {
		t.Fatalf("Directive is %s", s)
	}
}
