package edgecache

import (
	"fmt"
	"time"
)

// CacheStatusName identifies this cache in Cache-Status header values.
const CacheStatusName = "edgecache"

type FwdReason string

// The cache did not contain any responses that matched the
// request URI.
const FwdReasonUriMiss FwdReason = "uri-miss"

// CacheStatus renders the Cache-Status response header field (RFC 9211).
type CacheStatus struct {
	hit       bool
	fwdReason FwdReason
	stored    bool
	ttl       time.Duration
}

func (cs *CacheStatus) Hit(ttl time.Duration) {
	cs.hit = true
	cs.fwdReason = ""
	cs.ttl = ttl
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

// Stored marks the forwarded response as handed to the store.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) String() string {
	status := CacheStatusName
	if cs.hit {
		status = fmt.Sprintf("%s; hit; ttl=%d", status, int(cs.ttl.Seconds()))
	} else if cs.fwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	return status
}
