package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	storedAtHeaderName = "Edgecache-Stored-At"
	expiresHeaderName  = "Edgecache-Expires"
)

// TimedResponse is a stored response together with the clock values
// needed to decide whether it may still be reused.
type TimedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// When the response was received from the origin.
	StoredAt time.Time
	// When the response stops being reusable.
	Expires time.Time
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response.
// The clock values travel as extra header fields.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	header := sRes.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixMilli(), 10))
	header.Set(expiresHeaderName, strconv.FormatInt(sRes.Expires.UnixMilli(), 10))
	res := &http.Response{
		StatusCode:    sRes.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(sRes.Body)),
		ContentLength: int64(len(sRes.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("serialize response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse is the inverse of StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, fmt.Errorf("deserialize response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, fmt.Errorf("deserialize response body: %w", err)
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("deserialize %s: %w", storedAtHeaderName, err)
	}
	expires, err := strconv.ParseInt(res.Header.Get(expiresHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("deserialize %s: %w", expiresHeaderName, err)
	}
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(expiresHeaderName)

	sRes.StatusCode = res.StatusCode
	sRes.Header = res.Header
	sRes.Body = body
	sRes.StoredAt = time.UnixMilli(storedAt)
	sRes.Expires = time.UnixMilli(expires)
	return sRes, nil
}
