package edgecache

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// Fields that describe a single connection and are never relayed.
var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Te":                {},
	"Trailer":           {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

// send writes the response to the client.
// A non-nil cache status is added as the Cache-Status field.
func (h *Handler) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs *CacheStatus, logger *zerolog.Logger) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	if cs != nil {
		w.Header().Add("Cache-Status", cs.String())
	}
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
	logRequest(logger, r, res.StatusCode, cs)
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// sendError answers with the "Error thrown" text response.
func (h *Handler) sendError(w http.ResponseWriter, logger *zerolog.Logger, err error) {
	requestsTotal.WithLabelValues(resultError).Inc()
	event := logger.Error().Err(err)
	var e *Error
	if errors.As(err, &e) {
		event = event.Str("stage", string(e.Stage))
	}
	event.Msg("Request failed")

	w.Header().Set("Content-Type", "text/plain;charset=UTF-8")
	w.WriteHeader(h.errorStatus)
	if _, err := io.WriteString(w, errorPrefix+err.Error()); err != nil {
		logger.Error().Err(err).Msg("Could not write error response to client")
	}
}

func logRequest(logger *zerolog.Logger, r *http.Request, status int, cs *CacheStatus) {
	event := logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("status", status)
	if cs != nil {
		event = event.
			Bool("hit", cs.hit).
			Str("fwd", string(cs.fwdReason)).
			Bool("stored", cs.stored).
			Int("ttl", int(cs.ttl.Seconds()))
	}
	event.Msg("Sending response to client")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
