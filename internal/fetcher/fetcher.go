// Package fetcher drives the throttling coordinator from the caller side:
// every fetch obtains a connection permission, a fetch permission, and then
// per-block read permits while the body streams in.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// ReadThrottle is the per-stream pacing contract the throttled body reader
// consumes. Satisfied by throttler.StreamThrottler.
type ReadThrottle interface {
	ObtainReadPermission(ctx context.Context, n int64) error
	ReleaseReadPermission(orig, actual int64)
	Close()
}

// Result is the outcome of one throttled fetch.
type Result struct {
	URL           string
	StatusCode    int
	Header        http.Header
	Body          []byte
	BytesRead     int64
	FetchDuration time.Duration
	ThrottleWait  time.Duration
}
