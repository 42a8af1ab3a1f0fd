package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"

	"github.com/crawlkit/throttlepool/internal/config"
	"github.com/crawlkit/throttlepool/internal/observability"
	"github.com/crawlkit/throttlepool/internal/storage"
	"github.com/crawlkit/throttlepool/internal/throttler"
)

// retryDelay is how long a denied connection acquisition backs off before
// the next attempt.
const retryDelay = 50 * time.Millisecond

// ThrottledFetcher fetches URLs through the throttling coordinator. Each
// fetch is gated by the bin named after the target host: a connection
// permission, then a fetch permission, then per-block read permits while the
// body streams in.
type ThrottledFetcher struct {
	client    *http.Client
	cfg       *config.FetcherConfig
	pool      *throttler.Throttler
	groupType string
	groupName string
	metrics   *observability.Metrics
	events    storage.Storage
	logger    *slog.Logger
}

// NewThrottledFetcher creates a fetcher bound to one throttle group. The
// metrics and events sinks may be nil.
func NewThrottledFetcher(cfg *config.Config, pool *throttler.Throttler, groupType, groupName string, metrics *observability.Metrics, events storage.Storage, logger *slog.Logger) (*ThrottledFetcher, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.Fetcher.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Fetcher.MaxIdleConns / 2,
		IdleConnTimeout:     cfg.Fetcher.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Fetcher.TLSInsecure,
		},
		DisableCompression: true, // We handle decompression ourselves (including brotli)
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if !cfg.Fetcher.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= cfg.Fetcher.MaxRedirects {
			return fmt.Errorf("max redirects (%d) reached", cfg.Fetcher.MaxRedirects)
		}
		return nil
	}

	client := &http.Client{
		Transport:     transport,
		Timeout:       cfg.Fetcher.RequestTimeout,
		CheckRedirect: redirectPolicy,
	}

	return &ThrottledFetcher{
		client:    client,
		cfg:       &cfg.Fetcher,
		pool:      pool,
		groupType: groupType,
		groupName: groupName,
		metrics:   metrics,
		events:    events,
		logger:    logger.With("component", "throttled_fetcher"),
	}, nil
}

// Fetch retrieves one URL under the throttle group's limits. The bin is the
// URL's hostname. Returns throttler.ErrShuttingDown when the group vanishes
// mid-flight.
func (f *ThrottledFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	bins := []string{u.Hostname()}

	handle := f.pool.ObtainConnectionThrottler(f.groupType, f.groupName, bins)
	if handle == nil {
		return nil, throttler.ErrShuttingDown
	}

	waitStart := time.Now()
	conn, err := f.obtainConnection(ctx, handle, bins)
	if err != nil {
		return nil, err
	}
	defer func() {
		conn.Release()
		f.countConnectionReleased(bins)
	}()
	f.countConnectionGranted(bins)

	stream, err := conn.ObtainStream(ctx)
	if err != nil {
		f.countFetchAborted(bins)
		return nil, err
	}
	defer func() {
		stream.Close()
		if f.metrics != nil {
			f.metrics.StreamsOpen.Add(-1)
		}
		f.emit(storage.EventStreamClosed, bins, 0, 0)
	}()
	wait := time.Since(waitStart)
	f.countFetchGranted(bins, wait)

	result, err := f.doRequest(ctx, rawURL, stream, bins)
	if err != nil {
		return nil, err
	}
	result.ThrottleWait = wait
	return result, nil
}

// obtainConnection retries denied reservations from a backpressure loop.
// Between attempts it consults the over-quota count and gives up with
// ErrShuttingDown when it returns the shutdown sentinel; any smaller count
// (limits shrank) just leads to another attempt after retryDelay.
func (f *ThrottledFetcher) obtainConnection(ctx context.Context, handle *throttler.ConnectionThrottler, bins []string) (*throttler.FetchThrottler, error) {
	for {
		conn, err := handle.ObtainConnection()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, throttler.ErrShuttingDown) {
			return nil, err
		}
		f.countConnectionDenied(bins)

		if handle.OverQuotaCount() == throttler.OverQuotaShutdown {
			return nil, throttler.ErrShuttingDown
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// doRequest performs the HTTP exchange, streaming the body through read
// permits.
func (f *ThrottledFetcher) doRequest(ctx context.Context, rawURL string, stream *throttler.StreamThrottler, bins []string) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	start := time.Now()
	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer httpResp.Body.Close()

	var reader io.Reader = httpResp.Body
	if f.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, f.cfg.MaxBodySize)
	}

	throttled := newThrottledReader(ctx, reader, f.countingThrottle(stream, bins), f.cfg.ReadBlockSize)

	reader, err = decompressReader(httpResp, throttled)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", rawURL, err)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		if errors.Is(err, throttler.ErrShuttingDown) {
			f.emit(storage.EventReadAborted, bins, 0, throttled.BytesRead())
			return nil, throttler.ErrShuttingDown
		}
		return nil, fmt.Errorf("read body %s: %w", rawURL, err)
	}

	duration := time.Since(start)
	f.logger.Debug("fetch complete",
		"url", rawURL,
		"status", httpResp.StatusCode,
		"size", len(body),
		"raw_bytes", throttled.BytesRead(),
		"duration", duration,
	)

	return &Result{
		URL:           rawURL,
		StatusCode:    httpResp.StatusCode,
		Header:        httpResp.Header,
		Body:          body,
		BytesRead:     throttled.BytesRead(),
		FetchDuration: duration,
	}, nil
}

// countingThrottle wraps a stream throttle with metrics accounting.
func (f *ThrottledFetcher) countingThrottle(stream *throttler.StreamThrottler, bins []string) ReadThrottle {
	if f.metrics == nil {
		return stream
	}
	return &meteredThrottle{stream: stream, metrics: f.metrics}
}

type meteredThrottle struct {
	stream  *throttler.StreamThrottler
	metrics *observability.Metrics
}

func (m *meteredThrottle) ObtainReadPermission(ctx context.Context, n int64) error {
	start := time.Now()
	err := m.stream.ObtainReadPermission(ctx, n)
	m.metrics.ReadWaitMs.Add(time.Since(start).Milliseconds())
	if err != nil {
		m.metrics.ReadsAborted.Add(1)
		return err
	}
	m.metrics.ReadsGranted.Add(1)
	m.metrics.BytesThrottled.Add(n)
	return nil
}

func (m *meteredThrottle) ReleaseReadPermission(orig, actual int64) {
	m.stream.ReleaseReadPermission(orig, actual)
	m.metrics.BytesThrottled.Add(actual - orig)
}

func (m *meteredThrottle) Close() {
	m.stream.Close()
}

// decompressReader wraps a reader with the appropriate decompressor.
// Handles gzip, deflate, and brotli (br) encodings.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// Close releases resources.
func (f *ThrottledFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// --- accounting helpers ---

func (f *ThrottledFetcher) countConnectionGranted(bins []string) {
	if f.metrics != nil {
		f.metrics.ConnectionsGranted.Add(1)
	}
	f.emit(storage.EventConnectionGranted, bins, 0, 0)
}

func (f *ThrottledFetcher) countConnectionDenied(bins []string) {
	if f.metrics != nil {
		f.metrics.ConnectionsDenied.Add(1)
	}
	f.emit(storage.EventConnectionDenied, bins, 0, 0)
}

func (f *ThrottledFetcher) countConnectionReleased(bins []string) {
	if f.metrics != nil {
		f.metrics.ConnectionsReleased.Add(1)
	}
	f.emit(storage.EventConnectionReleased, bins, 0, 0)
}

func (f *ThrottledFetcher) countFetchGranted(bins []string, wait time.Duration) {
	if f.metrics != nil {
		f.metrics.FetchesGranted.Add(1)
		f.metrics.FetchWaitMs.Add(wait.Milliseconds())
		f.metrics.StreamsOpen.Add(1)
	}
	f.emit(storage.EventFetchGranted, bins, wait, 0)
}

func (f *ThrottledFetcher) countFetchAborted(bins []string) {
	if f.metrics != nil {
		f.metrics.FetchesAborted.Add(1)
		f.metrics.ShutdownAborts.Add(1)
	}
	f.emit(storage.EventFetchAborted, bins, 0, 0)
}

// emit records an audit event, best effort. Storage failures are logged and
// never fail the fetch.
func (f *ThrottledFetcher) emit(kind storage.EventKind, bins []string, wait time.Duration, bytes int64) {
	if f.events == nil {
		return
	}
	ev := &storage.Event{
		Time:      time.Now(),
		GroupType: f.groupType,
		Group:     f.groupName,
		Bins:      bins,
		Kind:      kind,
		Wait:      wait,
		Bytes:     bytes,
	}
	if err := f.events.Store([]*storage.Event{ev}); err != nil {
		f.logger.Debug("event store failed", "kind", kind, "error", err)
	}
}
