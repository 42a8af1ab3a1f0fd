package throttler

import "context"

// Handles are immutable (group, bin-set) pairs: all mutable state lives in
// the bins, so destroying a group is never prevented by an outstanding
// handle — the handle's next operation simply fails with ErrShuttingDown.

// ConnectionThrottler gates connection opens against a fixed set of bins.
// Obtained from Throttler.ObtainConnectionThrottler.
type ConnectionThrottler struct {
	g    *group
	bins []string
}

// ObtainConnection asks for permission to open one connection constrained by
// every bin the handle was issued against. It never blocks: the result is
// either a FetchThrottler for the new connection, ErrQuotaExceeded (caller
// retries from its backpressure loop), or ErrShuttingDown.
func (c *ConnectionThrottler) ObtainConnection() (*FetchThrottler, error) {
	if err := c.g.obtainConnectionPermission(c.bins); err != nil {
		return nil, err
	}
	return &FetchThrottler{g: c.g, bins: c.bins}, nil
}

// OverQuotaCount returns the number of the handle's bins whose open
// connections exceed the current limit, which happens only after a downward
// spec adjustment. Returns OverQuotaShutdown when the group is shutting
// down, so callers treating the count as "release if positive" exit cleanly.
func (c *ConnectionThrottler) OverQuotaCount() uint32 {
	return c.g.overConnectionQuotaCount(c.bins)
}

// FetchThrottler paces fetches on one open connection. Obtained from
// ConnectionThrottler.ObtainConnection; Release returns the connection.
type FetchThrottler struct {
	g    *group
	bins []string
}

// ObtainStream blocks until every bin's fetch pacing deadline has passed,
// then opens a pacing stream on each bin and returns its StreamThrottler.
// Returns ErrShuttingDown if the group is destroyed while waiting, or the
// context error on cancellation; in both cases all reservations are rewound.
func (f *FetchThrottler) ObtainStream(ctx context.Context) (*StreamThrottler, error) {
	if err := f.g.obtainFetchPermission(ctx, f.bins); err != nil {
		return nil, err
	}
	return &StreamThrottler{g: f.g, bins: f.bins}, nil
}

// Release returns the connection to every bin it was counted against.
func (f *FetchThrottler) Release() {
	f.g.releaseConnectionPermission(f.bins)
}

// StreamThrottler paces the bytes read from one open stream. Obtained from
// FetchThrottler.ObtainStream; Close ends the stream.
type StreamThrottler struct {
	g    *group
	bins []string
}

// ObtainReadPermission blocks until reading n more bytes keeps every bin
// inside its byte-rate budget. The caller must follow each successful call
// with ReleaseReadPermission reporting the bytes actually read.
func (s *StreamThrottler) ObtainReadPermission(ctx context.Context, n int64) error {
	return s.g.obtainReadPermission(ctx, s.bins, n)
}

// ReleaseReadPermission corrects the pacing windows after a read: orig is
// the permitted size, actual the bytes actually read.
func (s *StreamThrottler) ReleaseReadPermission(orig, actual int64) {
	s.g.releaseReadPermission(s.bins, orig, actual)
}

// Close ends the stream on every bin, resetting pacing series that have no
// remaining streams.
func (s *StreamThrottler) Close() {
	s.g.closeStream(s.bins)
}
