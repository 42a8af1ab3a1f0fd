package fetcher

import (
	"context"
	"io"
)

// throttledReader paces an io.Reader through a ReadThrottle: each block is
// granted before it is read, and the grant is corrected afterward with the
// bytes actually read, so short reads fold back into the pacing window.
type throttledReader struct {
	ctx      context.Context
	r        io.Reader
	throttle ReadThrottle
	block    int
	read     int64
}

func newThrottledReader(ctx context.Context, r io.Reader, throttle ReadThrottle, blockSize int) *throttledReader {
	return &throttledReader{
		ctx:      ctx,
		r:        r,
		throttle: throttle,
		block:    blockSize,
	}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.block {
		p = p[:t.block]
	}

	want := int64(len(p))
	if err := t.throttle.ObtainReadPermission(t.ctx, want); err != nil {
		return 0, err
	}

	n, err := t.r.Read(p)
	t.throttle.ReleaseReadPermission(want, int64(n))
	t.read += int64(n)
	return n, err
}

// BytesRead returns the total bytes passed through the reader.
func (t *throttledReader) BytesRead() int64 { return t.read }
