package transport

import (
	"context"
	"fmt"
	"io"
)

// Range requests bytes from Start to the end of the resource
type Range struct {
	Start int64
}

// Header renders the range as an HTTP Range header value
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-", r.Start)
}

// Response is an open byte stream returned by a Fetcher
type Response struct {
	Body io.ReadCloser
	// Offset is the position of the first byte of Body in the resource. It is
	// zero when the transport ignored the requested range.
	Offset int64
	// TotalSize is the full resource length, or -1 when unknown
	TotalSize int64
}

// Fetcher retrieves bytes from a location. Implementations must report
// failures as *NetworkError, *TimeoutError or *ResponseError.
type Fetcher interface {
	Fetch(ctx context.Context, url string, rng *Range) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, url string, rng *Range) (*Response, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, url string, rng *Range) (*Response, error) {
	return f(ctx, url, rng)
}
