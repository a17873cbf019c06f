package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// HTTPFetcher implements Fetcher over net/http
type HTTPFetcher struct {
	client      *http.Client
	userAgent   string
	idleTimeout time.Duration
}

// NewHTTPFetcher creates a fetcher whose requests fail with a TimeoutError
// when response headers take longer than timeout, or when a body read sees
// no data for that long. Zero disables both limits.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &HTTPFetcher{
		client:      &http.Client{Transport: transport},
		userAgent:   userAgent,
		idleTimeout: timeout,
	}
}

// NewHTTPFetcherWithClient creates a fetcher with a caller-supplied client
func NewHTTPFetcherWithClient(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

// Fetch issues a GET, adding a Range header when rng is set
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, rng *Range) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if rng != nil && rng.Start > 0 {
		req.Header.Set("Range", rng.Header())
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, wrapTransportError(ctx, url, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &Response{
			Body:      f.wrapBody(ctx, url, resp.Body),
			Offset:    0,
			TotalSize: resp.ContentLength,
		}, nil
	case http.StatusPartialContent:
		offset, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("failed to parse partial response: %w", err)
		}
		return &Response{
			Body:      f.wrapBody(ctx, url, resp.Body),
			Offset:    offset,
			TotalSize: total,
		}, nil
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &ResponseError{URL: url, Status: resp.StatusCode}
	}
}

func (f *HTTPFetcher) wrapBody(ctx context.Context, url string, body io.ReadCloser) io.ReadCloser {
	return &classifyingBody{ctx: ctx, url: url, body: body, idle: f.idleTimeout}
}

// wrapTransportError maps client errors to the transport error classes
func wrapTransportError(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || Classify(err) == ClassTimeout {
		return &TimeoutError{URL: url, Err: err}
	}
	return &NetworkError{URL: url, Err: err}
}

// parseContentRange parses "bytes start-end/total"; total may be "*"
func parseContentRange(value string) (int64, int64, error) {
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, fmt.Errorf("invalid content range %q", value)
	}
	spec := strings.TrimPrefix(value, "bytes ")
	rangePart, totalPart, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", value)
	}
	startPart, _, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", value)
	}

	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid content range start: %w", err)
	}

	total := int64(-1)
	if totalPart != "*" {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid content range total: %w", err)
		}
	}

	return start, total, nil
}

// classifyingBody converts read failures into transport errors. When idle
// is set, a read that waits longer than idle closes the body and fails with
// a TimeoutError.
type classifyingBody struct {
	ctx     context.Context
	url     string
	body    io.ReadCloser
	idle    time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func (b *classifyingBody) Read(p []byte) (int, error) {
	if b.stalled.Load() {
		return 0, b.stallError()
	}
	if b.idle > 0 {
		if b.timer == nil {
			b.timer = time.AfterFunc(b.idle, b.stall)
		} else {
			b.timer.Reset(b.idle)
		}
	}

	n, err := b.body.Read(p)
	if b.timer != nil {
		b.timer.Stop()
	}

	if b.stalled.Load() {
		return n, b.stallError()
	}
	if err != nil && err != io.EOF {
		return n, wrapTransportError(b.ctx, b.url, err)
	}
	return n, err
}

func (b *classifyingBody) stall() {
	b.stalled.Store(true)
	_ = b.body.Close()
}

func (b *classifyingBody) stallError() error {
	return &TimeoutError{URL: b.url, Err: fmt.Errorf("no data received for %s", b.idle)}
}

func (b *classifyingBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	return b.body.Close()
}
