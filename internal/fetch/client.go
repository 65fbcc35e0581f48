package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrRangeIgnored is returned when a ranged request is answered with the whole resource.
var ErrRangeIgnored = errors.New("fetch: server ignored range request")

// ErrRangeMismatch is returned when a partial response does not start at the requested offset.
var ErrRangeMismatch = errors.New("fetch: partial response does not match requested range")

// StatusError is returned for responses with an unexpected status code.
type StatusError struct {
	Method     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s returned HTTP %d", e.Method, e.StatusCode)
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost must cover every parallel chunk connection.
	// Default: 16
	MaxIdleConnsPerHost int

	// ProbeTimeout bounds each metadata request. Transfers themselves have no timeout.
	// Default: 30s
	ProbeTimeout time.Duration

	// ProbeRetries is the number of extra attempts for a probe that fails with a
	// network error or a 5xx. Default: 0
	ProbeRetries int

	// RetryBackoff is the initial backoff between probe attempts.
	// Default: 1s
	RetryBackoff time.Duration

	// Instrument wraps the transport with OpenTelemetry instrumentation.
	Instrument bool
}

// DefaultOptions returns options tuned for a handful of long-lived connections to one host.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		ProbeTimeout:        30 * time.Second,
		RetryBackoff:        time.Second,
	}
}

// FileInfo is the outcome of a size probe.
type FileInfo struct {
	Size          int64
	AcceptsRanges bool
}

// Client issues the requests a download needs: probes, ranged GETs and whole GETs.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a client with the given options.
func NewClient(opts Options) *Client {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultOptions().MaxIdleConnsPerHost
	}

	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultOptions().ProbeTimeout
	}

	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // byte offsets must refer to the raw entity
	}

	if opts.Instrument {
		transport = otelhttp.NewTransport(transport)
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Probe determines the size of url and whether it can be fetched in ranges.
// It tries a HEAD request first; when that yields no usable length it falls back
// to a one-byte ranged GET and reads the total from Content-Range, or from
// Content-Length as a last resort. A zero Size means neither path worked.
func (c *Client) Probe(ctx context.Context, url string) (FileInfo, error) {
	info, headErr := c.retry(ctx, func(ctx context.Context) (FileInfo, error) {
		return c.head(ctx, url)
	})
	if headErr == nil && info.Size > 0 {
		return info, nil
	}

	info, rangeErr := c.retry(ctx, func(ctx context.Context) (FileInfo, error) {
		return c.probeRange(ctx, url)
	})
	if rangeErr != nil {
		return FileInfo{}, errors.Join(headErr, rangeErr)
	}

	return info, nil
}

func (c *Client) head(ctx context.Context, url string) (FileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return FileInfo{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return FileInfo{}, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FileInfo{}, &StatusError{Method: http.MethodHead, StatusCode: resp.StatusCode}
	}

	return FileInfo{
		Size:          max(resp.ContentLength, 0),
		AcceptsRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}, nil
}

func (c *Client) probeRange(ctx context.Context, url string) (FileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FileInfo{}, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.client.Do(req)
	if err != nil {
		return FileInfo{}, err
	}
	// A server ignoring the range streams the whole file; closing without draining drops it.
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return FileInfo{}, &StatusError{Method: http.MethodGet, StatusCode: resp.StatusCode}
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if _, _, total, err := ParseContentRange(cr); err == nil && total > 0 {
			return FileInfo{Size: total, AcceptsRanges: true}, nil
		}
	}

	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		return FileInfo{Size: resp.ContentLength}, nil
	}

	return FileInfo{}, nil
}

// GetRange requests the inclusive byte range [start, end] of url. The caller closes the body.
func (c *Client) GetRange(ctx context.Context, url string, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if err := checkContentRange(resp.Header.Get("Content-Range"), start); err != nil {
			resp.Body.Close()

			return nil, err
		}

		return resp.Body, nil
	case http.StatusOK:
		// Only safe when the body happens to start where the range does.
		if start == 0 || resp.Header.Get("Content-Range") != "" {
			return resp.Body, nil
		}

		resp.Body.Close()

		return nil, ErrRangeIgnored
	default:
		resp.Body.Close()

		return nil, &StatusError{Method: http.MethodGet, StatusCode: resp.StatusCode}
	}
}

// checkContentRange verifies that a partial response starts at start.
func checkContentRange(header string, start int64) error {
	got, _, _, err := ParseContentRange(header)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRangeMismatch, err)
	}

	if got != start {
		return fmt.Errorf("%w: starts at byte %d instead of %d", ErrRangeMismatch, got, start)
	}

	return nil
}

// Get requests the whole resource. The caller closes the body.
func (c *Client) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, &StatusError{Method: http.MethodGet, StatusCode: resp.StatusCode}
	}

	return resp.Body, nil
}

// retry runs probe up to ProbeRetries+1 times while it fails with a retryable error.
func (c *Client) retry(ctx context.Context, probe func(context.Context) (FileInfo, error)) (FileInfo, error) {
	var (
		info FileInfo
		err  error
	)

	for attempt := 0; attempt <= c.opts.ProbeRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return FileInfo{}, err
			}
		}

		info, err = probe(ctx)
		if err == nil || !retryable(err) {
			return info, err
		}
	}

	return info, fmt.Errorf("probe failed after %d attempts: %w", c.opts.ProbeRetries+1, err)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}

	return true
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(strings.TrimSpace(header), "bytes ")

	rng, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if size == "*" {
		return start, end, -1, nil
	}

	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	return start, end, total, nil
}
