package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const userAgent = "image-embedder/1.0"

// Fetcher downloads the raw bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Error is returned for every failed fetch: transport errors, timeouts,
// non-2xx statuses and oversized bodies.
type Error struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPFetcher performs a single GET per call. It never retries.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher builds a fetcher with a whole-request timeout and a body cap.
// maxBytes <= 0 disables the cap.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			URL:    url,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s for url: %s", resp.Status, url),
		}
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, &Error{URL: url, Status: resp.StatusCode, Err: tooLarge(f.maxBytes)}
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &Error{URL: url, Status: resp.StatusCode, Err: err}
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, &Error{URL: url, Status: resp.StatusCode, Err: tooLarge(f.maxBytes)}
	}
	return data, nil
}

func tooLarge(max int64) error {
	return fmt.Errorf("image exceeds %d bytes", max)
}
