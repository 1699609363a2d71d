// Package fetch downloads images for providers that can only inspect bytes.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/elum-utils/aiocensor/adapters/internal/transport"
	"github.com/elum-utils/aiocensor/interfaces"
)

// DefaultMaxBytes caps a downloaded image.
const DefaultMaxBytes = 10 << 20

// ErrTooLarge is returned when an image exceeds MaxBytes.
var ErrTooLarge = errors.New("fetch: image too large")

// ErrNotImage is returned when the body does not sniff as an image.
var ErrNotImage = errors.New("fetch: content is not an image")

// Options configures the downloader.
type Options struct {
	MaxBytes     int64
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       interfaces.Logger
	// Transport replaces the underlying round tripper.
	Transport http.RoundTripper
}

// Fetcher downloads images with retries on connection errors and 5xx.
type Fetcher struct {
	client   *retryablehttp.Client
	maxBytes int64
}

// New creates a Fetcher.
func New(opt Options) *Fetcher {
	if opt.MaxBytes <= 0 {
		opt.MaxBytes = DefaultMaxBytes
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.RetryMax <= 0 {
		opt.RetryMax = 2
	}
	if opt.RetryWaitMin <= 0 {
		opt.RetryWaitMin = 200 * time.Millisecond
	}
	if opt.RetryWaitMax <= 0 {
		opt.RetryWaitMax = 2 * time.Second
	}

	c := retryablehttp.NewClient()
	c.RetryMax = opt.RetryMax
	c.RetryWaitMin = opt.RetryWaitMin
	c.RetryWaitMax = opt.RetryWaitMax
	c.HTTPClient.Timeout = opt.Timeout
	if opt.Transport != nil {
		c.HTTPClient.Transport = opt.Transport
	}
	c.CheckRetry = retryPolicy
	c.Logger = nil
	if opt.Logger != nil {
		c.Logger = retryablehttp.LeveledLogger(leveled{opt.Logger})
	}
	return &Fetcher{client: c, maxBytes: opt.MaxBytes}
}

// Fetch downloads url and returns its bytes and sniffed MIME type.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}
	req.Header.Set("User-Agent", transport.UserAgent())
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", ErrTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", ErrTooLarge
	}

	mime := mimetype.Detect(data).String()
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("%w: %s", ErrNotImage, mime)
	}
	return data, mime, nil
}

// retryPolicy leaves 429 to the caller.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// leveled bridges retryablehttp logging to interfaces.Logger. Errors are
// logged as warnings since the request is retried.
type leveled struct {
	inner interfaces.Logger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.inner.Warn(msg, fields(kv)) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.inner.Warn(msg, fields(kv)) }
func (l leveled) Info(msg string, kv ...interface{})  { l.inner.Info(msg, fields(kv)) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.inner.Debug(msg, fields(kv)) }

func fields(kv []interface{}) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
