// Package transport holds the HTTP plumbing shared by remote providers:
// a preconfigured resty client, in-flight and rate limits, and the mapping
// from transport failures to provider error kinds.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/elum-utils/aiocensor/models"
)

// DefaultMaxInFlight bounds concurrent requests per provider.
const DefaultMaxInFlight = 80

// UserAgent is sent with every provider request.
func UserAgent() string {
	return "aiocensor/" + versioninfo.Short()
}

// NewClient returns a resty client with the shared defaults.
func NewClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetBaseURL(baseURL).
		SetHeader("User-Agent", UserAgent())
}

// Gate bounds in-flight requests and, optionally, request rate.
type Gate struct {
	sem *semaphore.Weighted
	lim *rate.Limiter
}

// NewGate builds a gate. maxInFlight <= 0 means DefaultMaxInFlight and
// rps <= 0 disables rate limiting.
func NewGate(maxInFlight int64, rps float64, burst int) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	g := &Gate{sem: semaphore.NewWeighted(maxInFlight)}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return g
}

// Acquire waits for a slot and returns its release func.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if g.lim != nil {
		if err := g.lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}

// Classify maps a resty result to a provider error. It returns nil for
// successful responses.
func Classify(id models.ProviderID, resp *resty.Response, err error) error {
	if err != nil {
		return models.NewProviderError(id, KindOfTransportError(err), err)
	}
	if resp == nil {
		return models.NewProviderError(id, models.ErrTransient, errors.New("empty response"))
	}
	code := resp.StatusCode()
	if code < http.StatusMultipleChoices {
		return nil
	}
	return models.NewProviderError(id, KindOfStatus(code), fmt.Errorf("status %d: %s", code, truncate(resp.String(), 256)))
}

// KindOfStatus maps an HTTP status code to an error kind.
func KindOfStatus(code int) models.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return models.ErrAuthFailure
	case code == http.StatusTooManyRequests:
		return models.ErrRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return models.ErrTimeout
	case code == http.StatusUnsupportedMediaType || code == http.StatusNotImplemented:
		return models.ErrUnsupported
	default:
		return models.ErrTransient
	}
}

// KindOfTransportError maps a client-side failure to an error kind.
func KindOfTransportError(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.ErrTimeout
	}
	return models.ErrTransient
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
