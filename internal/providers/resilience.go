package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Backoff controls retry spacing for upstream calls.
type Backoff struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBackoff is used when a client is built without one.
var DefaultBackoff = Backoff{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

var (
	ErrRateLimited  = errors.New("upstream rate limited")
	ErrUpstream     = errors.New("upstream server error")
	ErrUnexpected   = errors.New("unexpected upstream status")
	ErrCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
	errBadBackoff   = errors.New("invalid backoff configuration")
)

// jsonGetter issues GET requests through a circuit breaker with exponential
// backoff and decodes JSON bodies.
type jsonGetter struct {
	client  *http.Client
	backoff Backoff
	circuit *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func newJSONGetter(name string, client *http.Client, backoff Backoff, logger *slog.Logger) *jsonGetter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if backoff.InitialInterval <= 0 {
		backoff = DefaultBackoff
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &jsonGetter{client: client, backoff: backoff, circuit: cb, logger: logger}
}

// get fetches url and decodes the JSON response into out. Rate limiting and
// 5xx responses are retried; other non-2xx statuses fail immediately.
func (g *jsonGetter) get(ctx context.Context, url string, out any) error {
	if g.client == nil {
		return errNoHTTPClient
	}
	if g.backoff.MaxRetries < 0 || g.backoff.InitialInterval <= 0 {
		return errBadBackoff
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := g.circuit.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := g.client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				return nil, ErrRateLimited
			case resp.StatusCode >= 500:
				return nil, fmt.Errorf("%w: %d", ErrUpstream, resp.StatusCode)
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return nil, retryable{fmt.Errorf("%w: %d", ErrUnexpected, resp.StatusCode), false}
			}
			return io.ReadAll(resp.Body)
		})
		if err == nil {
			if err := json.Unmarshal(body.([]byte), out); err != nil {
				return fmt.Errorf("decode upstream response: %w", err)
			}
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		var r retryable
		if errors.As(err, &r) && !r.retry {
			return r.err
		}
		if attempt >= g.backoff.MaxRetries {
			return err
		}

		delay := g.backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if g.backoff.MaxInterval > 0 && delay > g.backoff.MaxInterval {
			delay = g.backoff.MaxInterval
		}
		g.logger.Warn("upstream request failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// retryable marks an error as final for the retry loop.
type retryable struct {
	err   error
	retry bool
}

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }
