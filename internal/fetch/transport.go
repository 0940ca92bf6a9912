package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBackoff retries three times, starting at half a second.
var DefaultBackoff = BackoffConfig{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	errCircuitOpen   = errors.New("circuit breaker open")
	errMalformedJSON = errors.New("malformed JSON body")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

const maxBodyBytes = 32 << 20

// Client performs GET requests against upstream hosts with retries,
// exponential backoff and one circuit breaker per host.
type Client struct {
	http    *http.Client
	backoff BackoffConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient wraps httpClient. The client's Timeout bounds each attempt.
func NewClient(httpClient *http.Client, backoff BackoffConfig) *Client {
	return &Client{
		http:     httpClient,
		backoff:  backoff,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker of host. Only transport failures, 429
// and 5xx count against it; a 4xx or a bad body is about one URL, not the host.
func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errUnexpected) || errors.Is(err, errMalformedJSON)
			},
		})
		c.breakers[host] = cb
	}
	return cb
}

// Get fetches rawURL and returns its body once it is known to be well-formed
// JSON. Every error returned is a transport-level failure.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if c.http == nil {
		return nil, errNoHTTPClient
	}
	if c.backoff.MaxRetries < 0 || c.backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	cb := c.breaker(u.Host)

	var attempt int
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return c.do(ctx, rawURL)
		})
		if err == nil {
			body, ok := result.([]byte)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return body, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		// Client errors and bad bodies will not improve on retry.
		if errors.Is(err, errUnexpected) || errors.Is(err, errMalformedJSON) {
			return nil, err
		}
		if attempt >= c.backoff.MaxRetries {
			return nil, err
		}

		// Backoff with exponential delay.
		delay := c.backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > c.backoff.MaxInterval && c.backoff.MaxInterval > 0 {
			delay = c.backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Handle rate limiting and server errors explicitly.
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errRateLimited
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errMalformedJSON
	}
	return body, nil
}
