package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	rateLimitRetries  = 3
	rateBackoffStep   = 5 * time.Second
	rateBackoffCap    = 30 * time.Second
	timeoutRetryDelay = 2 * time.Second
)

// ClientConfig collects the dependencies for a remote API client.
type ClientConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	PageDelay time.Duration
	Logger    *slog.Logger
}

// Client is a bearer-authenticated client for the remote company API. A single
// client may be shared by concurrent backfill workers; its pacing and 429
// backoff state throttle all of them together.
type Client struct {
	baseURL string
	token   string
	pace    time.Duration
	httpc   *http.Client
	logger  *slog.Logger
	valid   *validator.Validate

	// Retry timing knobs, overridden in tests.
	backoffStep  time.Duration
	backoffCap   time.Duration
	timeoutDelay time.Duration

	mu          sync.Mutex
	nextRequest time.Time
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pace := cfg.PageDelay
	if pace <= 0 {
		pace = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		pace:         pace,
		httpc:        &http.Client{Timeout: timeout},
		logger:       logger,
		valid:        validator.New(),
		backoffStep:  rateBackoffStep,
		backoffCap:   rateBackoffCap,
		timeoutDelay: timeoutRetryDelay,
	}
}

// waitTurn blocks until the shared pacing window allows another request. A 429
// observed by any caller pushes the window out for every caller.
func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	wait := c.nextRequest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	c.nextRequest = now.Add(wait + c.pace)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// deferRequests pushes the shared pacing window out by d from now.
func (c *Client) deferRequests(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(c.nextRequest) {
		c.nextRequest = until
	}
}

// request performs one GET with the client's 429 backoff and single timeout
// retry. It returns the response body, the number of attempts made, and, for
// 429 exhaustion, timeout exhaustion or transport failure, a terminal error.
// Non-2xx statuses other than 429 are returned to the caller undecoded.
func (c *Client) request(ctx context.Context, path string, params url.Values, page int) (status int, body []byte, attempts int, err error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	rateAttempt := 0
	timeoutRetried := false
	for {
		if err := c.waitTurn(ctx); err != nil {
			return 0, nil, attempts, err
		}
		attempts++

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return 0, nil, attempts, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			if isTimeout(err) {
				if timeoutRetried {
					return 0, nil, attempts, ErrTimeout
				}
				timeoutRetried = true
				c.logger.Warn("remote request timed out, retrying once",
					slog.String("path", path), slog.Int("page", page))
				if err := sleepCtx(ctx, c.timeoutDelay); err != nil {
					return 0, nil, attempts, err
				}
				continue
			}
			return 0, nil, attempts, &FetchError{Page: page, Cause: err}
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			if rateAttempt >= rateLimitRetries {
				return resp.StatusCode, nil, attempts, ErrRateLimitExceeded
			}
			delay := c.backoffStep * time.Duration(rateAttempt+1)
			if delay > c.backoffCap {
				delay = c.backoffCap
			}
			rateAttempt++
			c.deferRequests(delay)
			c.logger.Warn("remote rate limited, backing off",
				slog.String("path", path), slog.Int("page", page),
				slog.Duration("delay", delay), slog.Int("attempt", rateAttempt))
			if err := sleepCtx(ctx, delay); err != nil {
				return resp.StatusCode, nil, attempts, err
			}
			continue
		}

		if readErr != nil {
			return resp.StatusCode, nil, attempts, readErr
		}
		return resp.StatusCode, data, attempts, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
