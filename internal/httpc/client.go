// Package httpc is a small HTTP client with bounded retries on transient
// upstream statuses.
package httpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrTimeout reports that a single attempt exceeded Policy.Timeout.
	ErrTimeout = errors.New("httpc: request timed out")
	// ErrConnectionFailed reports that the remote endpoint could not be reached.
	ErrConnectionFailed = errors.New("httpc: connection failed")

	errRetryableStatus = errors.New("httpc: retryable status")
)

// Policy bounds how a request is attempted.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Timeout        time.Duration
	RetryStatuses  []int
}

// GenerationPolicy is used against the generation backend: three attempts,
// exponential backoff starting at one second.
func GenerationPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		Timeout:        30 * time.Second,
		RetryStatuses: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// SingleAttempt returns a policy that never retries.
func SingleAttempt(timeout time.Duration) Policy {
	return Policy{MaxAttempts: 1, Timeout: timeout}
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Client struct {
	http   *http.Client
	policy Policy
	logger *slog.Logger
}

func New(policy Policy, logger *slog.Logger) *Client {
	return NewWithHTTPClient(&http.Client{}, policy, logger)
}

func NewWithHTTPClient(hc *http.Client, policy Policy, logger *slog.Logger) *Client {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{http: hc, policy: policy, logger: logger.With(slog.String("component", "httpc"))}
}

func (c *Client) Policy() Policy { return c.policy }

// Do performs req under the client's policy. When every attempt ends with a
// retryable status the last response is returned with a nil error so the
// caller can classify it.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		resp, err := c.attempt(ctx, req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp.Attempts = attempts
		if slices.Contains(c.policy.RetryStatuses, resp.StatusCode) {
			return resp, fmt.Errorf("%w: %d", errRetryableStatus, resp.StatusCode)
		}
		return resp, nil
	}

	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     c.policy.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying request",
				slog.String("url", req.URL),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", next),
				slog.String("reason", err.Error()))
		}),
	)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, errRetryableStatus) && resp != nil {
		c.logger.Warn("retries exhausted",
			slog.String("url", req.URL),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempts", attempts))
		return resp, nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return nil, err
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx := ctx
	if c.policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) classify(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.policy.Timeout)
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}
