package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jnst/outbound-engine/internal/model"
)

// HTTPClientOptions configures an HTTPClient.
type HTTPClientOptions struct {
	Name       string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// BreakerFailures is the number of consecutive transient failures that opens the circuit.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Sleep           func(ctx context.Context, d time.Duration) error
}

// HTTPClient is a JSON client with bounded in-call retries and a circuit breaker.
// All failures it returns are *model.ProviderError.
type HTTPClient struct {
	name       string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPClient creates an HTTPClient, filling unset options with defaults.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}

		httpClient = &http.Client{Timeout: timeout}
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}

	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	name := opts.Name
	if name == "" {
		name = "provider"
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Permanent errors mean the provider answered; they must not open the circuit.
		IsSuccessful: func(err error) bool {
			var perr *model.ProviderError
			if errors.As(err, &perr) {
				return perr.Permanent()
			}

			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit breaker state changed",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &HTTPClient{
		name:       name,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		sleep:      sleep,
		breaker:    breaker,
	}
}

// DoJSON sends body as JSON and decodes a 2xx response into out when out is non-nil.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, header http.Header, body, out any) error {
	var payload []byte

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return model.NewPermanentError("encode", "failed to encode %s request: %v", c.name, err)
		}

		payload = encoded
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doWithRetry(ctx, method, url, header, payload, out)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return model.NewTransientError("circuit_open", "%s circuit is open", c.name)
	default:
		return err
	}
}

func (c *HTTPClient) doWithRetry(ctx context.Context, method, url string, header http.Header, payload []byte, out any) error {
	for attempt := 0; ; attempt++ {
		retryAfter, err := c.doOnce(ctx, method, url, header, payload, out)
		if err == nil {
			return nil
		}

		var perr *model.ProviderError
		if !errors.As(err, &perr) || perr.Permanent() || !retryable(perr) || attempt >= c.maxRetries {
			return err
		}

		if waitErr := c.sleep(ctx, c.retryDelay(attempt+1, retryAfter)); waitErr != nil {
			return model.NewTransientError("timeout", "%s call interrupted: %v", c.name, waitErr)
		}
	}
}

func (c *HTTPClient) doOnce(ctx context.Context, method, url string, header http.Header, payload []byte, out any) (string, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return "", model.NewPermanentError("request", "failed to build %s request: %v", c.name, err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.NewTransientError("network", "%s request failed: %v", c.name, err)
	}

	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if readErr != nil {
		return "", model.NewTransientError("network", "failed to read %s response: %v", c.name, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
			return "", nil
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return "", model.NewTransientError("decode", "failed to decode %s response: %v", c.name, err)
		}

		return "", nil
	}

	return resp.Header.Get("Retry-After"), classifyStatus(c.name, resp.StatusCode, respBody)
}

// classifyStatus maps a non-2xx response to a transient or permanent error.
// Destination and payload rejections are permanent; throttling, auth and server errors are not.
func classifyStatus(name string, status int, body []byte) *model.ProviderError {
	message := strings.TrimSpace(string(body))

	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case parsed.Message != "":
			message = parsed.Message
		case parsed.Error != "":
			message = parsed.Error
		}
	}

	code := strconv.Itoa(status)

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return model.NewTransientError(code, "%s responded %d: %s", name, status, message)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return model.NewTransientError(code, "%s rejected credentials: %s", name, message)
	default:
		return model.NewPermanentError(code, "%s responded %d: %s", name, status, message)
	}
}

func retryable(perr *model.ProviderError) bool {
	switch perr.Code {
	case "network", "408", "429":
		return true
	default:
		n, err := strconv.Atoi(perr.Code)
		return err == nil && n >= 500
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}

	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}

	return min(delay, c.maxDelay)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func notFound(err error) bool {
	var perr *model.ProviderError
	return errors.As(err, &perr) && perr.Code == strconv.Itoa(http.StatusNotFound)
}
