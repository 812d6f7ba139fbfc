package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

const defaultUserAgent = "crm-trigger-engine/1.0"

// ClientConfig controls the shared CRM HTTP client.
type ClientConfig struct {
	Timeout         time.Duration
	RateLimit       float64 // requests per second per CRM
	Burst           int
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
	HTTPClient      *http.Client
	UserAgent       string
}

// APIError is a non-2xx response from a CRM API.
type APIError struct {
	CRM        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("crm: %s api returned %d: %s", e.CRM, e.StatusCode, body)
}

// IsAuthError reports whether err is a 401/403 from a CRM API.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// HTTPClient performs JSON calls against one CRM, guarded by a rate limiter
// and a circuit breaker.
type HTTPClient struct {
	name      string
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	userAgent string
	logger    *logging.Logger
}

// NewHTTPClient creates a client for the named CRM.
func NewHTTPClient(name string, cfg ClientConfig, logger *logging.Logger) *HTTPClient {
	if logger == nil {
		logger = logging.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	openFor := cfg.BreakerOpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "crm-" + name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		// Client errors are the tenant's problem, not the CRM's.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("crm circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPClient{
		name:      name,
		http:      httpClient,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		breaker:   breaker,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Request describes one API call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	User    string
	Pass    string
}

// Do executes the request and decodes a JSON response into out (when non-nil).
func (c *HTTPClient) Do(ctx context.Context, req Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("crm: %s rate limiter: %w", c.name, err)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, req, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("crm: %s api unavailable: %w", c.name, err)
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, req Request, out any) error {
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("crm: %s marshal body: %w", c.name, err)
		}
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("crm: %s build request: %w", c.name, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.User != "" || req.Pass != "" {
		httpReq.SetBasicAuth(req.User, req.Pass)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("crm: %s request: %w", c.name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("crm: %s read body: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{CRM: c.name, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("crm: %s decode response: %w", c.name, err)
	}
	return nil
}

func requireKey(creds Credentials) error {
	if strings.TrimSpace(creds.APIKey) == "" {
		return ErrMissingCredentials
	}
	return nil
}

func baseURL(creds Credentials, fallback string) string {
	if b := strings.TrimSpace(creds.BaseURL); b != "" {
		return strings.TrimRight(b, "/")
	}
	return fallback
}
