// Package gateway talks to the external WhatsApp messaging gateway: outbound
// text sends and inbound transport webhooks.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

const defaultUserAgent = "crm-trigger-engine/1.0"

// ErrNotConfigured is returned when no gateway base URL is set.
var ErrNotConfigured = errors.New("gateway: not configured")

// SendRequest is one outbound text message.
type SendRequest struct {
	AccountID string
	To        string
	Text      string
	// Delay asks the gateway to wait before delivering, so replies do not
	// arrive instantly.
	Delay time.Duration
}

// SendResult identifies the accepted message.
type SendResult struct {
	MessageID string
	Status    string
}

// Sender delivers outbound messages.
type Sender interface {
	SendText(ctx context.Context, req SendRequest) (SendResult, error)
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: api returned %d: %s", e.StatusCode, e.Message)
}

// Config controls the gateway client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client sends through the gateway REST API:
// POST {base}/instances/{account}/messages/text.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
}

// New returns a configured client. A missing base URL is an error.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrNotConfigured
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		maxRetries: max(cfg.MaxRetries, 0),
		backoff:    backoff,
		logger:     logger,
	}, nil
}

// SendText delivers a text message. The phone is sent as digits, which the
// gateway resolves to a WhatsApp JID.
func (c *Client) SendText(ctx context.Context, req SendRequest) (SendResult, error) {
	to := strings.TrimPrefix(NormalizePhone(req.To), "+")
	if to == "" {
		return SendResult{}, errors.New("gateway: recipient phone required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return SendResult{}, errors.New("gateway: message text required")
	}
	account := strings.TrimSpace(req.AccountID)
	if account == "" {
		account = "default"
	}
	body, err := json.Marshal(struct {
		To    string `json:"to"`
		Text  string `json:"text"`
		Delay int64  `json:"delay,omitempty"`
	}{To: to, Text: req.Text, Delay: req.Delay.Milliseconds()})
	if err != nil {
		return SendResult{}, fmt.Errorf("gateway: marshal send body: %w", err)
	}

	data, err := c.invoke(ctx, http.MethodPost, "/instances/"+url.PathEscape(account)+"/messages/text", body)
	if err != nil {
		return SendResult{}, err
	}
	return decodeSendResult(data), nil
}

func decodeSendResult(data []byte) SendResult {
	var wrapped struct {
		Data struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
		ID     string `json:"id"`
		Status string `json:"status"`
		Key    struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return SendResult{}
	}
	res := SendResult{MessageID: wrapped.Data.ID, Status: wrapped.Data.Status}
	if res.MessageID == "" {
		res.MessageID = wrapped.ID
	}
	if res.MessageID == "" {
		res.MessageID = wrapped.Key.ID
	}
	if res.Status == "" {
		res.Status = wrapped.Status
	}
	if res.Status == "" {
		res.Status = "sent"
	}
	return res
}

func (c *Client) invoke(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gateway: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", defaultUserAgent)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("gateway: http error: %w", err)
		} else {
			data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			if readErr != nil {
				return nil, fmt.Errorf("gateway: read response: %w", readErr)
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return data, nil
			}
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
			if !retryable(resp.StatusCode) {
				return nil, lastErr
			}
		}
		if attempt == c.maxRetries {
			break
		}
		c.logger.Warn("gateway request failed, retrying", "path", path, "attempt", attempt+1, "error", lastErr)
		if err := c.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Sender = (*Client)(nil)
