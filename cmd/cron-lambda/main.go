// Command cron-lambda is the scheduled trigger for CRM polling: an
// EventBridge rule invokes it and it calls the engine's
// /cron/poll-triggers endpoint with the shared cron secret.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
)

type config struct {
	engineBaseURL string
	cronSecret    string
	timeout       time.Duration
}

// pollSummary is the subset of the engine's poll report the lambda logs.
type pollSummary struct {
	Triggers int `json:"triggers"`
	Failed   int `json:"failed"`
}

func loadConfig() (config, error) {
	baseURL := strings.TrimSpace(os.Getenv("ENGINE_BASE_URL"))
	if baseURL == "" {
		return config{}, errors.New("ENGINE_BASE_URL is required")
	}

	timeout := 50 * time.Second
	if raw := strings.TrimSpace(os.Getenv("POLL_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid POLL_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	return config{
		engineBaseURL: strings.TrimRight(baseURL, "/"),
		cronSecret:    strings.TrimSpace(os.Getenv("CRON_SECRET")),
		timeout:       timeout,
	}, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	client := &http.Client{Timeout: cfg.timeout}
	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (pollSummary, error) {
		return handle(ctx, cfg, client, evt)
	})
}

func handle(ctx context.Context, cfg config, client *http.Client, evt events.CloudWatchEvent) (pollSummary, error) {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.engineBaseURL+"/cron/poll-triggers", nil)
	if err != nil {
		return pollSummary{}, fmt.Errorf("build request: %w", err)
	}
	if cfg.cronSecret != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.cronSecret)
	}
	if evt.ID != "" {
		req.Header.Set("X-Request-Id", evt.ID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return pollSummary{}, fmt.Errorf("call engine: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return pollSummary{}, fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var summary pollSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return pollSummary{}, fmt.Errorf("decode poll report: %w", err)
	}
	return summary, nil
}
