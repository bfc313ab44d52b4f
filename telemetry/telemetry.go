// Package telemetry reports completed payments to an external collector.
// Reporting is best effort; callers log failures and carry on.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vitwit/x402-agent/types"
)

const (
	DefaultPath    = "/v1/transactions"
	defaultTimeout = 3 * time.Second
)

// Reporter receives every recorded transaction.
type Reporter interface {
	Report(ctx context.Context, tx types.Transaction) error
}

// NoopReporter drops reports.
type NoopReporter struct{}

func (NoopReporter) Report(context.Context, types.Transaction) error { return nil }

// HTTPConfig configures an HTTPReporter.
type HTTPConfig struct {
	BaseURL    string
	Path       string
	APIKey     string
	AgentID    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPReporter posts transactions as JSON.
type HTTPReporter struct {
	endpoint string
	apiKey   string
	agentID  string
	timeout  time.Duration
	client   *http.Client
}

type report struct {
	AgentID     string            `json:"agentId,omitempty"`
	Transaction types.Transaction `json:"transaction"`
}

func NewHTTPReporter(cfg HTTPConfig) (*HTTPReporter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("telemetry base url required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("telemetry base url: %w", err)
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPReporter{
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + path,
		apiKey:   cfg.APIKey,
		agentID:  cfg.AgentID,
		timeout:  timeout,
		client:   client,
	}, nil
}

// Report sends tx. The caller's cancellation is ignored so a report is not
// lost when the paid request's context ends first; the reporter's own
// timeout bounds it instead.
func (r *HTTPReporter) Report(ctx context.Context, tx types.Transaction) error {
	body, err := json.Marshal(report{AgentID: r.agentID, Transaction: tx})
	if err != nil {
		return fmt.Errorf("telemetry marshal: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry post: status %d", resp.StatusCode)
	}
	return nil
}
