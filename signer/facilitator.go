package signer

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

	"github.com/vitwit/x402-agent/logger"
	"github.com/vitwit/x402-agent/retry"
)

// Facilitator payment statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// FacilitatorError is returned for any non-2xx facilitator response.
type FacilitatorError struct {
	StatusCode int
	Body       string
}

func (e *FacilitatorError) Error() string {
	return fmt.Sprintf("facilitator returned %d: %s", e.StatusCode, e.Body)
}

// PaymentDetails is the human-readable transfer the facilitator executes or
// broadcasts.
type PaymentDetails struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	Chain     string `json:"chain"`
}

// PayRequest is the body of POST /pay.
type PayRequest struct {
	PaymentRequired PaymentDetails `json:"payment_required"`
	AgentWallet     string         `json:"agent_wallet"`
	SignedTx        string         `json:"signed_tx,omitempty"`
}

// PayResponse is returned by POST /pay and GET /pay/:id.
type PayResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	TxHash    string `json:"tx_hash,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Facilitator is the HTTP client for the payment facilitator API.
type Facilitator struct {
	baseURL string
	apiKey  string
	client  *http.Client
	poll    retry.Policy
	log     logger.Logger
}

// NewFacilitator creates a client for baseURL. apiKey is sent as a bearer
// token when set.
func NewFacilitator(baseURL, apiKey string, opts ...Option) (*Facilitator, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid facilitator URL %q", baseURL)
	}
	o := buildOptions(opts)
	return &Facilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  o.httpClient,
		poll:    o.poll,
		log:     o.log,
	}, nil
}

// Pay submits a payment.
func (f *Facilitator) Pay(ctx context.Context, req PayRequest) (*PayResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal pay request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/pay", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create pay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return f.do(httpReq)
}

// Status fetches the current state of a payment.
func (f *Facilitator) Status(ctx context.Context, paymentID string) (*PayResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/pay/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}
	return f.do(httpReq)
}

// Await resolves a pay response to a transaction hash, polling the status
// endpoint until completed or failed.
func (f *Facilitator) Await(ctx context.Context, resp *PayResponse) (string, error) {
	if hash, done, err := terminal(resp); done || err != nil {
		return hash, err
	}
	if resp.PaymentID == "" {
		return "", fmt.Errorf("%w: facilitator returned status %q without a payment id", ErrPaymentFailed, resp.Status)
	}

	var hash string
	poll := f.poll
	if poll.Retryable == nil {
		poll.Retryable = isTransient
	}
	err := poll.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		st, err := f.Status(ctx, resp.PaymentID)
		if err != nil {
			return false, err
		}
		f.log.Debug("facilitator payment status", map[string]any{
			"payment_id": resp.PaymentID,
			"status":     st.Status,
			"attempt":    attempt,
		})
		h, done, err := terminal(st)
		hash = h
		return done, err
	})
	if errors.Is(err, retry.ErrExhausted) {
		return "", fmt.Errorf("%w: payment %s: %v", ErrPaymentTimeout, resp.PaymentID, err)
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// terminal reports whether st is final. Completed without a hash is still
// pending.
func terminal(st *PayResponse) (string, bool, error) {
	switch st.Status {
	case StatusCompleted:
		if st.TxHash != "" {
			return st.TxHash, true, nil
		}
	case StatusFailed:
		msg := st.Error
		if msg == "" {
			msg = "no reason given"
		}
		return "", true, fmt.Errorf("%w: payment %s: %s", ErrPaymentFailed, st.PaymentID, msg)
	}
	return "", false, nil
}

func isTransient(err error) bool {
	var ferr *FacilitatorError
	return errors.As(err, &ferr) && ferr.StatusCode >= http.StatusInternalServerError
}

func (f *Facilitator) do(req *http.Request) (*PayResponse, error) {
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read facilitator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FacilitatorError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out PayResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode facilitator response: %w", err)
	}
	return &out, nil
}
