// Package x402 is an HTTP client for autonomous agents that pays for API
// calls answered with 402 Payment Required. An Agent parses the challenge,
// checks it against spending policies, obtains a proof from its Signer and
// replays the request with the proof attached.
package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-agent/logger"
	"github.com/vitwit/x402-agent/metrics"
	"github.com/vitwit/x402-agent/mutator"
	"github.com/vitwit/x402-agent/policy"
	"github.com/vitwit/x402-agent/signer"
	"github.com/vitwit/x402-agent/telemetry"
	"github.com/vitwit/x402-agent/types"
	"github.com/vitwit/x402-agent/utils"
)

// Version information
const (
	Version         = "0.3.0"
	ProtocolVersion = 1
)

// PaymentHeader carries the proof on the paid retry.
const PaymentHeader = "X-PAYMENT"

const (
	DefaultChain = "base"
	// maxChallengeBody bounds how much of a 402 body is read for parsing.
	maxChallengeBody = 1 << 20
)

// Agent is safe for concurrent use.
type Agent struct {
	client   *http.Client
	chain    string
	signer   signer.Signer
	policies []types.Policy
	engine   *policy.Engine
	mutator  *mutator.Mutator
	reporter telemetry.Reporter
	log      logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	onReject   func(*types.PolicyViolationError)
	onComplete func(types.Transaction)

	// reports tracks telemetry sends still in flight.
	reports sync.WaitGroup
}

// New builds an Agent. Without a signer the agent still serves non-402
// traffic but fails every challenge with NO_SIGNER.
func New(opts ...Option) (*Agent, error) {
	a := &Agent{chain: DefaultChain}
	for _, opt := range opts {
		opt(a)
	}

	info, err := types.ResolveNetwork(a.chain)
	if err != nil {
		return nil, err
	}
	a.chain = string(info.Name)

	if a.client == nil {
		a.client = &http.Client{Timeout: 2 * time.Minute}
	}
	if a.log == nil {
		a.log = logger.NoopLogger{}
	}
	if a.metrics == nil {
		a.metrics = metrics.NoopRecorder{}
	}
	if a.reporter == nil {
		a.reporter = telemetry.NoopReporter{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.engine == nil {
		a.engine = policy.NewEngine(a.policies, policy.WithClock(a.now), policy.WithLogger(a.log))
	}
	if a.mutator == nil {
		a.mutator = mutator.New(mutator.Config{PrimaryChain: a.chain, Now: a.now})
	}
	return a, nil
}

// Chain returns the agent's preferred network name.
func (a *Agent) Chain() string { return a.chain }

// Get issues a GET through Fetch.
func (a *Agent) Get(ctx context.Context, url string, opts ...FetchOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return a.Fetch(ctx, req, opts...)
}

// Fetch sends req and settles a 402 challenge if one comes back. Non-402
// responses are returned untouched. After a payment the retried response is
// returned whatever its status.
func (a *Agent) Fetch(ctx context.Context, req *http.Request, opts ...FetchOption) (*http.Response, error) {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}
	requestedAt := a.now()

	resp, err := a.client.Do(cloneRequest(ctx, req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	reqs := readChallenge(resp)
	a.metrics.IncCounter(metrics.EventChallenge, map[string]string{metrics.LabelChain: a.chain})
	if len(reqs) == 0 {
		return nil, types.NewPaymentError(types.CodeNoRequirements, "402 response carried no usable payment requirements", nil).
			WithDetails("url", req.URL.String())
	}
	if a.signer == nil {
		return nil, types.NewPaymentError(types.CodeNoSigner, "payment required but no signer configured", nil).
			WithDetails("url", req.URL.String())
	}

	selected, err := signer.Select(reqs, a.chain)
	if err != nil {
		return nil, types.NewPaymentError(types.CodeNoRequirements, "no requirement to select", err)
	}
	amount, err := selected.Amount()
	if err != nil {
		return nil, types.NewPaymentError(types.CodeNoRequirements, "requirement amount unusable", err)
	}
	chain := types.ChainName(selected.Network)
	labels := map[string]string{metrics.LabelChain: chain}

	preq := policy.Request{
		Amount:   amount,
		VendorID: vendorOf(req, o),
		Endpoint: endpointOf(req, o),
	}
	log := logger.With(a.log, map[string]any{
		"vendor":   preq.VendorID,
		"endpoint": preq.Endpoint,
		"chain":    chain,
		"amount":   amount.String(),
	})

	if !o.skipPolicy {
		d, err := a.engine.Evaluate(ctx, preq)
		if err != nil {
			return nil, fmt.Errorf("evaluate policies: %w", err)
		}
		if verr := d.Err(preq); verr != nil {
			a.metrics.IncCounter(metrics.EventPolicyRejected, labels)
			var pv *types.PolicyViolationError
			if errors.As(verr, &pv) && a.onReject != nil {
				a.onReject(pv)
			}
			return nil, verr
		}
	}

	if o.maxPrice != nil && amount.GreaterThan(*o.maxPrice) {
		a.metrics.IncCounter(metrics.EventPriceExceeded, labels)
		return nil, types.NewPaymentError(types.CodePriceExceeded,
			fmt.Sprintf("price %s exceeds ceiling %s", amount, o.maxPrice), nil).
			WithDetails("amount", amount.String()).
			WithDetails("maxPrice", o.maxPrice.String())
	}

	// Charged before signing so concurrent calls see each other.
	if err := a.engine.RecordRequest(ctx, preq.Endpoint); err != nil {
		return nil, fmt.Errorf("record request: %w", err)
	}

	signStart := a.now()
	proof, err := a.signer.Sign(ctx, []types.PaymentRequirement{selected}, a.chain)
	a.metrics.ObserveLatency(metrics.OperationSign, a.now().Sub(signStart), labels)
	if err != nil {
		a.metrics.IncCounter(metrics.EventSignFailed, labels)
		a.observeOutcome(false, chain, a.now().Sub(signStart), amount)
		log.Warn("signing failed", map[string]any{"error": err})
		return nil, err
	}

	paid := cloneRequest(ctx, req, body)
	paid.Header.Set(PaymentHeader, proof)
	resp, sendErr := a.client.Do(paid)
	latency := a.now().Sub(signStart)
	a.metrics.ObserveLatency(metrics.OperationPaidRequest, latency, labels)

	tx := types.Transaction{
		ID:          uuid.NewString(),
		Endpoint:    preq.Endpoint,
		VendorID:    preq.VendorID,
		Amount:      amount,
		Chain:       chain,
		Network:     networkID(selected.Network),
		TxHash:      proofHash(proof),
		Status:      types.TxFailed,
		RequestedAt: requestedAt,
		SettledAt:   a.now(),
	}
	if sendErr == nil {
		tx.ResponseStatus = resp.StatusCode
		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			tx.Status = types.TxSettled
		}
	}
	a.record(ctx, log, tx, latency)

	if sendErr != nil {
		return nil, fmt.Errorf("paid retry: %w", sendErr)
	}
	return resp, nil
}

// record books tx everywhere it belongs. The payment already happened, so
// failures here are logged and never returned.
func (a *Agent) record(ctx context.Context, log logger.Logger, tx types.Transaction, latency time.Duration) {
	if err := a.engine.RecordTransaction(ctx, tx); err != nil {
		log.Error("record transaction failed", map[string]any{"error": err, "tx": tx.ID})
	}

	labels := map[string]string{metrics.LabelChain: tx.Chain, metrics.LabelVendor: tx.VendorID}
	settled := tx.Status == types.TxSettled
	if settled {
		a.metrics.IncCounter(metrics.EventPaymentSettled, labels)
		a.metrics.AddSpend(tx.Amount.InexactFloat64(), labels)
		log.Info("payment settled", map[string]any{"tx": tx.ID, "txHash": tx.TxHash, "status": tx.ResponseStatus})
		if a.onComplete != nil {
			a.onComplete(tx)
		}
	} else {
		a.metrics.IncCounter(metrics.EventPaymentFailed, labels)
		log.Warn("paid request failed", map[string]any{"tx": tx.ID, "status": tx.ResponseStatus})
	}

	a.observeOutcome(settled, tx.Chain, latency, tx.Amount)

	reportCtx := context.WithoutCancel(ctx)
	a.reports.Add(1)
	go func() {
		defer a.reports.Done()
		if err := a.reporter.Report(reportCtx, tx); err != nil {
			log.Warn("telemetry report failed", map[string]any{"error": err, "tx": tx.ID})
		}
	}()
}

// Flush blocks until every telemetry report started so far has finished.
// Call it before the process exits.
func (a *Agent) Flush() {
	a.reports.Wait()
}

func (a *Agent) observeOutcome(success bool, chain string, latency time.Duration, amount decimal.Decimal) {
	r := mutator.Result{Chain: chain, Latency: latency, Amount: amount}
	var events []mutator.MutationEvent
	if success {
		events = a.mutator.OnSuccess(r)
	} else {
		events = a.mutator.OnFailure(r)
	}
	for _, ev := range events {
		a.metrics.IncCounter(metrics.EventMutation, map[string]string{metrics.LabelChain: chain})
		a.log.Debug("agent mutated", map[string]any{"kind": string(ev.Kind), "old": ev.OldValue, "new": ev.NewValue, "depth": ev.Depth})
	}
}

// CheckPolicy evaluates a hypothetical payment without recording anything.
func (a *Agent) CheckPolicy(ctx context.Context, req policy.Request) (policy.Decision, error) {
	return a.engine.Evaluate(ctx, req)
}

// SpendSummary aggregates the retained ledger.
func (a *Agent) SpendSummary(ctx context.Context) (types.SpendSummary, error) {
	return a.engine.SpendSummary(ctx)
}

// Transactions returns the retained ledger, oldest first.
func (a *Agent) Transactions(ctx context.Context) ([]types.Transaction, error) {
	return a.engine.Transactions(ctx)
}

// UpdatePolicies replaces the whole policy set.
func (a *Agent) UpdatePolicies(policies []types.Policy) {
	a.engine.UpdatePolicies(policies)
}

func (a *Agent) Policies() []types.Policy {
	return a.engine.Policies()
}

func (a *Agent) Mutator() *mutator.Mutator {
	return a.mutator
}

// bufferBody reads a single-use body so it can be sent twice.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return b, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	c := req.Clone(ctx)
	if body == nil {
		c.Body = http.NoBody
		c.GetBody = nil
		c.ContentLength = 0
		return c
	}
	c.Body = io.NopCloser(bytes.NewReader(body))
	c.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	c.ContentLength = int64(len(body))
	return c
}

func readChallenge(resp *http.Response) []types.PaymentRequirement {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	return utils.ParseChallenge(resp.Header.Get(utils.PaymentRequiredHeader), body)
}

func vendorOf(req *http.Request, o fetchOptions) string {
	if o.vendor != "" {
		return o.vendor
	}
	return req.URL.Hostname()
}

func endpointOf(req *http.Request, o fetchOptions) string {
	if o.endpoint != "" {
		return o.endpoint
	}
	if req.URL.Path == "" {
		return "/"
	}
	return req.URL.Path
}

func networkID(network string) string {
	if info, err := types.ResolveNetwork(network); err == nil {
		return info.CAIP2
	}
	return network
}

// proofHash extracts the transaction hash when the proof is in the
// standard envelope. Custom signers may return anything.
func proofHash(proof string) string {
	p, err := types.DecodeProof(proof)
	if err != nil {
		return ""
	}
	return p.Payload.TxHash
}
