// Package policy decides whether an agent may pay for a request and keeps
// the ledger and request log that those decisions read from.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-agent/logger"
	"github.com/vitwit/x402-agent/types"
)

// Request is the payment an agent is about to make.
type Request struct {
	Amount   decimal.Decimal
	VendorID string
	Endpoint string
}

// Decision is the outcome of Evaluate. Kind and Reason are set only when
// Allowed is false.
type Decision struct {
	Allowed bool
	Reason  string
	Kind    types.PolicyKind
}

// Err converts a rejection into a *types.PolicyViolationError, or nil if the
// request was allowed.
func (d Decision) Err(req Request) error {
	if d.Allowed {
		return nil
	}
	return &types.PolicyViolationError{
		Kind:     d.Kind,
		Reason:   d.Reason,
		VendorID: req.VendorID,
		Endpoint: req.Endpoint,
	}
}

var allow = Decision{Allowed: true}

// evaluation order; same-kind policies keep their listed order
var kindOrder = []types.PolicyKind{types.PolicyVendorACL, types.PolicyBudget, types.PolicyRateLimit}

// Engine evaluates policies against the ledger and request log. It is safe
// for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	policies []types.Policy

	ledger  LedgerStore
	limiter *RateLimiter
	now     func() time.Time
	log     logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger replaces the in-memory ledger.
func WithLedger(s LedgerStore) Option {
	return func(e *Engine) { e.ledger = s }
}

// WithRequestLog replaces the in-memory request log.
func WithRequestLog(l RequestLog) Option {
	return func(e *Engine) { e.limiter = NewRateLimiter(l, nil) }
}

// WithClock sets the time source used for day boundaries and rate windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds an engine over policies.
func NewEngine(policies []types.Policy, opts ...Option) *Engine {
	e := &Engine{
		policies: copyPolicies(policies),
		ledger:   NewMemoryLedger(),
		limiter:  NewRateLimiter(NewMemoryRequestLog(), nil),
		now:      time.Now,
		log:      logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.limiter.now = e.now
	return e
}

// Evaluate checks req against every policy, vendor ACL first, then budget,
// then rate limit, stopping at the first rejection. It never mutates state.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	for _, kind := range kindOrder {
		for _, p := range policies {
			if p.Kind() != kind {
				continue
			}

			var (
				d   Decision
				err error
			)
			switch v := p.(type) {
			case types.VendorACLPolicy:
				d = checkVendor(v, req.VendorID)
			case types.BudgetPolicy:
				d, err = e.checkBudget(ctx, v, req.Amount)
			case types.RateLimitPolicy:
				d, err = e.checkRateLimit(ctx, v, req.Endpoint)
			}
			if err != nil {
				return Decision{}, err
			}
			if !d.Allowed {
				e.log.Info("policy rejected payment", map[string]any{
					"kind":     string(d.Kind),
					"reason":   d.Reason,
					"vendor":   req.VendorID,
					"endpoint": req.Endpoint,
					"amount":   req.Amount.String(),
				})
				return d, nil
			}
		}
	}
	return allow, nil
}

func checkVendor(p types.VendorACLPolicy, vendor string) Decision {
	for _, b := range p.BlockedVendors {
		if b == vendor {
			return Decision{Kind: types.PolicyVendorACL, Reason: fmt.Sprintf("vendor %q is blocked", vendor)}
		}
	}
	for _, a := range p.AllowedVendors {
		if a == "*" || a == vendor {
			return allow
		}
	}
	return Decision{Kind: types.PolicyVendorACL, Reason: fmt.Sprintf("vendor %q is not in the allowlist", vendor)}
}

func (e *Engine) checkBudget(ctx context.Context, p types.BudgetPolicy, amount decimal.Decimal) (Decision, error) {
	if amount.GreaterThan(p.MaxPerRequest) {
		return Decision{
			Kind:   types.PolicyBudget,
			Reason: fmt.Sprintf("amount %s exceeds max per request %s", amount, p.MaxPerRequest),
		}, nil
	}

	spent, _, err := e.spentSince(ctx, startOfDay(e.now()))
	if err != nil {
		return Decision{}, err
	}
	if spent.Add(amount).GreaterThan(p.DailyCap) {
		return Decision{
			Kind:   types.PolicyBudget,
			Reason: fmt.Sprintf("daily cap %s would be exceeded: spent %s today, requested %s", p.DailyCap, spent, amount),
		}, nil
	}
	return allow, nil
}

func (e *Engine) checkRateLimit(ctx context.Context, p types.RateLimitPolicy, endpoint string) (Decision, error) {
	ok, reason, err := e.limiter.Check(ctx, p, endpoint)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Kind: types.PolicyRateLimit, Reason: reason}, nil
	}
	return allow, nil
}

// RecordTransaction appends tx to the ledger and prunes entries older than
// seven days. Recording the same ID twice has no effect.
func (e *Engine) RecordTransaction(ctx context.Context, tx types.Transaction) error {
	if tx.Amount.IsNegative() {
		return fmt.Errorf("transaction %s has negative amount %s", tx.ID, tx.Amount)
	}
	if err := e.ledger.Append(ctx, tx); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	if err := e.ledger.Prune(ctx, e.now().Add(-LedgerRetention)); err != nil {
		return fmt.Errorf("prune ledger: %w", err)
	}
	return nil
}

// RecordRequest charges one request to endpoint's rate windows.
func (e *Engine) RecordRequest(ctx context.Context, endpoint string) error {
	return e.limiter.Record(ctx, endpoint)
}

// SpendSummary aggregates the ledger for today and the trailing week.
func (e *Engine) SpendSummary(ctx context.Context) (types.SpendSummary, error) {
	now := e.now()
	txs, err := e.ledger.Since(ctx, now.Add(-LedgerRetention))
	if err != nil {
		return types.SpendSummary{}, fmt.Errorf("read ledger: %w", err)
	}

	sum := types.SpendSummary{
		Today:      decimal.Zero,
		Last7Days:  decimal.Zero,
		TotalCount: len(txs),
		ByVendor:   make(map[string]decimal.Decimal),
	}
	dayStart := startOfDay(now)
	for _, tx := range txs {
		sum.Last7Days = sum.Last7Days.Add(tx.Amount)
		sum.ByVendor[tx.VendorID] = sum.ByVendor[tx.VendorID].Add(tx.Amount)
		if !tx.SettledAt.Before(dayStart) {
			sum.Today = sum.Today.Add(tx.Amount)
			sum.TodayCount++
		}
	}
	return sum, nil
}

// Transactions returns the retained ledger, oldest first.
func (e *Engine) Transactions(ctx context.Context) ([]types.Transaction, error) {
	txs, err := e.ledger.Since(ctx, e.now().Add(-LedgerRetention))
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return txs, nil
}

// UpdatePolicies replaces the whole policy set.
func (e *Engine) UpdatePolicies(policies []types.Policy) {
	next := copyPolicies(policies)
	e.mu.Lock()
	e.policies = next
	e.mu.Unlock()
	e.log.Info("policies updated", map[string]any{"count": len(next)})
}

// Policies returns the current policy set.
func (e *Engine) Policies() []types.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyPolicies(e.policies)
}

func (e *Engine) spentSince(ctx context.Context, t time.Time) (decimal.Decimal, int, error) {
	txs, err := e.ledger.Since(ctx, t)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("read ledger: %w", err)
	}
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total, len(txs), nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func copyPolicies(ps []types.Policy) []types.Policy {
	out := make([]types.Policy, len(ps))
	copy(out, ps)
	return out
}
