package x402

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-agent/logger"
	"github.com/vitwit/x402-agent/metrics"
	"github.com/vitwit/x402-agent/mutator"
	"github.com/vitwit/x402-agent/policy"
	"github.com/vitwit/x402-agent/signer"
	"github.com/vitwit/x402-agent/telemetry"
	"github.com/vitwit/x402-agent/types"
)

type Option func(*Agent)

// WithChain sets the agent's preferred network, friendly name or CAIP-2.
func WithChain(chain string) Option {
	return func(a *Agent) {
		a.chain = chain
	}
}

func WithSigner(s signer.Signer) Option {
	return func(a *Agent) {
		a.signer = s
	}
}

// WithPolicies builds the default in-memory engine from policies. Ignored
// when WithPolicyEngine is also given.
func WithPolicies(policies ...types.Policy) Option {
	return func(a *Agent) {
		a.policies = policies
	}
}

func WithPolicyEngine(e *policy.Engine) Option {
	return func(a *Agent) {
		a.engine = e
	}
}

func WithMutator(m *mutator.Mutator) Option {
	return func(a *Agent) {
		a.mutator = m
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) {
		a.client = c
	}
}

func WithTelemetry(r telemetry.Reporter) Option {
	return func(a *Agent) {
		a.reporter = r
	}
}

func WithLogger(l logger.Logger) Option {
	return func(a *Agent) {
		a.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(a *Agent) {
		a.metrics = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		a.now = now
	}
}

// OnPolicyRejection is called when the policy gate rejects a payment.
func OnPolicyRejection(fn func(*types.PolicyViolationError)) Option {
	return func(a *Agent) {
		a.onReject = fn
	}
}

// OnPaymentComplete is called after a paid retry succeeds.
func OnPaymentComplete(fn func(types.Transaction)) Option {
	return func(a *Agent) {
		a.onComplete = fn
	}
}

// FetchOption adjusts a single Fetch call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	skipPolicy bool
	maxPrice   *decimal.Decimal
	vendor     string
	endpoint   string
}

// WithSkipPolicy bypasses the policy gate for this call only.
func WithSkipPolicy() FetchOption {
	return func(o *fetchOptions) {
		o.skipPolicy = true
	}
}

// WithMaxPrice rejects the payment if the price is above max, in currency
// units.
func WithMaxPrice(max decimal.Decimal) FetchOption {
	return func(o *fetchOptions) {
		o.maxPrice = &max
	}
}

// WithVendor overrides the vendor id, which defaults to the URL host.
func WithVendor(vendor string) FetchOption {
	return func(o *fetchOptions) {
		o.vendor = vendor
	}
}

// WithEndpoint overrides the endpoint, which defaults to the URL path.
func WithEndpoint(endpoint string) FetchOption {
	return func(o *fetchOptions) {
		o.endpoint = endpoint
	}
}
