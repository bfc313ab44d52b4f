// Package signer turns a 402 payment requirement into a settled transfer and
// returns the proof the seller expects in X-PAYMENT.
package signer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vitwit/x402-agent/logger"
	"github.com/vitwit/x402-agent/retry"
	"github.com/vitwit/x402-agent/types"
)

var (
	// ErrPaymentFailed means the facilitator or chain reported the transfer
	// as failed.
	ErrPaymentFailed = errors.New("signer: payment failed")
	// ErrPaymentTimeout means polling ran out of attempts before a terminal
	// status.
	ErrPaymentTimeout = errors.New("signer: payment timed out")
	// ErrMissingDependency means no transfer builder is registered for the
	// chain family a signer needs.
	ErrMissingDependency = errors.New("signer: missing chain dependency")
	// ErrNoRequirement is returned when Sign is called with an empty list.
	ErrNoRequirement = errors.New("signer: no payment requirement")
)

// Signer produces a base64 payment proof for one of the offered
// requirements.
type Signer interface {
	Sign(ctx context.Context, reqs []types.PaymentRequirement, preferredChain string) (string, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, reqs []types.PaymentRequirement, preferredChain string) (string, error)

func (f SignerFunc) Sign(ctx context.Context, reqs []types.PaymentRequirement, preferredChain string) (string, error) {
	return f(ctx, reqs, preferredChain)
}

// Select returns the first requirement on preferredChain, or the first one
// offered.
func Select(reqs []types.PaymentRequirement, preferredChain string) (types.PaymentRequirement, error) {
	if len(reqs) == 0 {
		return types.PaymentRequirement{}, ErrNoRequirement
	}
	for _, r := range reqs {
		if types.SameNetwork(r.Network, preferredChain) {
			return r, nil
		}
	}
	return reqs[0], nil
}

// SignedTransfer is a transaction signed locally and ready to broadcast.
type SignedTransfer struct {
	// Raw is the wire encoding: 0x hex for EVM, base64 for Solana.
	Raw string
	// Hash is known up front for EVM and for fully signed Solana
	// transactions. It is empty when a fee payer still has to co-sign.
	Hash    string
	From    string
	Network string
}

// TransferBuilder builds and signs a stablecoin transfer for one chain
// family. Keys never leave the builder.
type TransferBuilder interface {
	Family() types.ChainFamily
	Address() string
	Build(ctx context.Context, req types.PaymentRequirement) (*SignedTransfer, error)
}

// BuilderFactory constructs a builder bound to one network.
type BuilderFactory func(network types.NetworkInfo) (TransferBuilder, error)

// Registry maps chain families to builder factories so the core does not
// link every chain SDK's setup code unconditionally.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.ChainFamily]BuilderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.ChainFamily]BuilderFactory)}
}

// Register binds a factory to a family, replacing any previous one.
func (r *Registry) Register(family types.ChainFamily, f BuilderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[family] = f
}

// Has reports whether a factory is registered for family.
func (r *Registry) Has(family types.ChainFamily) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[family]
	return ok
}

// Resolve builds the transfer builder for network.
func (r *Registry) Resolve(network string) (TransferBuilder, error) {
	info, err := types.ResolveNetwork(network)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[info.Family]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no %s transfer builder registered for %s", ErrMissingDependency, info.Family, info.Name)
	}
	b, err := f(info)
	if err != nil {
		return nil, fmt.Errorf("build %s transfer builder: %w", info.Family, err)
	}
	return b, nil
}

type options struct {
	httpClient *http.Client
	poll       retry.Policy
	log        logger.Logger
}

// Option configures the facilitator-backed and broadcasting signers.
type Option func(*options)

// WithHTTPClient sets the client used for facilitator calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPollPolicy overrides the 1s x 60 status polling policy.
func WithPollPolicy(p retry.Policy) Option {
	return func(o *options) { o.poll = p }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		poll:       retry.Default(),
		log:        logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
