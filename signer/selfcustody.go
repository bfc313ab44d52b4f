package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vitwit/x402-agent/types"
)

// SelfCustody signs transfers locally and hands only the signed bytes to
// the facilitator for broadcast.
type SelfCustody struct {
	facilitator *Facilitator
	registry    *Registry
	opts        options

	mu sync.Mutex
	// builders is keyed by CAIP-2 id; each builder is bound to one network.
	builders map[string]TransferBuilder
}

// NewSelfCustody resolves the builder for primaryNetwork immediately so a
// missing chain dependency surfaces at startup.
func NewSelfCustody(fac *Facilitator, registry *Registry, primaryNetwork string, opts ...Option) (*SelfCustody, error) {
	if fac == nil {
		return nil, errors.New("self-custody signer: facilitator is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: self-custody signer has no builder registry", ErrMissingDependency)
	}
	info, err := types.ResolveNetwork(primaryNetwork)
	if err != nil {
		return nil, err
	}
	b, err := registry.Resolve(info.CAIP2)
	if err != nil {
		return nil, err
	}
	return &SelfCustody{
		facilitator: fac,
		registry:    registry,
		builders:    map[string]TransferBuilder{info.CAIP2: b},
		opts:        buildOptions(opts),
	}, nil
}

// builderFor returns the builder bound to network, resolving and caching it
// on first use.
func (s *SelfCustody) builderFor(network string) (TransferBuilder, error) {
	info, err := types.ResolveNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingDependency, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.builders[info.CAIP2]; ok {
		return b, nil
	}
	b, err := s.registry.Resolve(info.CAIP2)
	if err != nil {
		return nil, err
	}
	s.builders[info.CAIP2] = b
	return b, nil
}

func (s *SelfCustody) Sign(ctx context.Context, reqs []types.PaymentRequirement, preferredChain string) (string, error) {
	req, err := Select(reqs, preferredChain)
	if err != nil {
		return "", err
	}
	details, network, err := paymentDetails(req)
	if err != nil {
		return "", err
	}
	b, err := s.builderFor(req.Network)
	if err != nil {
		return "", err
	}

	signed, err := b.Build(ctx, req)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	resp, err := s.facilitator.Pay(ctx, PayRequest{
		PaymentRequired: details,
		AgentWallet:     signed.From,
		SignedTx:        signed.Raw,
	})
	if err != nil {
		return "", err
	}
	s.opts.log.Info("signed transfer submitted for broadcast", map[string]any{
		"payment_id": resp.PaymentID,
		"status":     resp.Status,
		"chain":      details.Chain,
		"from":       signed.From,
	})

	hash, err := s.facilitator.Await(ctx, resp)
	if err != nil {
		return "", err
	}
	return types.EncodeProof(types.NewProof(types.ProofSelfCustody, network, hash, signed.From, resp.PaymentID))
}
