package signer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vitwit/x402-agent/types"
)

// CustodialConfig configures a signer whose keys are held by the
// facilitator.
type CustodialConfig struct {
	FacilitatorURL string `validate:"required,url"`
	APIKey         string
	// AgentWallet identifies the agent's account at the facilitator.
	AgentWallet string `validate:"required"`
}

// Custodial asks the facilitator to sign and broadcast on the agent's
// behalf.
type Custodial struct {
	facilitator *Facilitator
	wallet      string
	opts        options
}

func NewCustodial(cfg CustodialConfig, opts ...Option) (*Custodial, error) {
	if cfg.AgentWallet == "" {
		return nil, errors.New("custodial signer: agent wallet is required")
	}
	fac, err := NewFacilitator(cfg.FacilitatorURL, cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("custodial signer: %w", err)
	}
	return &Custodial{facilitator: fac, wallet: cfg.AgentWallet, opts: buildOptions(opts)}, nil
}

func (c *Custodial) Sign(ctx context.Context, reqs []types.PaymentRequirement, preferredChain string) (string, error) {
	req, err := Select(reqs, preferredChain)
	if err != nil {
		return "", err
	}
	details, network, err := paymentDetails(req)
	if err != nil {
		return "", err
	}

	resp, err := c.facilitator.Pay(ctx, PayRequest{PaymentRequired: details, AgentWallet: c.wallet})
	if err != nil {
		return "", err
	}
	c.opts.log.Info("custodial payment submitted", map[string]any{
		"payment_id": resp.PaymentID,
		"status":     resp.Status,
		"chain":      details.Chain,
		"amount":     details.Amount,
	})

	hash, err := c.facilitator.Await(ctx, resp)
	if err != nil {
		return "", err
	}
	return types.EncodeProof(types.NewProof(types.ProofCustodial, network, hash, c.wallet, resp.PaymentID))
}

// paymentDetails converts a requirement into the facilitator's
// human-readable form and returns the CAIP-2 network.
func paymentDetails(req types.PaymentRequirement) (PaymentDetails, string, error) {
	info, err := types.ResolveNetwork(req.Network)
	if err != nil {
		return PaymentDetails{}, "", err
	}
	amount, err := req.Amount()
	if err != nil {
		return PaymentDetails{}, "", err
	}
	return PaymentDetails{
		Amount:    amount.StringFixed(info.Decimals),
		Currency:  "USDC",
		Recipient: req.PayTo,
		Chain:     string(info.Name),
	}, info.CAIP2, nil
}
