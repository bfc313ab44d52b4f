package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ProofKind identifies which signer produced a payment proof.
type ProofKind string

const (
	ProofCustodial   ProofKind = "custodial"
	ProofSelfCustody ProofKind = "self_custody"
	ProofDirect      ProofKind = "direct"
)

func (k ProofKind) valid() bool {
	switch k {
	case ProofCustodial, ProofSelfCustody, ProofDirect:
		return true
	}
	return false
}

// ProofPayload is the settled transfer a proof attests to.
type ProofPayload struct {
	Kind      ProofKind `json:"kind"`
	TxHash    string    `json:"txHash"`
	From      string    `json:"from"`
	Network   string    `json:"network"`
	PaymentID string    `json:"paymentId,omitempty"`
}

// Proof is sent to the seller in the X-PAYMENT header of the paid retry.
type Proof struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ProofPayload `json:"payload"`
}

// NewProof builds a v1 exact-scheme proof for a settled transfer.
func NewProof(kind ProofKind, network, txHash, from, paymentID string) Proof {
	return Proof{
		X402Version: int(X402Version1),
		Scheme:      string(SchemeExact),
		Network:     network,
		Payload: ProofPayload{
			Kind:      kind,
			TxHash:    txHash,
			From:      from,
			Network:   network,
			PaymentID: paymentID,
		},
	}
}

// EncodeProof serializes a proof to base64 JSON.
func EncodeProof(p Proof) (string, error) {
	if !p.Payload.Kind.valid() {
		return "", &X402Error{Code: ErrInvalidPayload, Message: fmt.Sprintf("unknown proof kind %q", p.Payload.Kind)}
	}
	if p.Payload.TxHash == "" {
		return "", &X402Error{Code: ErrInvalidPayload, Message: "proof requires a transaction hash"}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProof parses a base64 JSON proof header value.
func DecodeProof(header string) (Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return Proof{}, &X402Error{Code: ErrInvalidPayload, Message: fmt.Sprintf("proof is not base64: %v", err)}
	}
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return Proof{}, &X402Error{Code: ErrInvalidPayload, Message: fmt.Sprintf("proof is not valid JSON: %v", err)}
	}
	if !p.Payload.Kind.valid() {
		return Proof{}, &X402Error{Code: ErrInvalidPayload, Message: fmt.Sprintf("unknown proof kind %q", p.Payload.Kind)}
	}
	return p, nil
}
