package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// DefaultDecimals is the precision of USDC on every supported chain.
const DefaultDecimals int32 = 6

// PaymentRequirement is one accepted payment method offered by a seller in a
// 402 challenge. It is untrusted input; see utils.ValidateRequirement.
type PaymentRequirement struct {
	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme string `json:"scheme" validate:"required"`

	// Network is the chain to pay on, friendly name or CAIP-2.
	Network string `json:"network" validate:"required,network"`

	// Maximum amount required in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required,atomic"`

	// URL of the resource to pay for.
	Resource string `json:"resource,omitempty"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType,omitempty"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo" validate:"required"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty" validate:"gte=0"`

	// Token contract (EVM) or mint (Solana) address.
	Asset string `json:"asset" validate:"required"`

	// Extra information specific to the scheme, e.g. a Solana fee payer.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// AtomicAmount returns MaxAmountRequired as an integer in the smallest unit.
func (pr PaymentRequirement) AtomicAmount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(pr.MaxAmountRequired, 10)
	if !ok || v.Sign() < 0 {
		return nil, &X402Error{
			Code:    ErrInvalidRequirements,
			Message: fmt.Sprintf("invalid maxAmountRequired %q", pr.MaxAmountRequired),
		}
	}
	return v, nil
}

// Amount converts MaxAmountRequired to currency units using the network's
// token precision (USDC: 6 decimals).
func (pr PaymentRequirement) Amount() (decimal.Decimal, error) {
	atomic, err := pr.AtomicAmount()
	if err != nil {
		return decimal.Zero, err
	}
	decimals := DefaultDecimals
	if info, err := ResolveNetwork(pr.Network); err == nil {
		decimals = info.Decimals
	}
	return decimal.NewFromBigInt(atomic, -decimals), nil
}

// PaymentRequired is the JSON body sellers return with a 402.
type PaymentRequired struct {
	X402Version         int                  `json:"x402Version,omitempty"`
	Error               string               `json:"error,omitempty"`
	PaymentRequirements []PaymentRequirement `json:"paymentRequirements,omitempty"`
	Accepts             []PaymentRequirement `json:"accepts,omitempty"`
}

// Requirements returns whichever requirement list the seller populated.
func (p PaymentRequired) Requirements() []PaymentRequirement {
	if len(p.PaymentRequirements) > 0 {
		return p.PaymentRequirements
	}
	return p.Accepts
}

// TxStatus is the outcome of a completed payment.
type TxStatus string

const (
	TxSettled TxStatus = "settled"
	TxFailed  TxStatus = "failed"
)

// Transaction records one completed payment.
type Transaction struct {
	ID             string          `json:"id"`
	Endpoint       string          `json:"endpoint"`
	VendorID       string          `json:"vendorId"`
	Amount         decimal.Decimal `json:"amount"`
	Chain          string          `json:"chain"`
	Network        string          `json:"network,omitempty"`
	TxHash         string          `json:"txHash,omitempty"`
	Status         TxStatus        `json:"status"`
	RequestedAt    time.Time       `json:"requestedAt"`
	SettledAt      time.Time       `json:"settledAt"`
	ResponseStatus int             `json:"responseStatus"`
}

// SpendSummary aggregates the ledger.
type SpendSummary struct {
	Today      decimal.Decimal            `json:"today"`
	Last7Days  decimal.Decimal            `json:"last7Days"`
	TodayCount int                        `json:"todayCount"`
	TotalCount int                        `json:"totalCount"`
	ByVendor   map[string]decimal.Decimal `json:"byVendor"`
}

// X402Error is a coded error for protocol-level input problems such as
// unknown networks or malformed requirements.
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e X402Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidPayload      = "INVALID_PAYLOAD"
	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrConfigError         = "CONFIG_ERROR"
)
