package types

import (
	"errors"
	"fmt"
)

// PaymentErrorCode identifies why a paid request could not proceed.
type PaymentErrorCode string

const (
	// CodeNoRequirements: a 402 carried no usable payment requirement.
	CodeNoRequirements PaymentErrorCode = "NO_REQUIREMENTS"
	// CodeNoSigner: a 402 was received but the agent has no signer bound.
	CodeNoSigner PaymentErrorCode = "NO_SIGNER"
	// CodePriceExceeded: the resolved price is above the caller's ceiling.
	CodePriceExceeded PaymentErrorCode = "PRICE_EXCEEDED"
)

// Sentinels matched by PaymentError.Is so callers can use errors.Is.
var (
	ErrNoRequirements = errors.New("x402: no payment requirements in 402 response")
	ErrNoSigner       = errors.New("x402: payment required but no signer configured")
	ErrPriceExceeded  = errors.New("x402: price exceeds per-call ceiling")
)

// PaymentError is terminal for the current call and never retried by the
// agent.
type PaymentError struct {
	Code    PaymentErrorCode
	Message string
	Details map[string]interface{}
	Err     error
}

func NewPaymentError(code PaymentErrorCode, message string, err error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Err: err}
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("x402 payment error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("x402 payment error [%s]: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error { return e.Err }

func (e *PaymentError) Is(target error) bool {
	switch target {
	case ErrNoRequirements:
		return e.Code == CodeNoRequirements
	case ErrNoSigner:
		return e.Code == CodeNoSigner
	case ErrPriceExceeded:
		return e.Code == CodePriceExceeded
	}
	return false
}

// WithDetails adds context to the error.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// PolicyViolationError reports which policy rejected a payment and why.
type PolicyViolationError struct {
	Kind     PolicyKind
	Reason   string
	VendorID string
	Endpoint string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("x402 policy violation [%s]: %s", e.Kind, e.Reason)
}
