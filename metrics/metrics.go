package metrics

import "time"

// Event names recorded by the agent.
const (
	EventChallenge       = "challenge"
	EventPolicyRejected  = "policy_rejected"
	EventPriceExceeded   = "price_exceeded"
	EventPaymentSettled  = "payment_settled"
	EventPaymentFailed   = "payment_failed"
	EventSignFailed      = "sign_failed"
	EventMutation        = "mutation"
	OperationSign        = "sign"
	OperationPaidRequest = "paid_request"
)

// Label keys understood by the Prometheus recorder. Missing keys are
// recorded as empty strings.
const (
	LabelChain  = "chain"
	LabelVendor = "vendor"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	// AddSpend accumulates settled spend in currency units.
	AddSpend(amount float64, labels map[string]string)
}
