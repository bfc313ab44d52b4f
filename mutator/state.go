package mutator

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names the rule that produced a MutationEvent.
type EventKind string

const (
	EventPreferenceBoost EventKind = "preference_boost"
	EventPreferenceDecay EventKind = "preference_decay"
	EventEscrowEnabled   EventKind = "escrow_enabled"
	EventChainOptimized  EventKind = "chain_optimized"
	EventTopUpThreshold  EventKind = "topup_threshold"
)

// MutationEvent records one state change. Values are rendered as strings so
// events stay comparable and serialize the same way for every kind.
type MutationEvent struct {
	Kind        EventKind `json:"kind"`
	OldValue    string    `json:"oldValue"`
	NewValue    string    `json:"newValue"`
	SuccessRate float64   `json:"successRate"`
	Timestamp   time.Time `json:"timestamp"`
	Depth       int       `json:"depth"`
}

// State is the tunable behaviour of an agent.
type State struct {
	// FacilitatorPreference weights the facilitator against alternatives, 0..1.
	FacilitatorPreference float64         `json:"facilitatorPreference"`
	UseEscrow             bool            `json:"useEscrow"`
	ChainPreference       []string        `json:"chainPreference"`
	TopUpThreshold        decimal.Decimal `json:"topUpThreshold"`
	MutationCount         int             `json:"mutationCount"`
	SuccessRate           float64         `json:"successRate"`
	ReputationScore       float64         `json:"reputationScore"`
}

func (s State) clone() State {
	s.ChainPreference = append([]string(nil), s.ChainPreference...)
	return s
}

// Result describes one completed payment fed back into the mutator.
type Result struct {
	Chain   string
	Latency time.Duration
	Amount  decimal.Decimal
}

type outcome struct {
	Success   bool            `json:"success"`
	Chain     string          `json:"chain"`
	LatencyMS int64           `json:"latencyMs"`
	Amount    decimal.Decimal `json:"amount"`
}

// snapshot is the export format.
type snapshot struct {
	Version  int             `json:"version"`
	State    State           `json:"state"`
	Outcomes []outcome       `json:"outcomes"`
	History  []MutationEvent `json:"history"`
}

const snapshotVersion = 1
