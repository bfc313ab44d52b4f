// Package mutator adapts an agent's payment behaviour from its own payment
// outcomes. It holds no I/O of its own; observers receive every change.
package mutator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultMinReputation  = 0.3
	DefaultMaxBoostPerTx  = 0.05
	DefaultPreference     = 0.5
	DefaultPrimaryChain   = "base"
	DefaultReputation     = 0.3
	OutcomeWindow         = 100
	ExportHistoryLimit    = 50
	historyLimit          = 1000
	boostRateThreshold    = 0.7
	boostFactor           = 0.3
	escrowMinOutcomes     = 10
	escrowRateThreshold   = 0.9
	chainMinOutcomes      = 5
	chainLatencyThreshold = 200 * time.Millisecond
	topUpMinOutcomes      = 20
	topUpRateThreshold    = 0.85
	topUpMultiplier       = 50
	decayRateThreshold    = 0.5
	decayStep             = 0.05
	preferenceFloor       = 0.3
	reputationScale       = 1000
)

// ErrInvalidState is returned by ImportState for unusable input.
var ErrInvalidState = errors.New("mutator: invalid state")

// Config tunes a Mutator. Zero values take the defaults.
type Config struct {
	AgentID string
	// MinReputation gates the rules. Nil takes DefaultMinReputation; an
	// explicit 0 leaves the gate always open.
	MinReputation *float64
	MaxBoostPerTx float64
	PrimaryChain  string
	// DisableGossip suppresses GossipMessage delivery.
	DisableGossip bool
	Observer      Observer
	Now           func() time.Time
}

// Mutator is safe for concurrent use.
type Mutator struct {
	mu       sync.Mutex
	cfg      Config
	minRep   float64
	state    State
	outcomes []outcome
	history  []MutationEvent
}

// New returns a Mutator in its initial state.
func New(cfg Config) *Mutator {
	minRep := DefaultMinReputation
	if cfg.MinReputation != nil {
		minRep = *cfg.MinReputation
	}
	if cfg.MaxBoostPerTx <= 0 {
		cfg.MaxBoostPerTx = DefaultMaxBoostPerTx
	}
	if cfg.PrimaryChain == "" {
		cfg.PrimaryChain = DefaultPrimaryChain
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Mutator{cfg: cfg, minRep: minRep}
	m.state = m.initialState()
	return m
}

func (m *Mutator) initialState() State {
	return State{
		FacilitatorPreference: DefaultPreference,
		ChainPreference:       []string{m.cfg.PrimaryChain},
		TopUpThreshold:        decimal.Zero,
		SuccessRate:           0,
		ReputationScore:       DefaultReputation,
	}
}

// OnSuccess records a settled payment and applies the success rules.
func (m *Mutator) OnSuccess(r Result) []MutationEvent {
	m.mu.Lock()
	m.record(outcome{Success: true, Chain: r.Chain, LatencyMS: r.Latency.Milliseconds(), Amount: r.Amount})
	if m.gated() {
		m.mu.Unlock()
		return nil
	}

	var events []MutationEvent
	rate := m.state.SuccessRate

	if rate > boostRateThreshold && m.state.FacilitatorPreference < 1 {
		old := m.state.FacilitatorPreference
		boost := math.Min(m.cfg.MaxBoostPerTx, (1-old)*boostFactor)
		m.state.FacilitatorPreference = math.Min(1, old+boost)
		events = append(events, m.mutate(EventPreferenceBoost, formatFloat(old), formatFloat(m.state.FacilitatorPreference)))
	}

	if len(m.outcomes) >= escrowMinOutcomes && rate > escrowRateThreshold && !m.state.UseEscrow {
		m.state.UseEscrow = true
		events = append(events, m.mutate(EventEscrowEnabled, "false", "true"))
	}

	if ev, ok := m.optimizeChain(r.Chain); ok {
		events = append(events, ev)
	}

	if len(m.outcomes) >= topUpMinOutcomes && rate > topUpRateThreshold && m.state.TopUpThreshold.IsZero() {
		if avg, ok := m.averageAmount(); ok {
			threshold := avg.Mul(decimal.NewFromInt(topUpMultiplier)).Round(2)
			if threshold.IsPositive() {
				m.state.TopUpThreshold = threshold
				events = append(events, m.mutate(EventTopUpThreshold, "0", threshold.String()))
			}
		}
	}

	m.publishLocked(events)
	return events
}

// OnFailure records a failed payment and applies the failure rule.
func (m *Mutator) OnFailure(r Result) []MutationEvent {
	m.mu.Lock()
	m.record(outcome{Success: false, Chain: r.Chain, LatencyMS: r.Latency.Milliseconds(), Amount: r.Amount})
	if m.gated() {
		m.mu.Unlock()
		return nil
	}

	var events []MutationEvent
	if m.state.SuccessRate < decayRateThreshold && m.state.FacilitatorPreference > preferenceFloor {
		old := m.state.FacilitatorPreference
		m.state.FacilitatorPreference = math.Max(preferenceFloor, old-decayStep)
		events = append(events, m.mutate(EventPreferenceDecay, formatFloat(old), formatFloat(m.state.FacilitatorPreference)))
	}

	m.publishLocked(events)
	return events
}

// UpdateReputation sets the reputation score. Values above 1 are treated as
// a 0..1000 scale.
func (m *Mutator) UpdateReputation(score float64) {
	if math.IsNaN(score) {
		return
	}
	if score > 1 {
		score /= reputationScale
	}
	score = math.Max(0, math.Min(1, score))

	m.mu.Lock()
	m.state.ReputationScore = score
	m.mu.Unlock()
}

// State returns a copy of the current state.
func (m *Mutator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// History returns a copy of the recorded events, oldest first.
func (m *Mutator) History() []MutationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MutationEvent(nil), m.history...)
}

// Reset returns the mutator to its initial state and clears history.
func (m *Mutator) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = m.initialState()
	m.outcomes = nil
	m.history = nil
}

// ExportState serializes state, the outcome window and the most recent
// history entries.
func (m *Mutator) ExportState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist := m.history
	if len(hist) > ExportHistoryLimit {
		hist = hist[len(hist)-ExportHistoryLimit:]
	}
	return json.Marshal(snapshot{
		Version:  snapshotVersion,
		State:    m.state.clone(),
		Outcomes: append([]outcome(nil), m.outcomes...),
		History:  append([]MutationEvent(nil), hist...),
	})
}

// ImportState replaces state from an ExportState blob. On error the
// current state is left untouched.
func (m *Mutator) ImportState(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	if len(snap.Outcomes) > OutcomeWindow {
		snap.Outcomes = snap.Outcomes[len(snap.Outcomes)-OutcomeWindow:]
	}
	if len(snap.State.ChainPreference) == 0 {
		snap.State.ChainPreference = []string{m.cfg.PrimaryChain}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = snap.State.clone()
	m.outcomes = snap.Outcomes
	m.history = snap.History
	return nil
}

func validateSnapshot(s snapshot) error {
	if s.Version != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidState, s.Version)
	}
	st := s.State
	if !inUnit(st.FacilitatorPreference) || !inUnit(st.SuccessRate) || !inUnit(st.ReputationScore) {
		return fmt.Errorf("%w: scores must be within [0,1]", ErrInvalidState)
	}
	if st.MutationCount < 0 {
		return fmt.Errorf("%w: negative mutation count", ErrInvalidState)
	}
	if st.TopUpThreshold.IsNegative() {
		return fmt.Errorf("%w: negative top-up threshold", ErrInvalidState)
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func (m *Mutator) gated() bool {
	return m.state.ReputationScore < m.minRep
}

// record appends to the outcome window and refreshes the success rate.
func (m *Mutator) record(o outcome) {
	m.outcomes = append(m.outcomes, o)
	if len(m.outcomes) > OutcomeWindow {
		m.outcomes = m.outcomes[len(m.outcomes)-OutcomeWindow:]
	}
	succeeded := 0
	for _, o := range m.outcomes {
		if o.Success {
			succeeded++
		}
	}
	m.state.SuccessRate = float64(succeeded) / float64(len(m.outcomes))
}

func (m *Mutator) optimizeChain(chain string) (MutationEvent, bool) {
	if chain == "" {
		return MutationEvent{}, false
	}
	var count int
	var total int64
	for _, o := range m.outcomes {
		if o.Chain == chain {
			count++
			total += o.LatencyMS
		}
	}
	if count < chainMinOutcomes {
		return MutationEvent{}, false
	}
	avg := time.Duration(total/int64(count)) * time.Millisecond
	if avg >= chainLatencyThreshold {
		return MutationEvent{}, false
	}

	prefs := m.state.ChainPreference
	if len(prefs) > 0 && prefs[0] == chain {
		return MutationEvent{}, false
	}
	reordered := make([]string, 0, len(prefs)+1)
	reordered = append(reordered, chain)
	for _, c := range prefs {
		if c != chain {
			reordered = append(reordered, c)
		}
	}
	old := strings.Join(prefs, ",")
	m.state.ChainPreference = reordered
	return m.mutate(EventChainOptimized, old, strings.Join(reordered, ",")), true
}

func (m *Mutator) averageAmount() (decimal.Decimal, bool) {
	sum := decimal.Zero
	n := 0
	for _, o := range m.outcomes {
		if o.Success && o.Amount.IsPositive() {
			sum = sum.Add(o.Amount)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}

func (m *Mutator) mutate(kind EventKind, oldValue, newValue string) MutationEvent {
	m.state.MutationCount++
	ev := MutationEvent{
		Kind:        kind,
		OldValue:    oldValue,
		NewValue:    newValue,
		SuccessRate: m.state.SuccessRate,
		Timestamp:   m.cfg.Now(),
		Depth:       m.state.MutationCount,
	}
	m.history = append(m.history, ev)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	return ev
}

// publishLocked releases the lock and then notifies observers, so an
// observer may call back into the mutator.
func (m *Mutator) publishLocked(events []MutationEvent) {
	state := m.state.clone()
	cfg := m.cfg
	m.mu.Unlock()

	for _, ev := range events {
		cfg.Observer.OnMutation(MutationMessage{AgentID: cfg.AgentID, Event: ev, State: state})
		if !cfg.DisableGossip {
			cfg.Observer.OnGossip(GossipMessage{
				AgentID:         cfg.AgentID,
				Event:           ev,
				SuccessRate:     state.SuccessRate,
				ReputationScore: state.ReputationScore,
			})
		}
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
