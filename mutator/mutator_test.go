package mutator

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func success(chain string) Result {
	return Result{Chain: chain, Latency: 100 * time.Millisecond, Amount: decimal.RequireFromString("0.005")}
}

func newTestMutator(obs Observer) *Mutator {
	return New(Config{AgentID: "agent-1", Observer: obs, Now: func() time.Time { return fixedNow }})
}

type recorder struct {
	mu        sync.Mutex
	mutations []MutationMessage
	gossip    []GossipMessage
}

func (r *recorder) OnMutation(m MutationMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations = append(r.mutations, m)
}

func (r *recorder) OnGossip(m GossipMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gossip = append(r.gossip, m)
}

func TestInitialState(t *testing.T) {
	s := newTestMutator(nil).State()
	assert.Equal(t, 0.5, s.FacilitatorPreference)
	assert.False(t, s.UseEscrow)
	assert.Equal(t, []string{"base"}, s.ChainPreference)
	assert.True(t, s.TopUpThreshold.IsZero())
	assert.Zero(t, s.MutationCount)
	assert.Equal(t, 0.3, s.ReputationScore)
}

func TestConfiguredReputationGate(t *testing.T) {
	open := 0.0
	m := New(Config{MinReputation: &open, Now: func() time.Time { return fixedNow }})
	m.UpdateReputation(0.1)
	events := m.OnSuccess(success("base"))
	require.NotEmpty(t, events)
	assert.Equal(t, EventPreferenceBoost, events[0].Kind)

	strict := 0.5
	m = New(Config{MinReputation: &strict, Now: func() time.Time { return fixedNow }})
	assert.Empty(t, m.OnSuccess(success("base")))
	m.UpdateReputation(0.6)
	assert.NotEmpty(t, m.OnSuccess(success("base")))
}

func TestLowReputationGatesRules(t *testing.T) {
	rec := &recorder{}
	m := newTestMutator(rec)
	m.UpdateReputation(0.1)

	for i := 0; i < 12; i++ {
		assert.Empty(t, m.OnSuccess(success("base")))
	}
	s := m.State()
	assert.Equal(t, 0.5, s.FacilitatorPreference)
	assert.False(t, s.UseEscrow)
	assert.Zero(t, s.MutationCount)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.Empty(t, rec.mutations)
	assert.Empty(t, m.History())
}

func TestSuccessesBoostPreferenceAndEnableEscrow(t *testing.T) {
	rec := &recorder{}
	m := newTestMutator(rec)
	m.UpdateReputation(0.8)

	first := m.OnSuccess(success("base"))
	require.Len(t, first, 1)
	assert.Equal(t, EventPreferenceBoost, first[0].Kind)
	assert.Equal(t, "0.5000", first[0].OldValue)
	assert.Equal(t, "0.5500", first[0].NewValue)
	assert.Equal(t, 1, first[0].Depth)
	assert.Equal(t, fixedNow, first[0].Timestamp)

	for i := 0; i < 11; i++ {
		m.OnSuccess(success("base"))
	}
	s := m.State()
	assert.True(t, s.UseEscrow)
	assert.Greater(t, s.FacilitatorPreference, 0.5)
	assert.LessOrEqual(t, s.FacilitatorPreference, 1.0)
	assert.Equal(t, []string{"base"}, s.ChainPreference)

	var escrow int
	for _, ev := range m.History() {
		if ev.Kind == EventEscrowEnabled {
			escrow++
		}
		assert.NotEqual(t, EventChainOptimized, ev.Kind)
	}
	assert.Equal(t, 1, escrow)
	assert.Equal(t, s.MutationCount, len(m.History()))
	assert.Len(t, rec.mutations, s.MutationCount)
	assert.Len(t, rec.gossip, s.MutationCount)
	assert.Equal(t, "agent-1", rec.gossip[0].AgentID)
}

func TestEscrowNeedsTenOutcomes(t *testing.T) {
	m := newTestMutator(nil)
	for i := 0; i < 9; i++ {
		m.OnSuccess(success("base"))
	}
	assert.False(t, m.State().UseEscrow)
	m.OnSuccess(success("base"))
	assert.True(t, m.State().UseEscrow)
}

func TestFastChainMovesToFront(t *testing.T) {
	m := newTestMutator(nil)
	var chainEvents []MutationEvent
	for i := 0; i < 6; i++ {
		for _, ev := range m.OnSuccess(success("polygon")) {
			if ev.Kind == EventChainOptimized {
				chainEvents = append(chainEvents, ev)
			}
		}
	}
	require.Len(t, chainEvents, 1)
	assert.Equal(t, "base", chainEvents[0].OldValue)
	assert.Equal(t, "polygon,base", chainEvents[0].NewValue)
	assert.Equal(t, []string{"polygon", "base"}, m.State().ChainPreference)
}

func TestSlowChainStaysPut(t *testing.T) {
	m := newTestMutator(nil)
	for i := 0; i < 10; i++ {
		m.OnSuccess(Result{Chain: "polygon", Latency: 900 * time.Millisecond, Amount: decimal.RequireFromString("1")})
	}
	assert.Equal(t, []string{"base"}, m.State().ChainPreference)
}

func TestTopUpThresholdSetOnce(t *testing.T) {
	m := newTestMutator(nil)
	for i := 0; i < 19; i++ {
		m.OnSuccess(success("base"))
	}
	assert.True(t, m.State().TopUpThreshold.IsZero())

	events := m.OnSuccess(success("base"))
	var found bool
	for _, ev := range events {
		if ev.Kind == EventTopUpThreshold {
			found = true
			assert.Equal(t, "0.25", ev.NewValue)
		}
	}
	require.True(t, found)
	assert.True(t, decimal.RequireFromString("0.25").Equal(m.State().TopUpThreshold))

	for i := 0; i < 5; i++ {
		for _, ev := range m.OnSuccess(Result{Chain: "base", Amount: decimal.RequireFromString("10")}) {
			assert.NotEqual(t, EventTopUpThreshold, ev.Kind)
		}
	}
}

func TestFailuresDecayPreferenceToFloor(t *testing.T) {
	m := newTestMutator(nil)

	events := m.OnFailure(Result{Chain: "base"})
	require.Len(t, events, 1)
	assert.Equal(t, EventPreferenceDecay, events[0].Kind)
	assert.InDelta(t, 0.45, m.State().FacilitatorPreference, 1e-9)

	for i := 0; i < 10; i++ {
		m.OnFailure(Result{Chain: "base"})
	}
	assert.Equal(t, 0.3, m.State().FacilitatorPreference)
	assert.Empty(t, m.OnFailure(Result{Chain: "base"}))
	assert.Zero(t, m.State().SuccessRate)
}

func TestOutcomeWindowIsBounded(t *testing.T) {
	m := newTestMutator(nil)
	for i := 0; i < OutcomeWindow; i++ {
		m.OnFailure(Result{})
	}
	for i := 0; i < OutcomeWindow/2; i++ {
		m.OnSuccess(Result{})
	}
	assert.InDelta(t, 0.5, m.State().SuccessRate, 1e-9)
}

func TestUpdateReputationNormalizes(t *testing.T) {
	m := newTestMutator(nil)
	m.UpdateReputation(850)
	assert.InDelta(t, 0.85, m.State().ReputationScore, 1e-9)
	m.UpdateReputation(5000)
	assert.Equal(t, 1.0, m.State().ReputationScore)
	m.UpdateReputation(-2)
	assert.Equal(t, 0.0, m.State().ReputationScore)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestMutator(nil)
	for i := 0; i < 12; i++ {
		src.OnSuccess(success("base"))
	}
	blob, err := src.ExportState()
	require.NoError(t, err)

	dst := newTestMutator(nil)
	require.NoError(t, dst.ImportState(blob))

	want, got := src.State(), dst.State()
	assert.Equal(t, want.FacilitatorPreference, got.FacilitatorPreference)
	assert.Equal(t, want.MutationCount, got.MutationCount)
	assert.Equal(t, want.UseEscrow, got.UseEscrow)
	assert.Equal(t, want.SuccessRate, got.SuccessRate)
	assert.Equal(t, len(src.History()), len(dst.History()))

	// the imported outcome window keeps feeding the rules
	dst.OnFailure(Result{Chain: "base"})
	assert.InDelta(t, 12.0/13.0, dst.State().SuccessRate, 1e-9)
}

func TestExportCapsHistory(t *testing.T) {
	m := newTestMutator(nil)
	for i := 0; i < 80; i++ {
		m.OnSuccess(success("base"))
	}
	require.Greater(t, len(m.History()), ExportHistoryLimit)

	blob, err := m.ExportState()
	require.NoError(t, err)
	dst := newTestMutator(nil)
	require.NoError(t, dst.ImportState(blob))
	hist := dst.History()
	require.Len(t, hist, ExportHistoryLimit)
	assert.Equal(t, m.State().MutationCount, hist[len(hist)-1].Depth)
}

func TestImportRejectsMalformedInput(t *testing.T) {
	m := newTestMutator(nil)
	for i := 0; i < 3; i++ {
		m.OnSuccess(success("base"))
	}
	before := m.State()

	for _, blob := range []string{
		`not json`,
		`{"version":99,"state":{}}`,
		`{"version":1,"state":{"facilitatorPreference":4}}`,
		`{"version":1,"state":{"facilitatorPreference":0.5,"mutationCount":-1}}`,
	} {
		err := m.ImportState([]byte(blob))
		require.ErrorIs(t, err, ErrInvalidState, blob)
	}
	assert.Equal(t, before, m.State())
}

func TestReset(t *testing.T) {
	m := newTestMutator(nil)
	for i := 0; i < 12; i++ {
		m.OnSuccess(success("polygon"))
	}
	m.Reset()
	assert.Equal(t, newTestMutator(nil).State(), m.State())
	assert.Empty(t, m.History())
}

func TestDisableGossip(t *testing.T) {
	rec := &recorder{}
	m := New(Config{Observer: rec, DisableGossip: true})
	m.OnSuccess(success("base"))
	assert.Len(t, rec.mutations, 1)
	assert.Empty(t, rec.gossip)
}

func TestObserversFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var fn int
	obs := Observers{a, b, ObserverFuncs{Mutation: func(MutationMessage) { fn++ }}}
	m := New(Config{Observer: obs})
	m.OnSuccess(success("base"))
	assert.Len(t, a.mutations, 1)
	assert.Len(t, b.gossip, 1)
	assert.Equal(t, 1, fn)
}
