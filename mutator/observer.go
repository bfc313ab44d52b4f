package mutator

// MutationMessage is delivered to observers for every fired rule.
type MutationMessage struct {
	AgentID string        `json:"agentId"`
	Event   MutationEvent `json:"event"`
	State   State         `json:"state"`
}

// GossipMessage is the peer-network form of a mutation.
type GossipMessage struct {
	AgentID         string        `json:"agentId"`
	Event           MutationEvent `json:"event"`
	SuccessRate     float64       `json:"successRate"`
	ReputationScore float64       `json:"reputationScore"`
}

// Observer consumes mutator output. Implementations must not block for
// long; they run on the caller's goroutine.
type Observer interface {
	OnMutation(MutationMessage)
	OnGossip(GossipMessage)
}

// NoopObserver discards everything.
type NoopObserver struct{}

func (NoopObserver) OnMutation(MutationMessage) {}
func (NoopObserver) OnGossip(GossipMessage)     {}

// Observers fans messages out to each observer in order.
type Observers []Observer

func (o Observers) OnMutation(m MutationMessage) {
	for _, obs := range o {
		obs.OnMutation(m)
	}
}

func (o Observers) OnGossip(m GossipMessage) {
	for _, obs := range o {
		obs.OnGossip(m)
	}
}

// ObserverFuncs adapts plain functions; nil fields are skipped.
type ObserverFuncs struct {
	Mutation func(MutationMessage)
	Gossip   func(GossipMessage)
}

func (f ObserverFuncs) OnMutation(m MutationMessage) {
	if f.Mutation != nil {
		f.Mutation(m)
	}
}

func (f ObserverFuncs) OnGossip(m GossipMessage) {
	if f.Gossip != nil {
		f.Gossip(m)
	}
}
