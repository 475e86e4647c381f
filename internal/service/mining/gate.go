package mining

import (
	"waveminer/internal/domain"
	"waveminer/internal/service/spatial"
)

// GateInput is everything the start gate needs to judge a StartMining
// intent. Positions are live values at call time.
type GateInput struct {
	ActorPos domain.Vec3
	Source   domain.ResourceSource
	Profile  []domain.FrequencyCount
}

type GateDecision struct {
	Allowed    bool
	DenyReason string
}

// StartGate vets a StartMining intent before any command is issued. It never
// mutates state; the controller owns the transition.
type StartGate struct {
	query     *spatial.Query
	inventory *domain.Inventory
}

func NewStartGate(query *spatial.Query, inventory *domain.Inventory) *StartGate {
	return &StartGate{query: query, inventory: inventory}
}

func (g *StartGate) Evaluate(in GateInput) GateDecision {
	if in.Source.SourceID == 0 {
		return GateDecision{Allowed: false, DenyReason: "source_missing"}
	}
	if in.Source.Depleted() {
		return GateDecision{Allowed: false, DenyReason: "source_depleted"}
	}
	if !g.query.InRange(in.ActorPos, in.Source.Position) {
		return GateDecision{Allowed: false, DenyReason: "source_out_of_range"}
	}
	if len(in.Profile) == 0 {
		return GateDecision{Allowed: false, DenyReason: "profile_empty"}
	}
	if !in.Source.OffersAnyOf(in.Profile) {
		return GateDecision{Allowed: false, DenyReason: "no_frequency_overlap"}
	}
	if !g.inventory.HasSpareCapacity(in.Profile) {
		return GateDecision{Allowed: false, DenyReason: "inventory_full"}
	}
	return GateDecision{Allowed: true}
}
