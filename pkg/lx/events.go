package lx

import "time"

// Event types published after a call commits
const (
	EventPairAdded          = "pair.added"
	EventConfigUpdated      = "pair.config_updated"
	EventLiquidityAdded     = "liquidity.added"
	EventLiquidityRemoved   = "liquidity.removed"
	EventOrderCreated       = "order.created"
	EventOrderCancelled     = "order.cancelled"
	EventOrderExecuted      = "order.executed"
	EventOrderNeedADL       = "order.need_adl"
	EventPositionUpdated    = "position.updated"
	EventPositionLiquidated = "position.liquidated"
	EventADLExecuted        = "adl.executed"
	EventFundingUpdated     = "funding.updated"
	EventCollateralAdjusted = "collateral.adjusted"
	EventFeeClaimed         = "fee.claimed"
)

// Event describes one committed state change
type Event struct {
	ID        string      `json:"id,omitempty"`
	Type      string      `json:"type"`
	PairIndex uint32      `json:"pairIndex"`
	Time      time.Time   `json:"time"`
	Data      interface{} `json:"data"`
}

// EventPublisher receives committed events. Publishing is best effort: a
// failing publisher never rolls back state.
type EventPublisher interface {
	Publish(ev *Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(*Event) error { return nil }
