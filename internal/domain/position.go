package domain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the coordinator-side direction of a trader position.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type PositionState string

const (
	PositionStateOpen    PositionState = "OPEN"
	PositionStateClosing PositionState = "CLOSING"
)

// Position is the derived state of a channel's active contract. Exactly one
// open position may exist per channel; it is mutated only as a side effect of
// a committed open-position, resize-position or settle protocol instance.
type Position struct {
	ID                          int64
	ChannelID                   string // UserChannelID
	Direction                   Side   // trader side
	Quantity                    decimal.Decimal
	TraderLeverage              decimal.Decimal
	CoordinatorLeverage         decimal.Decimal
	AverageEntryPrice           decimal.Decimal
	TraderLiquidationPrice      decimal.Decimal
	CoordinatorLiquidationPrice decimal.Decimal
	TraderMargin                btcutil.Amount
	RealizedPnLSats             int64
	State                       PositionState
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// ClosedPosition is the historical record of a settled position.
type ClosedPosition struct {
	ID              int64
	ChannelID       string
	Direction       Side
	Quantity        decimal.Decimal
	AverageEntry    decimal.Decimal
	ExitPrice       decimal.Decimal
	RealizedPnLSats int64
	ClosedAt        time.Time
}

// TradeMatch is one matched trade delivered by the external order-matching
// feed. Delivery is idempotent on OrderID.
type TradeMatch struct {
	OrderID        string
	ChannelID      string
	Direction      Side
	Quantity       decimal.Decimal
	Leverage       decimal.Decimal
	ExecutionPrice decimal.Decimal
}
