package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingFeeEvent is one periodic funding charge against an open position.
// Generation is idempotent: unique per (PositionID, DueDate). PaidDate is set
// only by a committed protocol instance that folds the fee into the contract.
type FundingFeeEvent struct {
	ID          int64
	PositionID  int64
	AmountSats  int64 // negative when the coordinator pays the trader
	DueDate     time.Time
	Price       decimal.Decimal
	FundingRate decimal.Decimal
	PaidDate    *time.Time
}

func (e *FundingFeeEvent) Paid() bool {
	return e.PaidDate != nil
}

// RoutingFeeEvent is an append-only record of a forwarding fee earned.
// Channel ids are kept when available and never mutated after insertion.
type RoutingFeeEvent struct {
	ID            int64
	FeeMsat       int64
	PrevChannelID string
	NextChannelID string
	CreatedAt     time.Time
}
