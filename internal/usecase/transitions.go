package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
)

// buildTransition translates the requested protocol type into the contract
// proposal sent to the counterparty and the commit bundle applied once their
// signature is verified. Any rejection here happens before state mutation.
func (t *ProtocolTracker) buildTransition(ctx context.Context, ch *domain.Channel, inst *domain.ProtocolInstance, params domain.TransitionParams) (*domain.ContractProposal, *domain.ProtocolCommit, error) {
	switch inst.Type {
	case domain.ProtocolOpenChannel:
		return t.buildOpenChannel(ch, inst, params)
	case domain.ProtocolOpenPosition:
		return t.buildOpenPosition(ctx, ch, inst, params, false)
	case domain.ProtocolResizePosition:
		return t.buildOpenPosition(ctx, ch, inst, params, true)
	case domain.ProtocolRollover:
		return t.buildRollover(ctx, ch, inst, params)
	case domain.ProtocolSettle:
		return t.buildSettle(ctx, ch, inst, params, domain.ChannelStateOpen)
	case domain.ProtocolClose:
		return t.buildSettle(ctx, ch, inst, params, domain.ChannelStateClosed)
	default:
		return nil, nil, fmt.Errorf("protocol type %q has no transition builder: %w", inst.Type, domain.ErrIllegalTransition)
	}
}

func (t *ProtocolTracker) buildOpenChannel(ch *domain.Channel, inst *domain.ProtocolInstance, params domain.TransitionParams) (*domain.ContractProposal, *domain.ProtocolCommit, error) {
	if params.FundAmount <= 0 {
		return nil, nil, fmt.Errorf("open-channel without fund amount: %w", domain.ErrInsufficientFunds)
	}
	reserve := channelReserve(params.FundAmount)
	if params.FundAmount <= reserve {
		return nil, nil, fmt.Errorf("fund amount %v below reserve %v: %w",
			params.FundAmount, reserve, domain.ErrInsufficientFunds)
	}

	now := time.Now().UTC()
	next := *ch
	next.Balance = params.FundAmount - reserve
	// The alias routing hint is consumed; it becomes reusable once the
	// channel is open.
	next.AliasID = 0
	next.State = domain.ChannelStateOpen
	next.ContractExpiry = now.Add(t.cfg.ContractLength)
	next.UpdatedAt = now

	proposal := &domain.ContractProposal{
		ProtocolID:        inst.ProtocolID,
		ChannelID:         ch.UserChannelID,
		Type:              inst.Type,
		TraderAmount:      next.Balance,
		CoordinatorAmount: next.Capacity - next.Balance,
		ContractExpiry:    next.ContractExpiry,
	}
	return proposal, &domain.ProtocolCommit{Channel: &next}, nil
}

func (t *ProtocolTracker) buildOpenPosition(ctx context.Context, ch *domain.Channel, inst *domain.ProtocolInstance, params domain.TransitionParams, resize bool) (*domain.ContractProposal, *domain.ProtocolCommit, error) {
	trade := params.Trade
	if trade == nil {
		return nil, nil, fmt.Errorf("%s without a matched trade: %w", inst.Type, domain.ErrIllegalTransition)
	}

	existing, err := t.positions.GetOpenPosition(ctx, ch.UserChannelID)
	if err != nil && !errors.Is(err, domain.ErrPositionNotFound) {
		return nil, nil, err
	}
	if resize && existing == nil {
		return nil, nil, domain.ErrPositionNotFound
	}

	now := time.Now().UTC()
	pos := newPositionFromTrade(ch.UserChannelID, trade, now)
	if resize {
		pos = resizePosition(existing, trade, now)
	} else if existing != nil {
		// Renew: the replacement contract absorbs the previous position's
		// entry; quantity and direction come from the new trade.
		pos.RealizedPnLSats = existing.RealizedPnLSats
		pos.CreatedAt = existing.CreatedAt
	}

	margin, err := requiredMargin(pos)
	if err != nil {
		return nil, nil, err
	}
	pos.TraderMargin = margin

	next := *ch
	next.UpdatedAt = now
	next.ContractExpiry = now.Add(t.cfg.ContractLength)

	commit := &domain.ProtocolCommit{Channel: &next, Position: pos}
	if err := t.foldFundingFees(ctx, existing, &next, commit, now); err != nil {
		return nil, nil, err
	}

	if margin > next.Balance {
		return nil, nil, fmt.Errorf("margin %v exceeds balance %v: %w",
			margin, next.Balance, domain.ErrInsufficientFunds)
	}

	proposal := &domain.ContractProposal{
		ProtocolID:        inst.ProtocolID,
		ChannelID:         ch.UserChannelID,
		Type:              inst.Type,
		TraderAmount:      next.Balance,
		CoordinatorAmount: next.Capacity - next.Balance,
		ContractExpiry:    next.ContractExpiry,
		Position:          pos,
	}
	return proposal, commit, nil
}

func (t *ProtocolTracker) buildRollover(ctx context.Context, ch *domain.Channel, inst *domain.ProtocolInstance, params domain.TransitionParams) (*domain.ContractProposal, *domain.ProtocolCommit, error) {
	pos, err := t.positions.GetOpenPosition(ctx, ch.UserChannelID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	newExpiry := params.NewExpiry
	if newExpiry.IsZero() {
		newExpiry = now.Add(t.cfg.ContractLength)
	}

	// Rollover extends expiry only; the position is untouched.
	next := *ch
	next.ContractExpiry = newExpiry
	next.UpdatedAt = now

	commit := &domain.ProtocolCommit{Channel: &next}
	if err := t.foldFundingFees(ctx, pos, &next, commit, now); err != nil {
		return nil, nil, err
	}

	proposal := &domain.ContractProposal{
		ProtocolID:        inst.ProtocolID,
		ChannelID:         ch.UserChannelID,
		Type:              inst.Type,
		TraderAmount:      next.Balance,
		CoordinatorAmount: next.Capacity - next.Balance,
		ContractExpiry:    newExpiry,
		Position:          pos,
	}
	return proposal, commit, nil
}

func (t *ProtocolTracker) buildSettle(ctx context.Context, ch *domain.Channel, inst *domain.ProtocolInstance, params domain.TransitionParams, endState domain.ChannelState) (*domain.ContractProposal, *domain.ProtocolCommit, error) {
	pos, err := t.positions.GetOpenPosition(ctx, ch.UserChannelID)
	if err != nil && !errors.Is(err, domain.ErrPositionNotFound) {
		return nil, nil, err
	}

	now := time.Now().UTC()
	next := *ch
	next.State = endState
	next.UpdatedAt = now

	commit := &domain.ProtocolCommit{Channel: &next}

	if pos != nil {
		if params.SettlementPrice.IsZero() {
			return nil, nil, fmt.Errorf("%s with open position requires a settlement price: %w",
				inst.Type, domain.ErrIllegalTransition)
		}
		traderOut, _, err := t.payout(pos, ch.Capacity, params.SettlementPrice)
		if err != nil {
			return nil, nil, err
		}
		// Margin was carried inside the trader balance; replace it with the
		// contract payout.
		settled := *pos
		settled.RealizedPnLSats += int64(traderOut - pos.TraderMargin)
		settled.AverageEntryPrice = params.SettlementPrice // exit price for the archive
		next.Balance = ch.Balance - pos.TraderMargin + traderOut
		if next.Balance < 0 {
			next.Balance = 0
		}
		if next.Balance > next.Capacity {
			next.Balance = next.Capacity
		}

		commit.Position = &settled
		commit.ClearPos = true

		if err := t.foldFundingFees(ctx, pos, &next, commit, now); err != nil {
			return nil, nil, err
		}
	} else if inst.Type == domain.ProtocolSettle {
		return nil, nil, domain.ErrPositionNotFound
	}

	proposal := &domain.ContractProposal{
		ProtocolID:        inst.ProtocolID,
		ChannelID:         ch.UserChannelID,
		Type:              inst.Type,
		TraderAmount:      next.Balance,
		CoordinatorAmount: next.Capacity - next.Balance,
		ContractExpiry:    ch.ContractExpiry,
	}
	return proposal, commit, nil
}

// foldFundingFees debits unpaid funding fee events from the trader balance as
// part of the next committed contract update. PaidDate is set in the same
// atomic write as the commit itself.
func (t *ProtocolTracker) foldFundingFees(ctx context.Context, pos *domain.Position, next *domain.Channel, commit *domain.ProtocolCommit, now time.Time) error {
	if pos == nil || pos.ID == 0 {
		return nil
	}
	fees, err := t.fees.ListUnpaidFundingFees(ctx, pos.ID)
	if err != nil {
		return err
	}
	var total int64
	for _, ev := range fees {
		total += ev.AmountSats
		commit.PaidFeeIDs = append(commit.PaidFeeIDs, ev.ID)
	}
	if total == 0 {
		commit.PaidFeeDate = now
		return nil
	}
	debit := btcutil.Amount(total)
	if debit > next.Balance {
		return fmt.Errorf("funding fees %v exceed balance %v: %w",
			debit, next.Balance, domain.ErrInsufficientFunds)
	}
	next.Balance -= debit
	commit.PaidFeeDate = now
	return nil
}

func newPositionFromTrade(channelID string, trade *domain.TradeMatch, now time.Time) *domain.Position {
	return &domain.Position{
		ChannelID:                   channelID,
		Direction:                   trade.Direction,
		Quantity:                    trade.Quantity,
		TraderLeverage:              trade.Leverage,
		CoordinatorLeverage:         decimal.NewFromInt(1),
		AverageEntryPrice:           trade.ExecutionPrice,
		TraderLiquidationPrice:      liquidationPrice(trade.ExecutionPrice, trade.Leverage, trade.Direction),
		CoordinatorLiquidationPrice: liquidationPrice(trade.ExecutionPrice, decimal.NewFromInt(1), trade.Direction.Opposite()),
		State:                       domain.PositionStateOpen,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
}

// resizePosition changes size in place without closing: growing re-averages
// the entry price, shrinking realizes pnl on the reduced quantity. Margin is
// re-derived from the delta rather than from zero.
func resizePosition(existing *domain.Position, trade *domain.TradeMatch, now time.Time) *domain.Position {
	next := *existing
	next.UpdatedAt = now

	if trade.Direction == existing.Direction {
		oldQty := existing.Quantity
		addQty := trade.Quantity
		total := oldQty.Add(addQty)
		next.AverageEntryPrice = existing.AverageEntryPrice.Mul(oldQty).
			Add(trade.ExecutionPrice.Mul(addQty)).Div(total)
		next.Quantity = total
	} else {
		reduced := decimal.Min(existing.Quantity, trade.Quantity)
		next.Quantity = existing.Quantity.Sub(reduced)
		next.RealizedPnLSats += inversePnlSats(existing.Direction, reduced,
			existing.AverageEntryPrice, trade.ExecutionPrice)
		if next.Quantity.IsZero() {
			next.State = domain.PositionStateClosing
		}
	}
	next.TraderLiquidationPrice = liquidationPrice(next.AverageEntryPrice, next.TraderLeverage, next.Direction)
	return &next
}
