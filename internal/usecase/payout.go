package usecase

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
)

var satsPerBtc = decimal.NewFromInt(100_000_000)

// channelReserve is the portion of an inbound amount withheld to keep the
// channel operable (commitment fees, dust headroom).
func channelReserve(amount btcutil.Amount) btcutil.Amount {
	reserve := amount / 100
	if reserve < 354 {
		reserve = 354
	}
	return reserve
}

// requiredMargin derives the trader margin for an inverse contract:
// quantity is USD notional, margin_btc = quantity / (entry * leverage).
func requiredMargin(pos *domain.Position) (btcutil.Amount, error) {
	if pos.AverageEntryPrice.IsZero() || pos.TraderLeverage.IsZero() {
		return 0, fmt.Errorf("entry price and leverage must be positive: %w", domain.ErrInsufficientFunds)
	}
	marginBtc := pos.Quantity.Div(pos.AverageEntryPrice.Mul(pos.TraderLeverage))
	return btcutil.Amount(marginBtc.Mul(satsPerBtc).IntPart()), nil
}

// liquidationPrice for an inverse contract:
// long:  entry * lev / (lev + 1); short: entry * lev / (lev - 1).
// Leverage of one on the short side has no liquidation price; zero means none.
func liquidationPrice(entry, leverage decimal.Decimal, direction domain.Side) decimal.Decimal {
	one := decimal.NewFromInt(1)
	var divisor decimal.Decimal
	if direction == domain.SideLong {
		divisor = leverage.Add(one)
	} else {
		divisor = leverage.Sub(one)
	}
	if !divisor.IsPositive() {
		return decimal.Zero
	}
	return entry.Mul(leverage).Div(divisor)
}

// inversePnlSats is the realized pnl of closing qty USD notional at exit:
// long profits when price rises. pnl_btc = qty * (1/entry - 1/exit) for longs.
func inversePnlSats(direction domain.Side, qty, entry, exit decimal.Decimal) int64 {
	if entry.IsZero() || exit.IsZero() {
		return 0
	}
	one := decimal.NewFromInt(1)
	pnlBtc := qty.Mul(one.Div(entry).Sub(one.Div(exit)))
	if direction == domain.SideShort {
		pnlBtc = pnlBtc.Neg()
	}
	return pnlBtc.Mul(satsPerBtc).IntPart()
}

// InversePayout is the default payout function: settles the contract at the
// given price, clamping each side's payout into [0, capacity]. The production
// payout curve is injected by the caller; this covers linear settlement.
func InversePayout(pos *domain.Position, capacity btcutil.Amount, price decimal.Decimal) (btcutil.Amount, btcutil.Amount, error) {
	if pos == nil {
		return 0, 0, fmt.Errorf("payout requires a position")
	}
	if !price.IsPositive() {
		return 0, 0, fmt.Errorf("settlement price must be positive, got %s", price)
	}

	pnl := inversePnlSats(pos.Direction, pos.Quantity, pos.AverageEntryPrice, price)
	trader := pos.TraderMargin + btcutil.Amount(pnl)
	if trader < 0 {
		trader = 0
	}
	if trader > capacity {
		trader = capacity
	}
	return trader, capacity - trader, nil
}
