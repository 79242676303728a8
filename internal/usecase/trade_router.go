package usecase

import (
	"context"
	"errors"

	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

// TradeRouter consumes matched trades from the order book and turns each into
// the right channel transition: a fresh position on an idle channel, a resize
// when one is already open. The paired hodl invoice resolves with the outcome.
type TradeRouter struct {
	feed      domain.TradeFeed
	positions domain.PositionRepository
	orders    domain.OrderLog
	tracker   *ProtocolTracker
	gate      *SettlementGate
	logger    *zap.Logger
}

func NewTradeRouter(
	feed domain.TradeFeed,
	positions domain.PositionRepository,
	orders domain.OrderLog,
	tracker *ProtocolTracker,
	gate *SettlementGate,
	logger *zap.Logger,
) *TradeRouter {
	return &TradeRouter{
		feed:      feed,
		positions: positions,
		orders:    orders,
		tracker:   tracker,
		gate:      gate,
		logger:    logger,
	}
}

// Run blocks consuming the trade feed until ctx is canceled.
func (r *TradeRouter) Run(ctx context.Context) {
	for {
		select {
		case trade, ok := <-r.feed.Matches():
			if !ok {
				return
			}
			r.HandleTrade(ctx, trade)
		case <-ctx.Done():
			return
		}
	}
}

// HandleTrade processes one matched trade. The order id is claimed in durable
// storage before execution, so a redelivery is dropped even when the feed
// replays it to a freshly restarted process.
func (r *TradeRouter) HandleTrade(ctx context.Context, trade domain.TradeMatch) {
	fresh, err := r.orders.RecordOrder(ctx, trade.OrderID)
	if err != nil {
		r.logger.Error("Claiming order id", zap.String("order_id", trade.OrderID), zap.Error(err))
		return
	}
	if !fresh {
		r.logger.Info("Dropping duplicate trade", zap.String("order_id", trade.OrderID))
		return
	}

	protoType := domain.ProtocolOpenPosition
	if _, err := r.positions.GetOpenPosition(ctx, trade.ChannelID); err == nil {
		protoType = domain.ProtocolResizePosition
	} else if !errors.Is(err, domain.ErrPositionNotFound) {
		r.logger.Error("Loading position for trade",
			zap.String("order_id", trade.OrderID), zap.Error(err))
		r.resolveInvoice(ctx, trade.OrderID, false)
		return
	}

	t := trade
	if _, err := r.tracker.Execute(ctx, trade.ChannelID, protoType, domain.TransitionParams{Trade: &t}); err != nil {
		r.logger.Error("Trade transition failed",
			zap.String("order_id", trade.OrderID),
			zap.String("channel_id", trade.ChannelID),
			zap.String("type", string(protoType)),
			zap.Error(err))
		r.resolveInvoice(ctx, trade.OrderID, false)
		return
	}

	r.logger.Info("Trade committed",
		zap.String("order_id", trade.OrderID),
		zap.String("channel_id", trade.ChannelID),
		zap.String("type", string(protoType)))
	r.resolveInvoice(ctx, trade.OrderID, true)
}

// resolveInvoice releases or fails the hodl invoice paired with the order.
// Not every trade carries one (post-funded channels pay nothing up front).
func (r *TradeRouter) resolveInvoice(ctx context.Context, orderID string, ok bool) {
	err := r.gate.Resolve(ctx, orderID, ok)
	if err == nil || errors.Is(err, domain.ErrInvoiceNotFound) {
		return
	}
	r.logger.Error("Resolving trade invoice",
		zap.String("order_id", orderID), zap.Bool("settle", ok), zap.Error(err))
}
