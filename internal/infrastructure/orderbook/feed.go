package orderbook

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

// Feed is a websocket subscriber to the order-matching service. It implements
// domain.TradeFeed, reconnecting with backoff when the stream drops. Dropped
// connections are safe because delivery is idempotent on order id.
type Feed struct {
	url     string
	logger  *zap.Logger
	matches chan domain.TradeMatch
}

func NewFeed(url string, logger *zap.Logger) *Feed {
	return &Feed{
		url:     url,
		logger:  logger,
		matches: make(chan domain.TradeMatch, 64),
	}
}

func (f *Feed) Matches() <-chan domain.TradeMatch {
	return f.matches
}

// Run maintains the connection until ctx is canceled.
func (f *Feed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := f.connectAndRead(ctx); err != nil {
			f.logger.Error("Trade feed disconnected", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			close(f.matches)
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

type wireTrade struct {
	OrderID        string          `json:"order_id"`
	ChannelID      string          `json:"channel_id"`
	Direction      string          `json:"direction"`
	Quantity       decimal.Decimal `json:"quantity"`
	Leverage       decimal.Decimal `json:"leverage"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.logger.Info("Trade feed connected", zap.String("url", f.url))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var raw wireTrade
		if err := conn.ReadJSON(&raw); err != nil {
			return err
		}

		trade := domain.TradeMatch{
			OrderID:        raw.OrderID,
			ChannelID:      raw.ChannelID,
			Direction:      domain.Side(raw.Direction),
			Quantity:       raw.Quantity,
			Leverage:       raw.Leverage,
			ExecutionPrice: raw.ExecutionPrice,
		}
		select {
		case f.matches <- trade:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
