package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

type SchedulerConfig struct {
	// Interval between scheduler ticks.
	Interval time.Duration
	// FundingPeriod aligns funding fee due dates (one event per position
	// per period).
	FundingPeriod time.Duration
	// RolloverWindow: a rollover is requested once a contract's expiry is
	// within this window.
	RolloverWindow time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:       time.Hour,
		FundingPeriod:  8 * time.Hour,
		RolloverWindow: 24 * time.Hour,
	}
}

// FundingScheduler is the periodic job computing funding fee events, raising
// rollovers near expiry and sweeping expired just-in-time aliases. Its
// requests compete for the per-channel serialization like any other event.
type FundingScheduler struct {
	positions domain.PositionRepository
	fees      domain.FeeRepository
	channels  domain.ChannelRepository
	intents   domain.IntentRepository
	tracker   *ProtocolTracker
	market    domain.MarketData
	forwards  domain.ForwardSource // nil disables the routing fee sweep
	logger    *zap.Logger
	metrics   *engineMetrics
	cfg       SchedulerConfig

	lastForwardSweep time.Time
}

func NewFundingScheduler(
	positions domain.PositionRepository,
	fees domain.FeeRepository,
	channels domain.ChannelRepository,
	intents domain.IntentRepository,
	tracker *ProtocolTracker,
	market domain.MarketData,
	forwards domain.ForwardSource,
	logger *zap.Logger,
	cfg SchedulerConfig,
) *FundingScheduler {
	return &FundingScheduler{
		positions:        positions,
		fees:             fees,
		channels:         channels,
		intents:          intents,
		tracker:          tracker,
		market:           market,
		forwards:         forwards,
		logger:           logger,
		metrics:          defaultEngineMetrics(),
		cfg:              cfg,
		lastForwardSweep: time.Now().UTC(),
	}
}

// Run blocks until ctx is canceled. Tick failures are logged and retried on
// the next tick.
func (s *FundingScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("Scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one scheduler pass.
func (s *FundingScheduler) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	if err := s.generateFundingFees(ctx, now); err != nil {
		return err
	}
	if err := s.requestRollovers(ctx, now); err != nil {
		return err
	}

	released, err := s.intents.ReleaseExpiredIntents(ctx, now)
	if err != nil {
		return err
	}
	if released > 0 {
		s.logger.Info("Released expired just-in-time aliases", zap.Int("count", released))
	}

	return s.sweepRoutingFees(ctx, now)
}

// sweepRoutingFees records forwarding fees earned since the previous sweep.
func (s *FundingScheduler) sweepRoutingFees(ctx context.Context, now time.Time) error {
	if s.forwards == nil {
		return nil
	}
	events, err := s.forwards.ForwardingEvents(ctx, s.lastForwardSweep)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := s.fees.InsertRoutingFeeEvent(ctx, ev); err != nil {
			return err
		}
	}
	s.lastForwardSweep = now
	if len(events) > 0 {
		s.logger.Info("Recorded routing fee events", zap.Int("count", len(events)))
	}
	return nil
}

func (s *FundingScheduler) generateFundingFees(ctx context.Context, now time.Time) error {
	positions, err := s.positions.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	price, err := s.market.MarkPrice(ctx)
	if err != nil {
		return err
	}
	rate, err := s.market.FundingRate(ctx)
	if err != nil {
		return err
	}
	dueDate := now.Truncate(s.cfg.FundingPeriod)

	for _, pos := range positions {
		ev := &domain.FundingFeeEvent{
			PositionID:  pos.ID,
			AmountSats:  fundingFeeSats(pos, price, rate),
			DueDate:     dueDate,
			Price:       price,
			FundingRate: rate,
		}
		inserted, err := s.fees.InsertFundingFeeEvent(ctx, ev)
		if err != nil {
			return err
		}
		if inserted {
			s.metrics.fundingFeesCreated.Inc()
			s.logger.Info("Funding fee event created",
				zap.Int64("position_id", pos.ID),
				zap.Time("due_date", dueDate),
				zap.Int64("amount_sats", ev.AmountSats))
		}
	}
	return nil
}

// fundingFeeSats: fee on the BTC notional at the mark price. Longs pay a
// positive rate, shorts receive it.
func fundingFeeSats(pos *domain.Position, price, rate decimal.Decimal) int64 {
	if price.IsZero() {
		return 0
	}
	fee := pos.Quantity.Div(price).Mul(rate).Mul(satsPerBtc)
	if pos.Direction == domain.SideShort {
		fee = fee.Neg()
	}
	return fee.IntPart()
}

func (s *FundingScheduler) requestRollovers(ctx context.Context, now time.Time) error {
	channels, err := s.channels.ListChannels(ctx, domain.ChannelStateOpen)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if ch.ContractExpiry.IsZero() || ch.ContractExpiry.After(now.Add(s.cfg.RolloverWindow)) {
			continue
		}
		if _, err := s.positions.GetOpenPosition(ctx, ch.UserChannelID); err != nil {
			continue // nothing to roll without a position
		}
		_, err := s.tracker.Request(ctx, ch.UserChannelID, domain.ProtocolRollover, domain.TransitionParams{
			NewExpiry: now.Add(s.tracker.cfg.ContractLength),
		})
		if errors.Is(err, domain.ErrProtocolInFlight) {
			continue // another instance owns the channel, retry next tick
		}
		if err != nil {
			s.logger.Error("Requesting rollover",
				zap.String("channel_id", ch.UserChannelID), zap.Error(err))
			continue
		}
		s.logger.Info("Rollover requested",
			zap.String("channel_id", ch.UserChannelID),
			zap.Time("expiry", ch.ContractExpiry))
	}
	return nil
}
