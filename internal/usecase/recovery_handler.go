package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

type RecoveryConfig struct {
	// GracePeriod is the operator-configured delay between a protocol
	// getting stuck and a unilateral broadcast.
	GracePeriod time.Duration
	// AttemptBudget caps automatic recovery attempts; exhaustion is
	// terminal and surfaced for manual operator intervention.
	AttemptBudget int
	// ConfirmationTimeout bounds the wait for the force-close broadcast to
	// confirm.
	ConfirmationTimeout time.Duration
	// RevertTolerance is the fraction of channel capacity a peer-proposed
	// revert amount may deviate from our own payout computation.
	RevertTolerance float64
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		GracePeriod:         time.Hour,
		AttemptBudget:       3,
		ConfirmationTimeout: 30 * time.Minute,
		RevertTolerance:     0.01,
	}
}

type forceCloseCandidate struct {
	channelID string
	deadline  time.Time
	timer     *time.Timer
	attempts  int
}

// RecoveryHandler drives collaborative revert or unilateral force-close when
// a protocol instance cannot complete.
type RecoveryHandler struct {
	tracker   *ProtocolTracker
	channels  domain.ChannelRepository
	positions domain.PositionRepository
	node      domain.LightningNode
	transport domain.DlcTransport
	revert    domain.RevertTransport
	market    domain.MarketData
	payout    domain.PayoutFunc
	logger    *zap.Logger
	metrics   *engineMetrics
	cfg       RecoveryConfig

	mu         sync.Mutex
	candidates map[string]*forceCloseCandidate
}

func NewRecoveryHandler(
	tracker *ProtocolTracker,
	channels domain.ChannelRepository,
	positions domain.PositionRepository,
	node domain.LightningNode,
	transport domain.DlcTransport,
	revert domain.RevertTransport,
	market domain.MarketData,
	payout domain.PayoutFunc,
	logger *zap.Logger,
	cfg RecoveryConfig,
) *RecoveryHandler {
	if cfg.RevertTolerance <= 0 {
		cfg.RevertTolerance = 0.01
	}
	h := &RecoveryHandler{
		tracker:    tracker,
		channels:   channels,
		positions:  positions,
		node:       node,
		transport:  transport,
		revert:     revert,
		market:     market,
		payout:     payout,
		logger:     logger,
		metrics:    defaultEngineMetrics(),
		cfg:        cfg,
		candidates: make(map[string]*forceCloseCandidate),
	}
	tracker.SetStuckHandler(h.OnStuckProtocol)
	return h
}

// OnStuckProtocol is invoked by the tracker while it still holds the channel
// lock, so the actual recovery runs detached.
func (h *RecoveryHandler) OnStuckProtocol(inst *domain.ProtocolInstance) {
	h.logger.Warn("Protocol stuck, starting recovery",
		zap.String("protocol_id", inst.ProtocolID.String()),
		zap.String("channel_id", inst.ChannelID),
		zap.String("type", string(inst.Type)))
	go h.recover(inst.ChannelID)
}

// HasCandidate reports whether the channel is scheduled for force-close.
func (h *RecoveryHandler) HasCandidate(channelID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.candidates[channelID]
	return ok
}

func (h *RecoveryHandler) recover(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if h.tryCollaborativeRevert(ctx, channelID) {
		return
	}
	h.scheduleForceClose(channelID)
}

// revertValuation computes the trader amount a cooperative close at the
// current mark price should pay out, folding any open position's payout into
// the channel balance.
func (h *RecoveryHandler) revertValuation(ctx context.Context, ch *domain.Channel) (btcutil.Amount, decimal.Decimal, error) {
	traderAmount := ch.Balance
	price := decimal.Zero
	pos, err := h.positions.GetOpenPosition(ctx, ch.UserChannelID)
	if errors.Is(err, domain.ErrPositionNotFound) {
		return traderAmount, price, nil
	}
	if err != nil {
		return 0, price, err
	}

	price, err = h.market.MarkPrice(ctx)
	if err != nil {
		return 0, price, fmt.Errorf("mark price for revert: %w", err)
	}
	traderOut, _, err := h.payout(pos, ch.Capacity, price)
	if err != nil {
		return 0, price, fmt.Errorf("payout for revert: %w", err)
	}
	traderAmount = ch.Balance - pos.TraderMargin + traderOut
	if traderAmount < 0 {
		traderAmount = 0
	}
	return traderAmount, price, nil
}

// tryCollaborativeRevert makes one attempt at a cooperative off-protocol
// settlement over the alternate path: the channel closes at the current
// price without the full contract-execution path.
func (h *RecoveryHandler) tryCollaborativeRevert(ctx context.Context, channelID string) bool {
	ch, err := h.channels.GetChannel(ctx, channelID)
	if err != nil {
		h.logger.Error("Loading channel for revert", zap.String("channel_id", channelID), zap.Error(err))
		return false
	}

	traderAmount, price, err := h.revertValuation(ctx, ch)
	if err != nil {
		h.logger.Warn("No valuation for revert", zap.String("channel_id", channelID), zap.Error(err))
		return false
	}

	accepted, err := h.revert.ProposeRevert(ctx, channelID, traderAmount, ch.Capacity-traderAmount, price)
	if err != nil || !accepted {
		h.logger.Info("Collaborative revert not accepted",
			zap.String("channel_id", channelID), zap.Error(err))
		return false
	}

	if _, err := h.tracker.CommitRevert(ctx, channelID, traderAmount); err != nil {
		h.logger.Error("Committing revert", zap.String("channel_id", channelID), zap.Error(err))
		return false
	}
	h.logger.Info("Channel closed via collaborative revert", zap.String("channel_id", channelID))
	return true
}

// AcceptRevert handles a peer-initiated cooperative close. The proposed
// trader amount is accepted only when it fits the channel capacity and lands
// within tolerance of our own valuation at the current mark price.
func (h *RecoveryHandler) AcceptRevert(ctx context.Context, channelID string, traderAmount btcutil.Amount) (*domain.ProtocolInstance, error) {
	ch, err := h.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if traderAmount > ch.Capacity {
		return nil, domain.ErrRevertAmountMismatch
	}

	expected, price, err := h.revertValuation(ctx, ch)
	if err != nil {
		return nil, err
	}
	tolerance := btcutil.Amount(float64(ch.Capacity) * h.cfg.RevertTolerance)
	diff := traderAmount - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		h.logger.Warn("Rejecting revert proposal outside tolerance",
			zap.String("channel_id", channelID),
			zap.Int64("proposed", int64(traderAmount)),
			zap.Int64("expected", int64(expected)),
			zap.String("mark_price", price.String()))
		return nil, domain.ErrRevertAmountMismatch
	}

	inst, err := h.tracker.CommitRevert(ctx, channelID, traderAmount)
	if err != nil {
		return nil, err
	}
	h.cancelCandidate(channelID)
	return inst, nil
}

// cancelCandidate drops a scheduled force-close, for a channel that found a
// cooperative exit before the grace period ran out.
func (h *RecoveryHandler) cancelCandidate(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cand, ok := h.candidates[channelID]; ok {
		cand.timer.Stop()
		delete(h.candidates, channelID)
	}
}

// scheduleForceClose records the channel as a force-close candidate. The
// broadcast happens only after the grace period elapses, never immediately.
func (h *RecoveryHandler) scheduleForceClose(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.candidates[channelID]; exists {
		return
	}
	cand := &forceCloseCandidate{
		channelID: channelID,
		deadline:  time.Now().UTC().Add(h.cfg.GracePeriod),
	}
	cand.timer = time.AfterFunc(h.cfg.GracePeriod, func() {
		h.executeForceClose(channelID)
	})
	h.candidates[channelID] = cand
	h.logger.Warn("Force-close candidate scheduled",
		zap.String("channel_id", channelID),
		zap.Time("deadline", cand.deadline))
}

func (h *RecoveryHandler) executeForceClose(channelID string) {
	h.mu.Lock()
	cand, ok := h.candidates[channelID]
	if !ok {
		h.mu.Unlock()
		return
	}
	cand.attempts++
	attempts := cand.attempts
	h.mu.Unlock()

	if attempts > h.cfg.AttemptBudget {
		h.logger.Error("Recovery attempt budget exhausted, manual operator intervention required",
			zap.String("channel_id", channelID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConfirmationTimeout)
	defer cancel()

	if err := h.broadcastForceClose(ctx, channelID, true); err != nil {
		h.logger.Error("Force-close attempt failed",
			zap.String("channel_id", channelID),
			zap.Int("attempt", attempts),
			zap.Error(err))
		h.mu.Lock()
		cand.timer = time.AfterFunc(h.cfg.GracePeriod, func() { h.executeForceClose(channelID) })
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	delete(h.candidates, channelID)
	h.mu.Unlock()
}

func (h *RecoveryHandler) broadcastForceClose(ctx context.Context, channelID string, local bool) error {
	txHex, err := h.transport.LatestExecutionTx(ctx, channelID)
	if err != nil {
		return err
	}
	txid, err := h.node.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return err
	}
	h.metrics.forceCloses.Inc()
	h.logger.Warn("Force-close broadcast",
		zap.String("channel_id", channelID), zap.String("txid", txid))

	if err := h.node.WaitForConfirmation(ctx, txid, 1); err != nil {
		return err
	}
	// Once confirmed the position is settled at the last committed price.
	_, err = h.tracker.ForceClose(ctx, channelID, local)
	return err
}

// OnChainAnomaly handles an unexpected broadcast (the counterparty published
// a contract execution transaction). Routed here, never auto-retried.
func (h *RecoveryHandler) OnChainAnomaly(ctx context.Context, channelID, txid string) error {
	h.logger.Warn("Unexpected on-chain broadcast",
		zap.String("channel_id", channelID), zap.String("txid", txid))

	if err := h.node.WaitForConfirmation(ctx, txid, 1); err != nil {
		return err
	}
	_, err := h.tracker.ForceClose(ctx, channelID, false)
	return err
}
