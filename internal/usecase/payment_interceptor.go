package usecase

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

type InterceptorConfig struct {
	// AliasTTL is how long an issued alias stays valid without a funding
	// HTLC arriving.
	AliasTTL time.Duration
	// OpenTimeout bounds the just-in-time open from interception to the
	// channel reaching Open.
	OpenTimeout time.Duration
	// CapacityMultiple sizes the new channel relative to the inbound
	// amount, giving the coordinator-side liquidity for the first trades.
	CapacityMultiple int64
}

func DefaultInterceptorConfig() InterceptorConfig {
	return InterceptorConfig{
		AliasTTL:         10 * time.Minute,
		OpenTimeout:      60 * time.Second,
		CapacityMultiple: 2,
	}
}

// fakeHeightBase keeps issued aliases far above any real short channel id
// block height so they can never collide with a confirmed channel.
const fakeHeightBase = 16_000_000

type pendingOpen struct {
	channelID string
	capacity  btcutil.Amount
	reserved  btcutil.Amount
	done      chan struct{}
	err       error
}

// PaymentInterceptor recognizes inbound HTLCs routed via a coordinator-issued
// alias and opens the backing channel just in time.
type PaymentInterceptor struct {
	intents  domain.IntentRepository
	channels domain.ChannelRepository
	tracker  *ProtocolTracker
	logger   *zap.Logger
	metrics  *engineMetrics
	cfg      InterceptorConfig

	// aliasMu serializes only the narrow act of reserving a unique alias.
	aliasMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*pendingOpen
}

func NewPaymentInterceptor(
	intents domain.IntentRepository,
	channels domain.ChannelRepository,
	tracker *ProtocolTracker,
	logger *zap.Logger,
	cfg InterceptorConfig,
) *PaymentInterceptor {
	return &PaymentInterceptor{
		intents:  intents,
		channels: channels,
		tracker:  tracker,
		logger:   logger,
		metrics:  defaultEngineMetrics(),
		cfg:      cfg,
		pending:  make(map[uint64]*pendingOpen),
	}
}

// RegisterIntent issues a fresh alias for a trader who wants to receive funds
// without an existing channel. The alias is the routing hint the trader embeds
// in their invoice.
func (p *PaymentInterceptor) RegisterIntent(ctx context.Context, traderPubKey string) (uint64, error) {
	p.aliasMu.Lock()
	defer p.aliasMu.Unlock()

	now := time.Now().UTC()
	for attempt := 0; attempt < 5; attempt++ {
		alias, err := randomAlias()
		if err != nil {
			return 0, err
		}
		intent := &domain.JitIntent{
			AliasID:      alias,
			TraderPubKey: traderPubKey,
			IssuedAt:     now,
			ExpiresAt:    now.Add(p.cfg.AliasTTL),
		}
		err = p.intents.CreateIntent(ctx, intent)
		if errors.Is(err, domain.ErrAliasTaken) {
			continue
		}
		if err != nil {
			return 0, err
		}
		p.logger.Info("Just-in-time intent registered",
			zap.Uint64("alias", alias), zap.String("trader", traderPubKey))
		return alias, nil
	}
	return 0, domain.ErrAliasTaken
}

// randomAlias draws a fake SCID: a synthetic (height, tx, output) triple in a
// range no confirmed channel can occupy.
func randomAlias() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("drawing alias: %w", err)
	}
	r := binary.BigEndian.Uint64(buf[:])
	height := fakeHeightBase + (r>>40)%500_000
	txIdx := (r >> 16) & 0xFFFFFF
	outIdx := r & 0xFFFF
	return height<<40 | txIdx<<16 | outIdx, nil
}

// OnHtlc decides the fate of one intercepted HTLC. It blocks (bounded by
// OpenTimeout) while a just-in-time open is in flight; on commit the HTLC is
// resumed towards the now-open channel, otherwise it is failed back upstream
// with no funds held.
func (p *PaymentInterceptor) OnHtlc(ctx context.Context, pkt domain.HtlcPacket) domain.HtlcResolution {
	p.metrics.htlcsIntercepted.Inc()
	alias := pkt.OutgoingChanID

	// Claim the alias under the lock before touching the store, so a
	// concurrent HTLC for the same alias queues behind this one instead of
	// racing it into a second open. Followers only survive if residual
	// capacity remains.
	p.mu.Lock()
	if open, inFlight := p.pending[alias]; inFlight {
		if open.reserved+pkt.Amount > open.capacity {
			p.mu.Unlock()
			return p.failHtlc(alias, "no residual capacity")
		}
		open.reserved += pkt.Amount
		p.mu.Unlock()
		return p.awaitOpen(ctx, alias, open, pkt.Amount)
	}
	open := &pendingOpen{
		capacity: pkt.Amount * btcutil.Amount(p.cfg.CapacityMultiple),
		reserved: pkt.Amount,
		done:     make(chan struct{}),
	}
	p.pending[alias] = open
	p.mu.Unlock()

	intent, err := p.intents.GetIntentByAlias(ctx, alias)
	if err != nil {
		p.finishPending(alias, open, err)
		return p.failHtlc(alias, "no matching intent")
	}
	if intent.Expired(time.Now().UTC()) {
		// Release the alias for reuse; the scheduler sweep would get it
		// eventually but this HTLC already told us it is dead.
		if err := p.intents.ConsumeIntent(ctx, alias); err != nil {
			p.logger.Error("Releasing expired intent", zap.Uint64("alias", alias), zap.Error(err))
		}
		p.finishPending(alias, open, domain.ErrIntentExpired)
		return p.failHtlc(alias, "intent expired")
	}

	// An existing open channel with the trader absorbs the payment without
	// a new open. Queued followers resume into it as well.
	if existing, err := p.channels.GetChannelByCounterparty(ctx, intent.TraderPubKey, domain.ChannelStateOpen); err == nil {
		if err := p.intents.ConsumeIntent(ctx, alias); err != nil {
			p.logger.Error("Consuming intent", zap.Uint64("alias", alias), zap.Error(err))
		}
		p.logger.Info("Routing alias HTLC into existing channel",
			zap.Uint64("alias", alias), zap.String("channel_id", existing.UserChannelID))
		p.finishPending(alias, open, nil)
		return domain.ResolutionResume
	}

	return p.openJustInTime(ctx, intent, pkt, open)
}

func (p *PaymentInterceptor) openJustInTime(ctx context.Context, intent *domain.JitIntent, pkt domain.HtlcPacket, open *pendingOpen) domain.HtlcResolution {
	alias := intent.AliasID

	// The consume is the commit point for the alias. Losing it means another
	// consumer (or the expiry sweep) got there first.
	if err := p.intents.ConsumeIntent(ctx, alias); err != nil {
		p.logger.Warn("Lost the intent before opening", zap.Uint64("alias", alias), zap.Error(err))
		p.finishPending(alias, open, err)
		return p.failHtlc(alias, "intent no longer available")
	}

	now := time.Now().UTC()
	ch := &domain.Channel{
		UserChannelID:      uuid.New().String(),
		CounterpartyPubKey: intent.TraderPubKey,
		Capacity:           open.capacity,
		AliasID:            alias,
		State:              domain.ChannelStatePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := p.channels.SaveChannel(ctx, ch); err != nil {
		p.logger.Error("Creating pending channel", zap.Error(err))
		p.finishPending(alias, open, err)
		return p.failHtlc(alias, "persistence failure")
	}
	open.channelID = ch.UserChannelID

	go func() {
		openCtx, cancel := context.WithTimeout(context.Background(), p.cfg.OpenTimeout)
		defer cancel()
		_, err := p.tracker.Execute(openCtx, ch.UserChannelID, domain.ProtocolOpenChannel,
			domain.TransitionParams{FundAmount: pkt.Amount})
		p.finishPending(alias, open, err)
	}()

	return p.awaitOpen(ctx, alias, open, pkt.Amount)
}

// finishPending resolves the in-flight entry for the alias: waiters wake with
// the outcome and the alias becomes claimable again.
func (p *PaymentInterceptor) finishPending(alias uint64, open *pendingOpen, err error) {
	open.err = err
	close(open.done)
	p.mu.Lock()
	delete(p.pending, alias)
	p.mu.Unlock()
}

func (p *PaymentInterceptor) awaitOpen(ctx context.Context, alias uint64, open *pendingOpen, amount btcutil.Amount) domain.HtlcResolution {
	select {
	case <-open.done:
	case <-ctx.Done():
		p.releaseReservation(open, amount)
		return p.failHtlc(alias, "interceptor context done")
	case <-time.After(p.cfg.OpenTimeout):
		p.releaseReservation(open, amount)
		return p.failHtlc(alias, "open timed out")
	}
	if open.err != nil {
		return p.failHtlc(alias, open.err.Error())
	}
	return domain.ResolutionResume
}

// releaseReservation returns an abandoned HTLC's amount to the residual
// capacity so later HTLCs on the same open can still fit.
func (p *PaymentInterceptor) releaseReservation(open *pendingOpen, amount btcutil.Amount) {
	p.mu.Lock()
	open.reserved -= amount
	p.mu.Unlock()
}

func (p *PaymentInterceptor) failHtlc(alias uint64, reason string) domain.HtlcResolution {
	p.metrics.htlcsFailed.Inc()
	p.logger.Info("Failing HTLC back upstream",
		zap.Uint64("alias", alias), zap.String("reason", reason))
	return domain.ResolutionFail
}
