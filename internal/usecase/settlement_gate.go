package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

type GateConfig struct {
	// HoldTimeout bounds how long an HTLC may sit in Accepted. Past the
	// window the invoice fails closed and the HTLC is canceled upstream.
	HoldTimeout time.Duration
	// SettleAttempts and SettleBackoff bound the preimage release towards
	// the node once the settled state is durable.
	SettleAttempts int
	SettleBackoff  time.Duration
}

// SettlementGate holds accepted HTLCs un-settled until their paired condition
// commits. This is what makes pay-and-trade atomic: the Lightning payment and
// the contract transition commit together or not at all.
type SettlementGate struct {
	invoices domain.InvoiceRepository
	node     domain.LightningNode
	logger   *zap.Logger
	metrics  *engineMetrics
	cfg      GateConfig

	mu        sync.Mutex
	preimages map[lntypes.Hash]lntypes.Preimage // held until settlement, never persisted before
	byCond    map[string]lntypes.Hash
	timers    map[lntypes.Hash]*time.Timer
	subs      map[lntypes.Hash][]chan domain.InvoiceUpdate
}

func NewSettlementGate(invoices domain.InvoiceRepository, node domain.LightningNode, logger *zap.Logger, cfg GateConfig) *SettlementGate {
	if cfg.SettleAttempts <= 0 {
		cfg.SettleAttempts = 3
	}
	if cfg.SettleBackoff <= 0 {
		cfg.SettleBackoff = time.Second
	}
	return &SettlementGate{
		invoices:  invoices,
		node:      node,
		logger:    logger,
		metrics:   defaultEngineMetrics(),
		cfg:       cfg,
		preimages: make(map[lntypes.Hash]lntypes.Preimage),
		byCond:    make(map[string]lntypes.Hash),
		timers:    make(map[lntypes.Hash]*time.Timer),
		subs:      make(map[lntypes.Hash][]chan domain.InvoiceUpdate),
	}
}

// Hold registers a hodl invoice whose settlement is contingent on the
// condition identified by conditionRef (typically an order id). Returns the
// payment hash and the bolt11 request the trader pays.
func (g *SettlementGate) Hold(ctx context.Context, preimage lntypes.Preimage, amount btcutil.Amount, conditionRef string) (lntypes.Hash, string, error) {
	rHash := preimage.Hash()
	inv := &domain.HodlInvoice{
		RHash:      rHash,
		AmountSats: amount,
		State:      domain.InvoiceStateOpen,
		OrderID:    conditionRef,
		CreatedAt:  time.Now().UTC(),
	}
	if err := g.invoices.SaveInvoice(ctx, inv); err != nil {
		return lntypes.Hash{}, "", err
	}
	payReq, err := g.node.AddHoldInvoice(ctx, rHash, amount, "dlc-trade "+conditionRef)
	if err != nil {
		return lntypes.Hash{}, "", fmt.Errorf("registering hold invoice: %w", err)
	}

	g.mu.Lock()
	g.preimages[rHash] = preimage
	if conditionRef != "" {
		g.byCond[conditionRef] = rHash
	}
	g.mu.Unlock()

	g.logger.Info("Hold invoice registered",
		zap.String("r_hash", rHash.String()),
		zap.String("condition", conditionRef),
		zap.Int64("amount_sats", int64(amount)))
	return rHash, payReq, nil
}

// OnAccepted transitions the invoice to Accepted and arms the fail-closed
// timer. Called from the node's invoice subscription.
func (g *SettlementGate) OnAccepted(ctx context.Context, rHash lntypes.Hash) error {
	if err := g.invoices.MarkInvoiceAccepted(ctx, rHash); err != nil {
		return err
	}
	g.publish(domain.InvoiceUpdate{RHash: rHash, State: domain.InvoiceStateAccepted, At: time.Now().UTC()})

	g.mu.Lock()
	g.timers[rHash] = time.AfterFunc(g.cfg.HoldTimeout, func() {
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.failInvoice(timeoutCtx, rHash); err != nil {
			g.logger.Error("Failing timed-out invoice", zap.String("r_hash", rHash.String()), zap.Error(err))
		}
	})
	g.mu.Unlock()
	return nil
}

// Resolve settles or fails the invoice paired with conditionRef. ok must only
// be true once the linked protocol instance is durably committed.
func (g *SettlementGate) Resolve(ctx context.Context, conditionRef string, ok bool) error {
	g.mu.Lock()
	rHash, found := g.byCond[conditionRef]
	g.mu.Unlock()
	if !found {
		return domain.ErrInvoiceNotFound
	}
	if !ok {
		return g.failInvoice(ctx, rHash)
	}
	return g.settleInvoice(ctx, rHash)
}

func (g *SettlementGate) settleInvoice(ctx context.Context, rHash lntypes.Hash) error {
	g.mu.Lock()
	preimage, haveIt := g.preimages[rHash]
	g.mu.Unlock()
	if !haveIt {
		// Lost across a restart: we cannot release a preimage we no longer
		// hold, so fail closed. The payer is unaffected.
		g.logger.Warn("Preimage unavailable, failing closed", zap.String("r_hash", rHash.String()))
		return g.failInvoice(ctx, rHash)
	}

	// Durable first, release second. The payment finalizes only after the
	// settled state is persisted.
	if err := g.invoices.ResolveInvoice(ctx, rHash, domain.InvoiceStateSettled, &preimage); err != nil {
		return err
	}
	// The settled row is authoritative now, so transient node errors are
	// retried rather than surfaced as a failed settlement.
	var settleErr error
	for attempt := 1; ; attempt++ {
		if settleErr = g.node.SettleInvoice(ctx, preimage); settleErr == nil {
			break
		}
		if attempt >= g.cfg.SettleAttempts || ctx.Err() != nil {
			break
		}
		g.logger.Warn("Retrying preimage release",
			zap.String("r_hash", rHash.String()),
			zap.Int("attempt", attempt), zap.Error(settleErr))
		select {
		case <-time.After(g.cfg.SettleBackoff):
		case <-ctx.Done():
		}
	}
	if settleErr != nil {
		// The preimage survives in the settled row for the operator.
		g.finish(rHash)
		return fmt.Errorf("releasing preimage for %s: %w", rHash, settleErr)
	}

	g.finish(rHash)
	g.metrics.invoicesSettled.Inc()
	g.publish(domain.InvoiceUpdate{RHash: rHash, State: domain.InvoiceStateSettled, At: time.Now().UTC()})
	g.logger.Info("Hold invoice settled", zap.String("r_hash", rHash.String()))
	return nil
}

func (g *SettlementGate) failInvoice(ctx context.Context, rHash lntypes.Hash) error {
	if err := g.invoices.ResolveInvoice(ctx, rHash, domain.InvoiceStateFailed, nil); err != nil {
		if err == domain.ErrInvoiceStateConflict {
			// Already terminal; still tear down the timer and the
			// condition mapping or they leak.
			g.finish(rHash)
			return nil
		}
		return err
	}
	if err := g.node.CancelInvoice(ctx, rHash); err != nil {
		g.logger.Error("Canceling invoice upstream", zap.String("r_hash", rHash.String()), zap.Error(err))
	}

	g.finish(rHash)
	g.metrics.invoicesFailed.Inc()
	g.publish(domain.InvoiceUpdate{RHash: rHash, State: domain.InvoiceStateFailed, At: time.Now().UTC()})
	g.logger.Info("Hold invoice failed", zap.String("r_hash", rHash.String()))
	return nil
}

func (g *SettlementGate) finish(rHash lntypes.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if timer, ok := g.timers[rHash]; ok {
		timer.Stop()
		delete(g.timers, rHash)
	}
	delete(g.preimages, rHash)
	for cond, h := range g.byCond {
		if h == rHash {
			delete(g.byCond, cond)
		}
	}
}

// ResumeInvoices is called once on startup. Invoices still Open or Accepted
// in storage lost their in-memory preimage with the previous process, so they
// can never settle again; they fail closed and the HTLC is released upstream.
func (g *SettlementGate) ResumeInvoices(ctx context.Context) error {
	unresolved, err := g.invoices.ListUnresolvedInvoices(ctx)
	if err != nil {
		return err
	}
	for _, inv := range unresolved {
		g.logger.Warn("Failing invoice orphaned by restart",
			zap.String("r_hash", inv.RHash.String()),
			zap.String("state", string(inv.State)))
		if err := g.failInvoice(ctx, inv.RHash); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns a stream of state changes for one invoice. The returned
// cancel func must be called when the consumer goes away.
func (g *SettlementGate) Subscribe(rHash lntypes.Hash) (<-chan domain.InvoiceUpdate, func()) {
	ch := make(chan domain.InvoiceUpdate, 4)
	g.mu.Lock()
	g.subs[rHash] = append(g.subs[rHash], ch)
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		subs := g.subs[rHash]
		for i, c := range subs {
			if c == ch {
				g.subs[rHash] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (g *SettlementGate) publish(update domain.InvoiceUpdate) {
	g.mu.Lock()
	subs := append([]chan domain.InvoiceUpdate(nil), g.subs[update.RHash]...)
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- update:
		default:
			// Slow consumer, drop rather than block the gate.
		}
	}
}
