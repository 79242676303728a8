package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

type TrackerConfig struct {
	// SignatureTimeout bounds each wait for the counterparty's adaptor
	// signatures. No unbounded blocking.
	SignatureTimeout time.Duration
	// RetryAttempts is the total attempt budget for transient transport
	// failures. The counter is persisted with the instance so a restart
	// resumes the remaining budget instead of resetting it.
	RetryAttempts int
	RetryBackoff  time.Duration
	// ContractLength is the lifetime of a freshly opened or renewed contract.
	ContractLength time.Duration
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		SignatureTimeout: 30 * time.Second,
		RetryAttempts:    3,
		RetryBackoff:     2 * time.Second,
		ContractLength:   7 * 24 * time.Hour,
	}
}

// ProtocolTracker drives DLC protocol instances through their state machine.
// All contract-mutating operations on one channel execute strictly
// sequentially; operations on different channels proceed in parallel.
type ProtocolTracker struct {
	channels  domain.ChannelRepository
	protocols domain.ProtocolRepository
	positions domain.PositionRepository
	fees      domain.FeeRepository
	transport domain.DlcTransport
	payout    domain.PayoutFunc
	logger    *zap.Logger
	cfg       TrackerConfig
	metrics   *engineMetrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	stuckMu sync.Mutex
	onStuck func(inst *domain.ProtocolInstance)
}

func NewProtocolTracker(
	channels domain.ChannelRepository,
	protocols domain.ProtocolRepository,
	positions domain.PositionRepository,
	fees domain.FeeRepository,
	transport domain.DlcTransport,
	payout domain.PayoutFunc,
	logger *zap.Logger,
	cfg TrackerConfig,
) *ProtocolTracker {
	return &ProtocolTracker{
		channels:  channels,
		protocols: protocols,
		positions: positions,
		fees:      fees,
		transport: transport,
		payout:    payout,
		logger:    logger,
		cfg:       cfg,
		metrics:   defaultEngineMetrics(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetStuckHandler registers the recovery hook invoked when an instance fails
// because the counterparty stopped responding mid-protocol.
func (t *ProtocolTracker) SetStuckHandler(fn func(inst *domain.ProtocolInstance)) {
	t.stuckMu.Lock()
	t.onStuck = fn
	t.stuckMu.Unlock()
}

func (t *ProtocolTracker) notifyStuck(inst *domain.ProtocolInstance) {
	t.stuckMu.Lock()
	fn := t.onStuck
	t.stuckMu.Unlock()
	if fn != nil {
		fn(inst)
	}
}

func (t *ProtocolTracker) channelLock(channelID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[channelID] = lock
	}
	return lock
}

// Execute runs a protocol instance to a terminal state, waiting its turn on
// the channel's serialization lock. Events affecting the same channel are
// processed in arrival order.
func (t *ProtocolTracker) Execute(ctx context.Context, channelID string, typ domain.ProtocolType, params domain.TransitionParams) (*domain.ProtocolInstance, error) {
	lock := t.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := t.create(ctx, channelID, typ)
	if err != nil {
		return nil, err
	}
	return t.run(ctx, inst, params)
}

// Request creates the instance synchronously so the caller gets a protocol id,
// then drives it in the background. Fails fast with ErrProtocolInFlight when
// the channel already has an active instance.
func (t *ProtocolTracker) Request(ctx context.Context, channelID string, typ domain.ProtocolType, params domain.TransitionParams) (uuid.UUID, error) {
	inst, err := t.create(ctx, channelID, typ)
	if err != nil {
		return uuid.Nil, err
	}

	go func() {
		lock := t.channelLock(channelID)
		lock.Lock()
		defer lock.Unlock()

		runCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(t.cfg.RetryAttempts)*(t.cfg.SignatureTimeout+t.cfg.RetryBackoff)+time.Minute)
		defer cancel()

		if _, err := t.run(runCtx, inst, params); err != nil {
			t.logger.Error("Background protocol instance failed",
				zap.String("protocol_id", inst.ProtocolID.String()),
				zap.String("channel_id", channelID),
				zap.Error(err))
		}
	}()

	return inst.ProtocolID, nil
}

func (t *ProtocolTracker) create(ctx context.Context, channelID string, typ domain.ProtocolType) (*domain.ProtocolInstance, error) {
	ch, err := t.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := t.checkTransition(ctx, ch, typ); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &domain.ProtocolInstance{
		ProtocolID: uuid.New(),
		ChannelID:  channelID,
		Type:       typ,
		State:      domain.ProtocolStatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.protocols.CreateProtocol(ctx, inst); err != nil {
		return nil, err
	}
	t.metrics.protocolsStarted.WithLabelValues(string(typ)).Inc()
	t.logger.Info("Protocol instance created",
		zap.String("protocol_id", inst.ProtocolID.String()),
		zap.String("channel_id", channelID),
		zap.String("type", string(typ)))
	return inst, nil
}

// checkTransition enforces the legal transition chart against the channel's
// current state. Rejections happen before any state mutation.
func (t *ProtocolTracker) checkTransition(ctx context.Context, ch *domain.Channel, typ domain.ProtocolType) error {
	hasPosition := false
	if _, err := t.positions.GetOpenPosition(ctx, ch.UserChannelID); err == nil {
		hasPosition = true
	} else if !errors.Is(err, domain.ErrPositionNotFound) {
		return err
	}

	switch typ {
	case domain.ProtocolOpenChannel:
		if ch.State != domain.ChannelStatePending {
			return domain.ErrIllegalTransition
		}
	case domain.ProtocolOpenPosition:
		if ch.State != domain.ChannelStateOpen {
			return domain.ErrIllegalTransition
		}
	case domain.ProtocolResizePosition, domain.ProtocolRollover, domain.ProtocolSettle:
		if ch.State != domain.ChannelStateOpen || !hasPosition {
			return domain.ErrIllegalTransition
		}
	case domain.ProtocolClose:
		if ch.State != domain.ChannelStateOpen {
			return domain.ErrIllegalTransition
		}
	case domain.ProtocolForceClose:
		if ch.State.IsTerminal() {
			return domain.ErrIllegalTransition
		}
	default:
		return fmt.Errorf("unknown protocol type %q: %w", typ, domain.ErrIllegalTransition)
	}
	return nil
}

// run drives one instance: build the transition, exchange signatures with the
// counterparty under a bounded retry budget, then commit atomically. The
// instance is committed only after the counterparty signature is verified and
// the whole mutation is durably persisted.
func (t *ProtocolTracker) run(ctx context.Context, inst *domain.ProtocolInstance, params domain.TransitionParams) (*domain.ProtocolInstance, error) {
	ch, err := t.channels.GetChannel(ctx, inst.ChannelID)
	if err != nil {
		return t.fail(context.WithoutCancel(ctx), inst, err, false)
	}

	proposal, commit, err := t.buildTransition(ctx, ch, inst, params)
	if err != nil {
		// Resource exhaustion or bad params: rejected before any mutation.
		return t.fail(context.WithoutCancel(ctx), inst, err, false)
	}

	sig, err := t.exchangeSignatures(ctx, inst, proposal)
	if err != nil {
		stuck := errors.Is(err, domain.ErrCounterpartyTimeout)
		return t.fail(context.WithoutCancel(ctx), inst, err, stuck)
	}
	if sig.ProtocolID != inst.ProtocolID || !sig.Valid {
		return t.fail(context.WithoutCancel(ctx), inst, domain.ErrProtocolDesync, false)
	}

	// From here the instance is no longer cancelable: we have revealed our
	// signatures. Persist that fact before finalizing.
	inst.State = domain.ProtocolStateSigned
	inst.UpdatedAt = time.Now().UTC()
	if err := t.protocols.UpdateProtocol(ctx, inst); err != nil {
		return nil, fmt.Errorf("persisting signed state: %w", err)
	}

	inst.UpdatedAt = time.Now().UTC()
	commit.Instance = inst
	if err := t.protocols.CommitProtocol(ctx, commit); err != nil {
		// Persistence failure is fatal for the instance; the atomic write
		// guarantees nothing was half-applied.
		return nil, fmt.Errorf("committing protocol %s: %w", inst.ProtocolID, err)
	}
	inst.State = domain.ProtocolStateCommitted

	// Best effort: a lost finalize is recovered by the counterparty
	// re-syncing against our durable state.
	if err := t.transport.SendFinalize(ctx, inst.ProtocolID); err != nil {
		t.logger.Warn("Finalize delivery failed after commit",
			zap.String("protocol_id", inst.ProtocolID.String()), zap.Error(err))
	}

	t.metrics.protocolsCommitted.WithLabelValues(string(inst.Type)).Inc()
	t.logger.Info("Protocol instance committed",
		zap.String("protocol_id", inst.ProtocolID.String()),
		zap.String("channel_id", inst.ChannelID),
		zap.String("type", string(inst.Type)))
	return inst, nil
}

// exchangeSignatures sends the proposal and awaits the counterparty signature,
// retrying transient failures until the persisted attempt budget is spent.
func (t *ProtocolTracker) exchangeSignatures(ctx context.Context, inst *domain.ProtocolInstance, proposal *domain.ContractProposal) (*domain.ContractSignature, error) {
	var lastErr error
	for inst.Attempts < t.cfg.RetryAttempts {
		inst.Attempts++
		inst.UpdatedAt = time.Now().UTC()
		if err := t.protocols.UpdateProtocol(ctx, inst); err != nil {
			return nil, err
		}

		if err := t.transport.SendProposal(ctx, proposal); err != nil {
			if errors.Is(err, domain.ErrProtocolDesync) {
				return nil, err
			}
			lastErr = err
		} else {
			sigCtx, cancel := context.WithTimeout(ctx, t.cfg.SignatureTimeout)
			sig, err := t.transport.AwaitSignature(sigCtx, inst.ProtocolID)
			cancel()
			if err == nil {
				return sig, nil
			}
			if errors.Is(err, domain.ErrProtocolDesync) {
				return nil, err
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = domain.ErrCounterpartyTimeout
			}
			lastErr = err
		}

		select {
		case <-time.After(t.cfg.RetryBackoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", domain.ErrCounterpartyTimeout, ctx.Err())
		}
	}
	if lastErr == nil {
		lastErr = domain.ErrCounterpartyTimeout
	}
	return nil, lastErr
}

func (t *ProtocolTracker) fail(ctx context.Context, inst *domain.ProtocolInstance, cause error, stuck bool) (*domain.ProtocolInstance, error) {
	inst.State = domain.ProtocolStateFailed
	inst.FailureReason = cause.Error()
	inst.UpdatedAt = time.Now().UTC()
	if err := t.protocols.UpdateProtocol(ctx, inst); err != nil {
		return nil, fmt.Errorf("recording failure %q: %w", cause, err)
	}
	t.metrics.protocolsFailed.WithLabelValues(string(inst.Type)).Inc()
	t.logger.Warn("Protocol instance failed",
		zap.String("protocol_id", inst.ProtocolID.String()),
		zap.String("channel_id", inst.ChannelID),
		zap.String("type", string(inst.Type)),
		zap.Error(cause))
	if stuck {
		t.notifyStuck(inst)
	}
	return inst, cause
}

// ForceClose records a committed force-close instance for the channel. The
// broadcast itself is the recovery handler's job; this transitions the
// channel and archives the position at the last committed price in one write.
func (t *ProtocolTracker) ForceClose(ctx context.Context, channelID string, initiatedLocally bool) (*domain.ProtocolInstance, error) {
	lock := t.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := t.create(ctx, channelID, domain.ProtocolForceClose)
	if err != nil {
		return nil, err
	}

	ch, err := t.channels.GetChannel(ctx, channelID)
	if err != nil {
		return t.fail(ctx, inst, err, false)
	}
	if initiatedLocally {
		ch.State = domain.ChannelStateForceClosedLocal
	} else {
		ch.State = domain.ChannelStateForceClosedRemote
	}
	ch.UpdatedAt = time.Now().UTC()

	inst.UpdatedAt = ch.UpdatedAt
	commit := &domain.ProtocolCommit{
		Instance: inst,
		Channel:  ch,
		ClearPos: true,
	}
	if pos, err := t.positions.GetOpenPosition(ctx, channelID); err == nil {
		commit.Position = pos
	}
	if err := t.protocols.CommitProtocol(ctx, commit); err != nil {
		return nil, fmt.Errorf("committing force-close: %w", err)
	}
	inst.State = domain.ProtocolStateCommitted
	t.metrics.protocolsCommitted.WithLabelValues(string(domain.ProtocolForceClose)).Inc()
	return inst, nil
}

// CommitRevert records a committed cooperative close agreed over the
// alternate recovery path: the channel closes at the agreed trader amount
// without going through the contract-execution path.
func (t *ProtocolTracker) CommitRevert(ctx context.Context, channelID string, traderAmount btcutil.Amount) (*domain.ProtocolInstance, error) {
	lock := t.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := t.create(ctx, channelID, domain.ProtocolClose)
	if err != nil {
		return nil, err
	}

	ch, err := t.channels.GetChannel(ctx, channelID)
	if err != nil {
		return t.fail(ctx, inst, err, false)
	}
	ch.Balance = traderAmount
	ch.State = domain.ChannelStateClosed
	ch.UpdatedAt = time.Now().UTC()

	inst.UpdatedAt = ch.UpdatedAt
	commit := &domain.ProtocolCommit{
		Instance: inst,
		Channel:  ch,
		ClearPos: true,
	}
	if pos, err := t.positions.GetOpenPosition(ctx, channelID); err == nil {
		commit.Position = pos
	}
	if err := t.protocols.CommitProtocol(ctx, commit); err != nil {
		return nil, fmt.Errorf("committing collaborative revert: %w", err)
	}
	inst.State = domain.ProtocolStateCommitted
	t.metrics.protocolsCommitted.WithLabelValues(string(domain.ProtocolClose)).Inc()
	t.logger.Info("Collaborative revert committed",
		zap.String("channel_id", channelID),
		zap.Int64("trader_amount", int64(traderAmount)))
	return inst, nil
}

// ResumeInFlight is called once on startup. Instances that never reached the
// signed step are failed outright; instances that already revealed our
// signatures are handed to recovery for counterparty re-synchronization. We
// never assume a lost signature was received.
func (t *ProtocolTracker) ResumeInFlight(ctx context.Context) error {
	inFlight, err := t.protocols.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, inst := range inFlight {
		switch inst.State {
		case domain.ProtocolStatePending:
			// Recording the failure is the success path here; fail returns
			// the cause it recorded. Only a persistence error, which leaves
			// no failed instance behind, aborts the resume.
			if failed, err := t.fail(ctx, inst, errors.New("process restarted before commit"), false); failed == nil {
				return err
			}
		case domain.ProtocolStateSigned:
			t.logger.Warn("Signed instance found on restart, requires re-synchronization",
				zap.String("protocol_id", inst.ProtocolID.String()),
				zap.String("channel_id", inst.ChannelID))
			t.notifyStuck(inst)
		}
	}
	return nil
}
