package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"github.com/vitos/ln_dlc_coordinator/internal/usecase"
)

func fastTrackerConfig() usecase.TrackerConfig {
	return usecase.TrackerConfig{
		SignatureTimeout: 50 * time.Millisecond,
		RetryAttempts:    2,
		RetryBackoff:     time.Millisecond,
		ContractLength:   7 * 24 * time.Hour,
	}
}

func newTestTracker(store *memStore, transport *MockTransport, cfg usecase.TrackerConfig) *usecase.ProtocolTracker {
	return usecase.NewProtocolTracker(store, store, store, store, transport, usecase.InversePayout, testLogger(), cfg)
}

func seedChannel(t *testing.T, store *memStore, state domain.ChannelState, capacity, balance btcutil.Amount) *domain.Channel {
	t.Helper()
	ch := &domain.Channel{
		UserChannelID:      "chan-" + string(state),
		CounterpartyPubKey: "02trader",
		Capacity:           capacity,
		Balance:            balance,
		State:              state,
		ContractExpiry:     time.Now().UTC().Add(48 * time.Hour),
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	if err := store.SaveChannel(context.Background(), ch); err != nil {
		t.Fatalf("seeding channel: %v", err)
	}
	return ch
}

func seedPosition(store *memStore, channelID string) *domain.Position {
	pos := &domain.Position{
		ChannelID:         channelID,
		Direction:         domain.SideLong,
		Quantity:          decimal.NewFromInt(100),
		TraderLeverage:    decimal.NewFromInt(2),
		AverageEntryPrice: decimal.NewFromInt(50_000),
		TraderMargin:      100_000,
		State:             domain.PositionStateOpen,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	store.putPosition(pos)
	return pos
}

func TestExecuteOpenChannelCommits(t *testing.T) {
	store := newMemStore()
	transport := &MockTransport{}
	tracker := newTestTracker(store, transport, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStatePending, 100_000, 0)
	ch.AliasID = 16_000_123 << 40
	store.SaveChannel(context.Background(), ch)

	inst, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolOpenChannel,
		domain.TransitionParams{FundAmount: 50_000})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst.State != domain.ProtocolStateCommitted {
		t.Fatalf("expected COMMITTED, got %s", inst.State)
	}

	got, err := store.GetChannel(context.Background(), ch.UserChannelID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.State != domain.ChannelStateOpen {
		t.Fatalf("expected OPEN channel, got %s", got.State)
	}
	// 1% reserve on 50k sats.
	if got.Balance != 49_500 {
		t.Fatalf("expected balance 49500, got %d", got.Balance)
	}
	if got.AliasID != 0 {
		t.Fatalf("alias should be released on open, got %d", got.AliasID)
	}
	if got.ContractExpiry.Before(time.Now().Add(6 * 24 * time.Hour)) {
		t.Fatalf("contract expiry not extended: %v", got.ContractExpiry)
	}
	if len(transport.Finalized) != 1 {
		t.Fatalf("expected one finalize, got %d", len(transport.Finalized))
	}
}

func TestExecuteOpenChannelBelowReserve(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStatePending, 600, 0)

	inst, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolOpenChannel,
		domain.TransitionParams{FundAmount: 300})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if inst.State != domain.ProtocolStateFailed {
		t.Fatalf("expected FAILED instance, got %s", inst.State)
	}
	got, _ := store.GetChannel(context.Background(), ch.UserChannelID)
	if got.State != domain.ChannelStatePending {
		t.Fatalf("channel must stay PENDING on rejection, got %s", got.State)
	}
}

func TestRequestFailsFastWhenProtocolInFlight(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 100_000, 50_000)
	seedPosition(store, ch.UserChannelID)

	other := &domain.ProtocolInstance{
		ProtocolID: uuid.New(),
		ChannelID:  ch.UserChannelID,
		Type:       domain.ProtocolRollover,
		State:      domain.ProtocolStatePending,
	}
	if err := store.CreateProtocol(context.Background(), other); err != nil {
		t.Fatalf("seeding protocol: %v", err)
	}

	_, err := tracker.Request(context.Background(), ch.UserChannelID, domain.ProtocolRollover, domain.TransitionParams{})
	if !errors.Is(err, domain.ErrProtocolInFlight) {
		t.Fatalf("expected ErrProtocolInFlight, got %v", err)
	}
}

func TestExecuteCounterpartyTimeout(t *testing.T) {
	store := newMemStore()
	transport := &MockTransport{SignErr: context.DeadlineExceeded}
	cfg := fastTrackerConfig()
	tracker := newTestTracker(store, transport, cfg)
	ch := seedChannel(t, store, domain.ChannelStateOpen, 100_000, 50_000)
	seedPosition(store, ch.UserChannelID)

	var stuck []*domain.ProtocolInstance
	var mu sync.Mutex
	tracker.SetStuckHandler(func(inst *domain.ProtocolInstance) {
		mu.Lock()
		stuck = append(stuck, inst)
		mu.Unlock()
	})

	inst, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolRollover, domain.TransitionParams{})
	if !errors.Is(err, domain.ErrCounterpartyTimeout) {
		t.Fatalf("expected ErrCounterpartyTimeout, got %v", err)
	}
	if inst.State != domain.ProtocolStateFailed {
		t.Fatalf("expected FAILED, got %s", inst.State)
	}
	if inst.Attempts != cfg.RetryAttempts {
		t.Fatalf("expected %d attempts, got %d", cfg.RetryAttempts, inst.Attempts)
	}
	mu.Lock()
	notified := len(stuck)
	mu.Unlock()
	if notified != 1 {
		t.Fatalf("expected stuck handler once, got %d", notified)
	}

	// The failed instance is terminal; the channel is free for a new one.
	if _, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolRollover, domain.TransitionParams{}); !errors.Is(err, domain.ErrCounterpartyTimeout) {
		t.Fatalf("second instance should run again, got %v", err)
	}
}

func TestExecuteInvalidSignatureDesyncs(t *testing.T) {
	store := newMemStore()
	transport := &MockTransport{Invalid: true}
	tracker := newTestTracker(store, transport, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 100_000, 50_000)
	seedPosition(store, ch.UserChannelID)

	inst, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolRollover, domain.TransitionParams{})
	if !errors.Is(err, domain.ErrProtocolDesync) {
		t.Fatalf("expected ErrProtocolDesync, got %v", err)
	}
	if inst.State != domain.ProtocolStateFailed {
		t.Fatalf("expected FAILED, got %s", inst.State)
	}
}

func TestExecuteIllegalTransition(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStatePending, 100_000, 0)

	_, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolOpenPosition,
		domain.TransitionParams{Trade: &domain.TradeMatch{}})
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	// Rollover without an open position is just as illegal.
	ch2 := seedChannel(t, store, domain.ChannelStateOpen, 100_000, 50_000)
	_, err = tracker.Execute(context.Background(), ch2.UserChannelID, domain.ProtocolRollover, domain.TransitionParams{})
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestRolloverExtendsExpiryOnly(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)
	pos := seedPosition(store, ch.UserChannelID)

	newExpiry := time.Now().UTC().Add(14 * 24 * time.Hour)
	inst, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolRollover,
		domain.TransitionParams{NewExpiry: newExpiry})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst.State != domain.ProtocolStateCommitted {
		t.Fatalf("expected COMMITTED, got %s", inst.State)
	}

	got, _ := store.GetChannel(context.Background(), ch.UserChannelID)
	if !got.ContractExpiry.Equal(newExpiry) {
		t.Fatalf("expected expiry %v, got %v", newExpiry, got.ContractExpiry)
	}
	if got.Balance != 500_000 {
		t.Fatalf("rollover must not touch balance, got %d", got.Balance)
	}

	after, err := store.GetOpenPosition(context.Background(), ch.UserChannelID)
	if err != nil {
		t.Fatalf("position must survive rollover: %v", err)
	}
	if !after.Quantity.Equal(pos.Quantity) || after.Direction != pos.Direction || !after.AverageEntryPrice.Equal(pos.AverageEntryPrice) {
		t.Fatalf("rollover mutated the position: %+v", after)
	}
}

func TestRolloverFoldsUnpaidFundingFees(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)
	seedPosition(store, ch.UserChannelID)
	stored, _ := store.GetOpenPosition(context.Background(), ch.UserChannelID)

	due := time.Now().UTC().Truncate(8 * time.Hour)
	if _, err := store.InsertFundingFeeEvent(context.Background(), &domain.FundingFeeEvent{
		PositionID: stored.ID,
		AmountSats: 1_500,
		DueDate:    due,
	}); err != nil {
		t.Fatalf("seeding fee: %v", err)
	}

	if _, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolRollover, domain.TransitionParams{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := store.GetChannel(context.Background(), ch.UserChannelID)
	if got.Balance != 498_500 {
		t.Fatalf("expected fee debited balance 498500, got %d", got.Balance)
	}
	unpaid, _ := store.ListUnpaidFundingFees(context.Background(), stored.ID)
	if len(unpaid) != 0 {
		t.Fatalf("fee must be marked paid in the same commit, %d unpaid left", len(unpaid))
	}
}

func TestSettleRealizesPnlAndArchives(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)
	seedPosition(store, ch.UserChannelID) // LONG 100 USD @ 50k, margin 100k sats

	inst, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolSettle,
		domain.TransitionParams{SettlementPrice: decimal.NewFromInt(100_000)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst.State != domain.ProtocolStateCommitted {
		t.Fatalf("expected COMMITTED, got %s", inst.State)
	}

	// pnl = 100 * (1/50k - 1/100k) BTC = 100k sats; payout = margin + pnl.
	got, _ := store.GetChannel(context.Background(), ch.UserChannelID)
	if got.Balance != 600_000 {
		t.Fatalf("expected balance 600000 after settle, got %d", got.Balance)
	}
	if got.State != domain.ChannelStateOpen {
		t.Fatalf("settle keeps the channel open, got %s", got.State)
	}

	if _, err := store.GetOpenPosition(context.Background(), ch.UserChannelID); !errors.Is(err, domain.ErrPositionNotFound) {
		t.Fatalf("position must be archived, got %v", err)
	}
	closed, _ := store.ListClosedPositions(context.Background(), 10)
	if len(closed) != 1 {
		t.Fatalf("expected one archived position, got %d", len(closed))
	}
	if closed[0].RealizedPnLSats != 100_000 {
		t.Fatalf("expected realized pnl 100000, got %d", closed[0].RealizedPnLSats)
	}
}

func TestSettleWithoutPositionRejected(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)

	_, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolSettle,
		domain.TransitionParams{SettlementPrice: decimal.NewFromInt(50_000)})
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestCloseWithoutPositionSucceeds(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)

	inst, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolClose, domain.TransitionParams{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst.State != domain.ProtocolStateCommitted {
		t.Fatalf("expected COMMITTED, got %s", inst.State)
	}
	got, _ := store.GetChannel(context.Background(), ch.UserChannelID)
	if got.State != domain.ChannelStateClosed {
		t.Fatalf("expected CLOSED, got %s", got.State)
	}
}

func TestQueuedProtocolNeverInterleaves(t *testing.T) {
	store := newMemStore()
	gate := make(chan struct{})
	transport := &MockTransport{Gate: gate}
	cfg := fastTrackerConfig()
	cfg.SignatureTimeout = 2 * time.Second
	tracker := newTestTracker(store, transport, cfg)
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)
	seedPosition(store, ch.UserChannelID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolRollover, domain.TransitionParams{})
	}()

	// Wait until the rollover proposal is on the wire and gated.
	deadline := time.Now().Add(time.Second)
	for len(transport.ProposalTypes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rollover proposal never sent")
		}
		time.Sleep(time.Millisecond)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolSettle,
			domain.TransitionParams{SettlementPrice: decimal.NewFromInt(60_000)})
	}()

	// The settle must queue behind the gated rollover, not interleave.
	time.Sleep(50 * time.Millisecond)
	if types := transport.ProposalTypes(); len(types) != 1 {
		t.Fatalf("queued settle sent a proposal while rollover was in flight: %v", types)
	}

	close(gate)
	wg.Wait()

	types := transport.ProposalTypes()
	if len(types) != 2 || types[0] != domain.ProtocolRollover || types[1] != domain.ProtocolSettle {
		t.Fatalf("expected strict [rollover, settle] order, got %v", types)
	}
}

func TestForceCloseArchivesPosition(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)
	seedPosition(store, ch.UserChannelID)

	inst, err := tracker.ForceClose(context.Background(), ch.UserChannelID, true)
	if err != nil {
		t.Fatalf("ForceClose: %v", err)
	}
	if inst.State != domain.ProtocolStateCommitted {
		t.Fatalf("expected COMMITTED, got %s", inst.State)
	}
	got, _ := store.GetChannel(context.Background(), ch.UserChannelID)
	if got.State != domain.ChannelStateForceClosedLocal {
		t.Fatalf("expected FORCE_CLOSED_LOCAL, got %s", got.State)
	}
	if _, err := store.GetOpenPosition(context.Background(), ch.UserChannelID); !errors.Is(err, domain.ErrPositionNotFound) {
		t.Fatalf("position must be archived on force-close, got %v", err)
	}

	// A terminal channel accepts no further force-close.
	if _, err := tracker.ForceClose(context.Background(), ch.UserChannelID, true); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition on second force-close, got %v", err)
	}
}

func TestCommitRevertClosesAtAgreedAmount(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)
	seedPosition(store, ch.UserChannelID)

	inst, err := tracker.CommitRevert(context.Background(), ch.UserChannelID, 420_000)
	if err != nil {
		t.Fatalf("CommitRevert: %v", err)
	}
	if inst.State != domain.ProtocolStateCommitted {
		t.Fatalf("expected COMMITTED, got %s", inst.State)
	}
	got, _ := store.GetChannel(context.Background(), ch.UserChannelID)
	if got.State != domain.ChannelStateClosed {
		t.Fatalf("expected CLOSED, got %s", got.State)
	}
	if got.Balance != 420_000 {
		t.Fatalf("expected agreed trader amount 420000, got %d", got.Balance)
	}
	if _, err := store.GetOpenPosition(context.Background(), ch.UserChannelID); !errors.Is(err, domain.ErrPositionNotFound) {
		t.Fatalf("position must be cleared by revert, got %v", err)
	}
}

func TestResumeInFlight(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)

	pending := &domain.ProtocolInstance{
		ProtocolID: uuid.New(),
		ChannelID:  "chan-OPEN",
		Type:       domain.ProtocolRollover,
		State:      domain.ProtocolStatePending,
	}
	if err := store.CreateProtocol(context.Background(), pending); err != nil {
		t.Fatalf("seeding pending: %v", err)
	}
	signed := &domain.ProtocolInstance{
		ProtocolID: uuid.New(),
		ChannelID:  "chan-other",
		Type:       domain.ProtocolSettle,
		State:      domain.ProtocolStateSigned,
	}
	if err := store.CreateProtocol(context.Background(), signed); err != nil {
		t.Fatalf("seeding signed: %v", err)
	}

	var stuck []*domain.ProtocolInstance
	tracker.SetStuckHandler(func(inst *domain.ProtocolInstance) {
		stuck = append(stuck, inst)
	})

	if err := tracker.ResumeInFlight(context.Background()); err != nil {
		t.Fatalf("ResumeInFlight: %v", err)
	}

	got, err := store.GetProtocol(context.Background(), pending.ProtocolID)
	if err != nil {
		t.Fatalf("GetProtocol: %v", err)
	}
	if got.State != domain.ProtocolStateFailed {
		t.Fatalf("pending instance must fail on restart, got %s", got.State)
	}
	if len(stuck) != 1 || stuck[0].ProtocolID != signed.ProtocolID {
		t.Fatalf("signed instance must be handed to recovery, got %v", stuck)
	}
}

func TestResizePositionReducesAndRealizes(t *testing.T) {
	store := newMemStore()
	tracker := newTestTracker(store, &MockTransport{}, fastTrackerConfig())
	ch := seedChannel(t, store, domain.ChannelStateOpen, 1_000_000, 500_000)
	seedPosition(store, ch.UserChannelID) // LONG 100 USD @ 50k

	trade := &domain.TradeMatch{
		OrderID:        "order-reduce",
		ChannelID:      ch.UserChannelID,
		Direction:      domain.SideShort,
		Quantity:       decimal.NewFromInt(40),
		Leverage:       decimal.NewFromInt(2),
		ExecutionPrice: decimal.NewFromInt(100_000),
	}
	if _, err := tracker.Execute(context.Background(), ch.UserChannelID, domain.ProtocolResizePosition,
		domain.TransitionParams{Trade: trade}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	pos, err := store.GetOpenPosition(context.Background(), ch.UserChannelID)
	if err != nil {
		t.Fatalf("GetOpenPosition: %v", err)
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected quantity 60, got %s", pos.Quantity)
	}
	// 40 * (1/50k - 1/100k) BTC realized on the reduced lot.
	if pos.RealizedPnLSats != 40_000 {
		t.Fatalf("expected realized pnl 40000, got %d", pos.RealizedPnLSats)
	}
	if pos.Direction != domain.SideLong {
		t.Fatalf("reduction must not flip direction, got %s", pos.Direction)
	}
}
