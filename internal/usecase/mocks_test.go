package usecase_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
	"github.com/vitos/ln_dlc_coordinator/internal/domain"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger { return zap.NewNop() }

// memStore is an in-memory implementation of every repository interface,
// mirroring the sqlite store's semantics closely enough for engine tests.
type memStore struct {
	mu        sync.Mutex
	channels  map[string]*domain.Channel
	protocols map[uuid.UUID]*domain.ProtocolInstance
	positions map[string]*domain.Position
	history   []*domain.ClosedPosition
	fees      []*domain.FundingFeeEvent
	routing   []*domain.RoutingFeeEvent
	invoices  map[lntypes.Hash]*domain.HodlInvoice
	intents   map[uint64]*domain.JitIntent
	orders    map[string]struct{}
	nextPosID int64
	nextFeeID int64

	// IntentGate, when set before concurrent use, blocks GetIntentByAlias
	// until closed. Lets tests hold one caller inside the lookup.
	IntentGate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		channels:  make(map[string]*domain.Channel),
		protocols: make(map[uuid.UUID]*domain.ProtocolInstance),
		positions: make(map[string]*domain.Position),
		invoices:  make(map[lntypes.Hash]*domain.HodlInvoice),
		intents:   make(map[uint64]*domain.JitIntent),
		orders:    make(map[string]struct{}),
	}
}

// ChannelRepository

func (m *memStore) SaveChannel(ctx context.Context, ch *domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ch
	m.channels[ch.UserChannelID] = &cp
	return nil
}

func (m *memStore) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *memStore) GetChannelByCounterparty(ctx context.Context, pubkey string, states ...domain.ChannelState) (*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.CounterpartyPubKey != pubkey {
			continue
		}
		if len(states) == 0 || containsState(states, ch.State) {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, domain.ErrChannelNotFound
}

func (m *memStore) GetChannelByAlias(ctx context.Context, alias uint64) (*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.AliasID == alias {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, domain.ErrChannelNotFound
}

func (m *memStore) ListChannels(ctx context.Context, states ...domain.ChannelState) ([]*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Channel
	for _, ch := range m.channels {
		if len(states) == 0 || containsState(states, ch.State) {
			cp := *ch
			out = append(out, &cp)
		}
	}
	return out, nil
}

func containsState(states []domain.ChannelState, s domain.ChannelState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// ProtocolRepository

func (m *memStore) CreateProtocol(ctx context.Context, inst *domain.ProtocolInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.protocols {
		if p.ChannelID == inst.ChannelID && !p.State.IsTerminal() {
			return domain.ErrProtocolInFlight
		}
	}
	cp := *inst
	m.protocols[inst.ProtocolID] = &cp
	return nil
}

func (m *memStore) GetProtocol(ctx context.Context, id uuid.UUID) (*domain.ProtocolInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.protocols[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ActiveProtocol(ctx context.Context, channelID string) (*domain.ProtocolInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.protocols {
		if p.ChannelID == channelID && !p.State.IsTerminal() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListNonTerminal(ctx context.Context) ([]*domain.ProtocolInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ProtocolInstance
	for _, p := range m.protocols {
		if !p.State.IsTerminal() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateProtocol(ctx context.Context, inst *domain.ProtocolInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.protocols[inst.ProtocolID] = &cp
	return nil
}

func (m *memStore) CommitProtocol(ctx context.Context, commit *domain.ProtocolCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst := *commit.Instance
	inst.State = domain.ProtocolStateCommitted
	m.protocols[inst.ProtocolID] = &inst

	if commit.Channel != nil {
		cp := *commit.Channel
		m.channels[cp.UserChannelID] = &cp
	}

	if commit.ClearPos {
		if old, ok := m.positions[inst.ChannelID]; ok {
			closed := &domain.ClosedPosition{
				ID:        old.ID,
				ChannelID: old.ChannelID,
				Direction: old.Direction,
				Quantity:  old.Quantity,
				ClosedAt:  inst.UpdatedAt,
			}
			if commit.Position != nil {
				closed.ExitPrice = commit.Position.AverageEntryPrice
				closed.RealizedPnLSats = commit.Position.RealizedPnLSats
			}
			m.history = append(m.history, closed)
			delete(m.positions, inst.ChannelID)
		}
	} else if commit.Position != nil {
		cp := *commit.Position
		if old, ok := m.positions[cp.ChannelID]; ok {
			cp.ID = old.ID
		} else {
			m.nextPosID++
			cp.ID = m.nextPosID
		}
		m.positions[cp.ChannelID] = &cp
	}

	for _, id := range commit.PaidFeeIDs {
		for _, ev := range m.fees {
			if ev.ID == id {
				paid := commit.PaidFeeDate
				ev.PaidDate = &paid
			}
		}
	}
	return nil
}

// PositionRepository

func (m *memStore) GetOpenPosition(ctx context.Context, channelID string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[channelID]
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Position
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListClosedPositions(ctx context.Context, limit int) ([]*domain.ClosedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.history
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// putPosition seeds an open position directly, bypassing the protocol path.
func (m *memStore) putPosition(p *domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPosID++
	cp := *p
	cp.ID = m.nextPosID
	m.positions[cp.ChannelID] = &cp
}

// InvoiceRepository

func (m *memStore) SaveInvoice(ctx context.Context, inv *domain.HodlInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.invoices[inv.RHash] = &cp
	return nil
}

func (m *memStore) GetInvoice(ctx context.Context, rHash lntypes.Hash) (*domain.HodlInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[rHash]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *memStore) ResolveInvoice(ctx context.Context, rHash lntypes.Hash, state domain.InvoiceState, preimage *lntypes.Preimage) error {
	if (state == domain.InvoiceStateSettled) != (preimage != nil) {
		return domain.ErrInvoiceStateConflict
	}
	if !state.IsTerminal() {
		return domain.ErrInvoiceStateConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[rHash]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	if inv.State.IsTerminal() {
		return domain.ErrInvoiceStateConflict
	}
	inv.State = state
	inv.Preimage = preimage
	inv.ResolvedAt = time.Now().UTC()
	return nil
}

func (m *memStore) MarkInvoiceAccepted(ctx context.Context, rHash lntypes.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[rHash]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	if inv.State != domain.InvoiceStateOpen {
		return domain.ErrInvoiceStateConflict
	}
	inv.State = domain.InvoiceStateAccepted
	return nil
}

func (m *memStore) ListUnresolvedInvoices(ctx context.Context) ([]*domain.HodlInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.HodlInvoice
	for _, inv := range m.invoices {
		if !inv.State.IsTerminal() {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

// OrderLog

func (m *memStore) RecordOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.orders[orderID]; dup {
		return false, nil
	}
	m.orders[orderID] = struct{}{}
	return true, nil
}

// FeeRepository

func (m *memStore) InsertFundingFeeEvent(ctx context.Context, ev *domain.FundingFeeEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.fees {
		if existing.PositionID == ev.PositionID && existing.DueDate.Equal(ev.DueDate) {
			return false, nil
		}
	}
	m.nextFeeID++
	cp := *ev
	cp.ID = m.nextFeeID
	m.fees = append(m.fees, &cp)
	return true, nil
}

func (m *memStore) ListUnpaidFundingFees(ctx context.Context, positionID int64) ([]*domain.FundingFeeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.FundingFeeEvent
	for _, ev := range m.fees {
		if ev.PositionID == positionID && ev.PaidDate == nil {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) InsertRoutingFeeEvent(ctx context.Context, ev *domain.RoutingFeeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.routing = append(m.routing, &cp)
	return nil
}

func (m *memStore) ListRoutingFeeEvents(ctx context.Context, limit int) ([]*domain.RoutingFeeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.routing
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IntentRepository

func (m *memStore) CreateIntent(ctx context.Context, intent *domain.JitIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.intents[intent.AliasID]; ok && !existing.Consumed {
		return domain.ErrAliasTaken
	}
	cp := *intent
	m.intents[intent.AliasID] = &cp
	return nil
}

func (m *memStore) GetIntentByAlias(ctx context.Context, alias uint64) (*domain.JitIntent, error) {
	if m.IntentGate != nil {
		<-m.IntentGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[alias]
	if !ok || intent.Consumed {
		return nil, domain.ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (m *memStore) ConsumeIntent(ctx context.Context, alias uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[alias]
	if !ok || intent.Consumed {
		return domain.ErrIntentNotFound
	}
	intent.Consumed = true
	return nil
}

func (m *memStore) ReleaseExpiredIntents(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, intent := range m.intents {
		if !intent.Consumed && intent.Expired(now) {
			intent.Consumed = true
			released++
		}
	}
	return released, nil
}

// MockTransport scripts the counterparty's responses.
type MockTransport struct {
	mu        sync.Mutex
	Proposals []*domain.ContractProposal
	Finalized []uuid.UUID
	SignErr   error         // returned instead of a signature
	Gate      chan struct{} // when set, AwaitSignature blocks until closed
	Invalid   bool          // respond with an invalid signature
	TxHex     string
	TxErr     error
}

func (m *MockTransport) SendProposal(ctx context.Context, proposal *domain.ContractProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Proposals = append(m.Proposals, proposal)
	return nil
}

func (m *MockTransport) AwaitSignature(ctx context.Context, protocolID uuid.UUID) (*domain.ContractSignature, error) {
	m.mu.Lock()
	gate := m.Gate
	signErr := m.SignErr
	invalid := m.Invalid
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if signErr != nil {
		return nil, signErr
	}
	return &domain.ContractSignature{ProtocolID: protocolID, Valid: !invalid}, nil
}

func (m *MockTransport) SendFinalize(ctx context.Context, protocolID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Finalized = append(m.Finalized, protocolID)
	return nil
}

func (m *MockTransport) LatestExecutionTx(ctx context.Context, channelID string) (string, error) {
	return m.TxHex, m.TxErr
}

func (m *MockTransport) ProposalTypes() []domain.ProtocolType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProtocolType, len(m.Proposals))
	for i, p := range m.Proposals {
		out[i] = p.Type
	}
	return out
}

// MockNode records node interactions.
type MockNode struct {
	mu             sync.Mutex
	HoldAdded      []lntypes.Hash
	Settled        []lntypes.Preimage
	Canceled       []lntypes.Hash
	Broadcasts     []string
	SettleErr      error
	SettleFailures int // fail this many settles before succeeding
	ConfErr        error
}

func (m *MockNode) AddHoldInvoice(ctx context.Context, rHash lntypes.Hash, amount btcutil.Amount, memo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HoldAdded = append(m.HoldAdded, rHash)
	return "lnbc1invoice", nil
}

func (m *MockNode) SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SettleErr != nil {
		return m.SettleErr
	}
	if m.SettleFailures > 0 {
		m.SettleFailures--
		return errors.New("node unavailable")
	}
	m.Settled = append(m.Settled, preimage)
	return nil
}

func (m *MockNode) CancelInvoice(ctx context.Context, rHash lntypes.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Canceled = append(m.Canceled, rHash)
	return nil
}

func (m *MockNode) BroadcastTransaction(ctx context.Context, txHex string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Broadcasts = append(m.Broadcasts, txHex)
	return "txid-" + txHex, nil
}

func (m *MockNode) WaitForConfirmation(ctx context.Context, txid string, numConfs uint32) error {
	return m.ConfErr
}

func (m *MockNode) BroadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Broadcasts)
}

// MockMarket returns fixed market data.
type MockMarket struct {
	Price decimal.Decimal
	Rate  decimal.Decimal
	Err   error
}

func (m *MockMarket) MarkPrice(ctx context.Context) (decimal.Decimal, error) {
	return m.Price, m.Err
}

func (m *MockMarket) FundingRate(ctx context.Context) (decimal.Decimal, error) {
	return m.Rate, m.Err
}

// MockRevert scripts the counterparty's answer to a revert proposal.
type MockRevert struct {
	mu           sync.Mutex
	Accept       bool
	Err          error
	ChannelID    string
	TraderAmount btcutil.Amount
	Calls        int
}

func (m *MockRevert) ProposeRevert(ctx context.Context, channelID string, traderAmount, coordinatorAmount btcutil.Amount, price decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.ChannelID = channelID
	m.TraderAmount = traderAmount
	return m.Accept, m.Err
}

func (m *MockRevert) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}
