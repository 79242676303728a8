package domain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
)

// ChannelRepository defines storage operations for channels.
type ChannelRepository interface {
	SaveChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, userChannelID string) (*Channel, error)
	GetChannelByCounterparty(ctx context.Context, pubkey string, states ...ChannelState) (*Channel, error)
	GetChannelByAlias(ctx context.Context, alias uint64) (*Channel, error)
	ListChannels(ctx context.Context, states ...ChannelState) ([]*Channel, error)
}

// ProtocolRepository defines storage operations for protocol instances.
// CreateProtocol must fail with ErrProtocolInFlight when a non-terminal
// instance already exists for the channel; CommitProtocol applies the whole
// commit bundle in a single atomic write.
type ProtocolRepository interface {
	CreateProtocol(ctx context.Context, inst *ProtocolInstance) error
	GetProtocol(ctx context.Context, id uuid.UUID) (*ProtocolInstance, error)
	ActiveProtocol(ctx context.Context, channelID string) (*ProtocolInstance, error)
	ListNonTerminal(ctx context.Context) ([]*ProtocolInstance, error)
	UpdateProtocol(ctx context.Context, inst *ProtocolInstance) error
	CommitProtocol(ctx context.Context, commit *ProtocolCommit) error
}

// PositionRepository defines read access to positions. Mutations go through
// ProtocolRepository.CommitProtocol only.
type PositionRepository interface {
	GetOpenPosition(ctx context.Context, channelID string) (*Position, error)
	ListOpenPositions(ctx context.Context) ([]*Position, error)
	ListClosedPositions(ctx context.Context, limit int) ([]*ClosedPosition, error)
}

// InvoiceRepository defines storage operations for hodl invoices.
type InvoiceRepository interface {
	SaveInvoice(ctx context.Context, inv *HodlInvoice) error
	GetInvoice(ctx context.Context, rHash lntypes.Hash) (*HodlInvoice, error)
	// ResolveInvoice transitions the invoice to a terminal state. A settle
	// must carry the preimage, a fail must not; any other combination is
	// rejected with ErrInvoiceStateConflict.
	ResolveInvoice(ctx context.Context, rHash lntypes.Hash, state InvoiceState, preimage *lntypes.Preimage) error
	MarkInvoiceAccepted(ctx context.Context, rHash lntypes.Hash) error
	// ListUnresolvedInvoices returns every invoice still Open or Accepted,
	// for the startup reconciliation pass.
	ListUnresolvedInvoices(ctx context.Context) ([]*HodlInvoice, error)
}

// FeeRepository defines storage operations for funding and routing fees.
type FeeRepository interface {
	// InsertFundingFeeEvent is idempotent on (PositionID, DueDate): a
	// duplicate insert is a no-op and returns false.
	InsertFundingFeeEvent(ctx context.Context, ev *FundingFeeEvent) (bool, error)
	ListUnpaidFundingFees(ctx context.Context, positionID int64) ([]*FundingFeeEvent, error)
	InsertRoutingFeeEvent(ctx context.Context, ev *RoutingFeeEvent) error
	ListRoutingFeeEvents(ctx context.Context, limit int) ([]*RoutingFeeEvent, error)
}

// OrderLog durably records which order ids have been handled, so a trade
// match redelivered after a reconnect or restart is never executed twice.
type OrderLog interface {
	// RecordOrder claims the order id. Returns false when it was already
	// claimed by an earlier delivery.
	RecordOrder(ctx context.Context, orderID string) (bool, error)
}

// IntentRepository defines storage operations for just-in-time intents.
// CreateIntent must fail with ErrAliasTaken while the alias has an unconsumed,
// unexpired intent.
type IntentRepository interface {
	CreateIntent(ctx context.Context, intent *JitIntent) error
	GetIntentByAlias(ctx context.Context, alias uint64) (*JitIntent, error)
	ConsumeIntent(ctx context.Context, alias uint64) error
	ReleaseExpiredIntents(ctx context.Context, now time.Time) (int, error)
}

// LightningNode abstracts the coordinator's Lightning node: hodl invoice
// management, transaction broadcast and confirmation watching. Implemented
// over lnd grpc in infrastructure.
type LightningNode interface {
	AddHoldInvoice(ctx context.Context, rHash lntypes.Hash, amount btcutil.Amount, memo string) (string, error)
	SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error
	CancelInvoice(ctx context.Context, rHash lntypes.Hash) error
	BroadcastTransaction(ctx context.Context, txHex string) (string, error)
	WaitForConfirmation(ctx context.Context, txid string, numConfs uint32) error
}

// DlcTransport delivers contract proposals to the counterparty and awaits
// their signatures. Delivery is reliable-ordered per channel but unreliable
// across restarts; callers must tolerate redelivery. AwaitSignature blocks
// until a signature arrives or the context deadline expires.
type DlcTransport interface {
	SendProposal(ctx context.Context, proposal *ContractProposal) error
	AwaitSignature(ctx context.Context, protocolID uuid.UUID) (*ContractSignature, error)
	SendFinalize(ctx context.Context, protocolID uuid.UUID) error
	// LatestExecutionTx returns the most recent mutually signed contract
	// execution transaction for the channel, for unilateral broadcast.
	LatestExecutionTx(ctx context.Context, channelID string) (string, error)
}

// RevertTransport is the alternate (HTTP) path used by the recovery handler
// for a cooperative off-protocol settlement when the DLC messaging path is
// broken.
type RevertTransport interface {
	ProposeRevert(ctx context.Context, channelID string, traderAmount, coordinatorAmount btcutil.Amount, price decimal.Decimal) (accepted bool, err error)
}

// PayoutFunc is the opaque payout-curve function: given the position backing
// a contract and a settlement price it returns the final trader and
// coordinator amounts. Pure and deterministic.
type PayoutFunc func(pos *Position, capacity btcutil.Amount, price decimal.Decimal) (trader, coordinator btcutil.Amount, err error)

// ForwardSource reports forwarding fees earned by the coordinator's node
// since a given time. Swept periodically into RoutingFeeEvents.
type ForwardSource interface {
	ForwardingEvents(ctx context.Context, since time.Time) ([]*RoutingFeeEvent, error)
}

// MarketData supplies the mark price and funding rate consumed by the
// funding scheduler. External collaborator.
type MarketData interface {
	MarkPrice(ctx context.Context) (decimal.Decimal, error)
	FundingRate(ctx context.Context) (decimal.Decimal, error)
}

// TradeFeed delivers matched trades from the external order book.
type TradeFeed interface {
	Matches() <-chan TradeMatch
}
