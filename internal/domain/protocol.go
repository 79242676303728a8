package domain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ProtocolType string

const (
	ProtocolOpenChannel    ProtocolType = "open-channel"
	ProtocolOpenPosition   ProtocolType = "open-position"
	ProtocolResizePosition ProtocolType = "resize-position"
	ProtocolRollover       ProtocolType = "rollover"
	ProtocolSettle         ProtocolType = "settle"
	ProtocolClose          ProtocolType = "close"
	ProtocolForceClose     ProtocolType = "force-close"
)

type ProtocolState string

const (
	// ProtocolStatePending: row created, proposal not yet acknowledged.
	ProtocolStatePending ProtocolState = "PENDING"
	// ProtocolStateSigned: we sent our adaptor signatures. From here the
	// instance can no longer be canceled, only completed or recovered.
	ProtocolStateSigned    ProtocolState = "SIGNED"
	ProtocolStateCommitted ProtocolState = "COMMITTED"
	ProtocolStateFailed    ProtocolState = "FAILED"
	ProtocolStateAborted   ProtocolState = "ABORTED"
)

func (s ProtocolState) IsTerminal() bool {
	switch s {
	case ProtocolStateCommitted, ProtocolStateFailed, ProtocolStateAborted:
		return true
	}
	return false
}

// ProtocolInstance is one contract-lifecycle operation on a channel. At most
// one non-terminal instance may exist per channel at any time; a failed
// instance is never retried, a fresh one must be created.
type ProtocolInstance struct {
	ProtocolID    uuid.UUID
	ChannelID     string // UserChannelID
	Type          ProtocolType
	State         ProtocolState
	Attempts      int
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransitionParams carries the per-type inputs of a protocol instance.
type TransitionParams struct {
	// Open/resize: matched trade the transition realizes.
	Trade *TradeMatch
	// Settle/close: the price the contract settles at.
	SettlementPrice decimal.Decimal
	// Open-channel: amount the inbound HTLC funds the channel with.
	FundAmount btcutil.Amount
	// Rollover: the new contract expiry.
	NewExpiry time.Time
}

// ContractProposal is what we send the counterparty when driving an instance.
// The wire encoding is the transport's concern.
type ContractProposal struct {
	ProtocolID        uuid.UUID
	ChannelID         string
	Type              ProtocolType
	TraderAmount      btcutil.Amount
	CoordinatorAmount btcutil.Amount
	ContractExpiry    time.Time
	Position          *Position // nil for settle/close
}

// ContractSignature is the counterparty's acknowledgment of a proposal.
type ContractSignature struct {
	ProtocolID uuid.UUID
	Valid      bool
}

// ProtocolCommit bundles everything a committed instance mutates so the store
// can apply it in a single atomic write.
type ProtocolCommit struct {
	Instance *ProtocolInstance
	Channel  *Channel
	// Position is the upserted open position, or, when ClearPos is set, the
	// final snapshot archived to history. ClearPos alone governs clearing.
	Position    *Position
	ClearPos    bool
	PaidFeeIDs  []int64
	PaidFeeDate time.Time
}
