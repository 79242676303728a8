package domain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

type ChannelState string

const (
	// ChannelStateAnnounced marks a channel whose alias has been issued but
	// which is not yet funded.
	ChannelStateAnnounced ChannelState = "ANNOUNCED"
	ChannelStatePending   ChannelState = "PENDING"
	ChannelStateOpen      ChannelState = "OPEN"
	ChannelStateClosed    ChannelState = "CLOSED"
	// ChannelStateForceClosedLocal means we broadcast the last contract
	// execution transaction ourselves.
	ChannelStateForceClosedLocal  ChannelState = "FORCE_CLOSED_LOCAL"
	ChannelStateForceClosedRemote ChannelState = "FORCE_CLOSED_REMOTE"
)

// IsTerminal reports whether the channel can never transition again.
func (s ChannelState) IsTerminal() bool {
	switch s {
	case ChannelStateClosed, ChannelStateForceClosedLocal, ChannelStateForceClosedRemote:
		return true
	}
	return false
}

// Channel is the persistent record of a DLC payment channel between a trader
// and the coordinator. UserChannelID is generated locally and stays stable
// across renegotiations; ChannelID is assigned once the funding transaction
// is anchored on-chain.
type Channel struct {
	UserChannelID      string
	ChannelID          string // empty until anchored
	CounterpartyPubKey string
	Capacity           btcutil.Amount
	Balance            btcutil.Amount // trader side
	FundingTxID        string
	AliasID            uint64 // fake SCID routing hint, 0 when consumed
	LiquidityTierID    int64
	ContractExpiry     time.Time
	State              ChannelState
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JitIntent is a pending just-in-time channel open: the alias has been handed
// to the trader as a routing hint and we are waiting for an HTLC referencing
// it. An alias identifies at most one unconsumed intent at a time.
type JitIntent struct {
	AliasID      uint64
	TraderPubKey string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Consumed     bool
}

func (i *JitIntent) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}
