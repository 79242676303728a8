package domain

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
)

// CircuitKey identifies an in-flight HTLC on the switch.
type CircuitKey struct {
	ChanID uint64
	HtlcID uint64
}

// HtlcPacket is one intercepted inbound HTLC. OutgoingChanID carries the
// short channel id from the routing hint; for just-in-time opens this is the
// fake alias SCID we issued.
type HtlcPacket struct {
	IncomingCircuitKey CircuitKey
	PaymentHash        lntypes.Hash
	Amount             btcutil.Amount
	OutgoingChanID     uint64
}

// HtlcResolution is the interceptor's verdict on a held HTLC.
type HtlcResolution int

const (
	// ResolutionResume lets the HTLC continue to its destination.
	ResolutionResume HtlcResolution = iota
	// ResolutionSettle claims the HTLC with a known preimage.
	ResolutionSettle
	// ResolutionFail fails the HTLC back upstream; no funds are held.
	ResolutionFail
)

func (r HtlcResolution) String() string {
	switch r {
	case ResolutionResume:
		return "RESUME"
	case ResolutionSettle:
		return "SETTLE"
	case ResolutionFail:
		return "FAIL"
	}
	return "UNKNOWN"
}
