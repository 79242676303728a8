package domain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
)

type InvoiceState string

const (
	InvoiceStateOpen     InvoiceState = "OPEN"
	InvoiceStateAccepted InvoiceState = "ACCEPTED"
	InvoiceStateSettled  InvoiceState = "SETTLED"
	InvoiceStateFailed   InvoiceState = "FAILED"
)

func (s InvoiceState) IsTerminal() bool {
	return s == InvoiceStateSettled || s == InvoiceStateFailed
}

// HodlInvoice is a Lightning invoice whose HTLC is accepted but deliberately
// not settled until a paired off-ledger condition is met. The preimage is
// populated if and only if the invoice is Settled.
type HodlInvoice struct {
	RHash        lntypes.Hash
	AmountSats   btcutil.Amount
	Preimage     *lntypes.Preimage
	State        InvoiceState
	OrderID      string // condition reference, empty when none
	CreatedAt    time.Time
	ResolvedAt   time.Time
}

// InvoiceUpdate is one state change published by the settlement gate.
type InvoiceUpdate struct {
	RHash lntypes.Hash
	State InvoiceState
	At    time.Time
}
