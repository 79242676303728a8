package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/storage"
)

func main() {
	dbPath := "coordinator.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	channels, err := store.ListChannels(ctx)
	if err != nil {
		fmt.Printf("Failed to list channels: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d channels:\n", len(channels))
	for _, ch := range channels {
		fmt.Printf("- Channel %s [%s]\n", ch.UserChannelID, ch.State)
		fmt.Printf("  counterparty=%s capacity=%d balance=%d alias=%d expiry=%s\n",
			ch.CounterpartyPubKey, ch.Capacity, ch.Balance, ch.AliasID,
			ch.ContractExpiry.Format("2006-01-02 15:04"))

		if inst, err := store.ActiveProtocol(ctx, ch.UserChannelID); err == nil {
			fmt.Printf("  ⚠️ Active protocol: %s type=%s state=%s attempts=%d\n",
				inst.ProtocolID, inst.Type, inst.State, inst.Attempts)
		}

		pos, err := store.GetOpenPosition(ctx, ch.UserChannelID)
		if err != nil {
			fmt.Printf("  No open position\n")
			continue
		}
		fmt.Printf("  ✅ Position %d: %s qty=%s entry=%s margin=%d pnl=%d\n",
			pos.ID, pos.Direction, pos.Quantity, pos.AverageEntryPrice,
			pos.TraderMargin, pos.RealizedPnLSats)

		fees, err := store.ListUnpaidFundingFees(ctx, pos.ID)
		if err != nil {
			fmt.Printf("  ❌ Failed to list funding fees: %v\n", err)
			continue
		}
		for _, fee := range fees {
			fmt.Printf("  Unpaid funding fee %d: %d sats due %s\n",
				fee.ID, fee.AmountSats, fee.DueDate.Format("2006-01-02 15:04"))
		}
	}
}
