package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/lnd"
	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/logger"
	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/storage"
	"github.com/vitos/ln_dlc_coordinator/internal/usecase"
	"gopkg.in/yaml.v3"
)

// Operator tool: broadcast a known contract execution transaction and record
// the unilateral close. Used when automatic recovery exhausted its budget.

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Lnd lnd.Config `yaml:"lnd"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: force_close <channel_id> <execution_tx_hex>")
		os.Exit(1)
	}
	channelID := os.Args[1]
	txHex := os.Args[2]

	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger("info")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	node, err := lnd.NewClient(cfg.Lnd)
	if err != nil {
		fmt.Printf("Failed to connect to node: %v\n", err)
		os.Exit(1)
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	txid, err := node.BroadcastTransaction(ctx, txHex)
	if err != nil {
		fmt.Printf("❌ Failed to broadcast: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Broadcast %s, waiting for confirmation...\n", txid)

	if err := node.WaitForConfirmation(ctx, txid, 1); err != nil {
		fmt.Printf("❌ Confirmation wait failed: %v\n", err)
		os.Exit(1)
	}

	// The force-close path never touches contract messaging, so no transport
	// is wired here.
	tracker := usecase.NewProtocolTracker(store, store, store, store, nil, usecase.InversePayout, log, usecase.DefaultTrackerConfig())
	if _, err := tracker.ForceClose(ctx, channelID, true); err != nil {
		fmt.Printf("❌ Failed to record force-close: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Channel %s force-closed at %s\n", channelID, txid)
}
