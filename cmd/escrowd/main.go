package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"escrowcore/config"
	"escrowcore/core/events"
	"escrowcore/native/assets"
	"escrowcore/native/bank"
	"escrowcore/native/escrow"
	"escrowcore/native/lending"
	"escrowcore/native/multisig"
	"escrowcore/observability"
	"escrowcore/observability/logging"
	"escrowcore/storage"
)

// vaultAddress is the account holding all engine-managed funds. Fixed per
// deployment; a trade never references it directly.
var vaultAddress = [20]byte{0xec, 0x40, 0x11, 0xec, 0x40, 0x11, 0xec, 0x40, 0x11, 0xec, 0x40, 0x11, 0xec, 0x40, 0x11, 0xec, 0x40, 0x11, 0xec, 0x01}

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.ServiceName, cfg.Environment)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	state := assets.NewStoreState(db)
	adapter := assets.NewAdapter(state, vaultAddress)
	replay := escrow.NewReplayGuard(db)

	var emitter events.Emitter = &events.Recorder{}
	if cfg.MetricsEnabled {
		counted, err := observability.NewEventCounter(prometheus.DefaultRegisterer, emitter)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		emitter = counted
	}

	engine := escrow.NewEngine(escrow.NewLedger(db), replay, adapter)
	engine.SetEmitter(emitter)
	if treasury, ok := parseAddress(cfg.FeeTreasury); ok {
		engine.SetFeeDefaults(treasury, cfg.DefaultFeeBps)
		logging.ForEngine(logger, "escrow").Info("fee defaults configured",
			"treasury", hex.EncodeToString(treasury[:]),
			"defaultFeeBps", cfg.DefaultFeeBps,
		)
	}

	transfers := bank.NewService(db, replay, adapter)
	transfers.SetEmitter(emitter)

	registry := assets.NewStoreRegistry(db)
	loans := lending.NewEngine(db, replay, adapter, registry)
	loans.SetEmitter(emitter)

	if len(cfg.MultisigOwners) > 0 {
		owners, err := parseOwners(cfg.MultisigOwners)
		if err != nil {
			return fmt.Errorf("multisig owners: %w", err)
		}
		wallet, err := multisig.NewCoordinator(db, adapter, assets.Native(), owners, cfg.MultisigThreshold, big.NewInt(cfg.MultisigDailyLimit))
		if err != nil {
			return fmt.Errorf("start multisig wallet: %w", err)
		}
		wallet.SetEmitter(emitter)
		logging.ForEngine(logger, "multisig").Info("operator wallet ready",
			"owners", len(owners),
			"threshold", cfg.MultisigThreshold,
		)
	}

	logger.Info("escrowd started",
		"dataDir", cfg.DataDir,
		"metrics", cfg.MetricsEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("escrowd shutting down")
	return nil
}

func parseAddress(raw string) ([20]byte, bool) {
	var out [20]byte
	trimmed := strings.TrimSpace(strings.TrimPrefix(raw, "0x"))
	if len(trimmed) != 40 {
		return out, false
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, false
	}
	copy(out[:], decoded)
	return out, true
}

func parseOwners(raw []string) ([][20]byte, error) {
	owners := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		owner, ok := parseAddress(entry)
		if !ok {
			return nil, fmt.Errorf("invalid owner address %q", entry)
		}
		owners = append(owners, owner)
	}
	return owners, nil
}
