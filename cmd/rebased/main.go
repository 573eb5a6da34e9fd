package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"rebasenet/cmd/internal/passphrase"
	"rebasenet/config"
	"rebasenet/core"
	"rebasenet/core/outbox"
	"rebasenet/crypto"
	"rebasenet/observability"
	"rebasenet/observability/logging"
	"rebasenet/rpc"
	"rebasenet/storage"
)

func main() {
	configFile := flag.String("config", "./rebased.toml", "Path to the configuration file")
	rpcAddrFlag := flag.String("rpc", "", "RPC listen address (overrides config RPCAddress)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("REBASED_ENV"))
	logger := logging.SetupWithSink("rebased", env, logging.FileSink{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	box, err := outbox.Open(filepath.Join(cfg.DataDir, "outbox.db"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open voucher outbox: %v", err))
	}
	defer box.Close()

	passSource := passphrase.NewSource(cfg.BridgePassEnv)
	pass, err := passSource.Get()
	if err != nil {
		panic(fmt.Sprintf("Failed to resolve keystore passphrase: %v", err))
	}
	signer, created, err := crypto.EnsureKeystore(cfg.BridgeKeystorePath, pass)
	if err != nil {
		panic(fmt.Sprintf("Failed to load bridge key: %v", err))
	}
	if created {
		logger.Info("generated bridge signing key", "keystore", cfg.BridgeKeystorePath)
	}

	operator, err := cfg.OperatorAddress()
	if err != nil {
		panic(fmt.Sprintf("Invalid operator address: %v", err))
	}
	initialRate, err := cfg.Rate()
	if err != nil {
		panic(fmt.Sprintf("Invalid initial rate: %v", err))
	}
	remote, hasRemote, err := cfg.RemoteSignerAddress()
	if err != nil {
		panic(fmt.Sprintf("Invalid remote signer: %v", err))
	}

	node, err := core.NewNode(db, box, signer, core.NodeConfig{
		ChainID:         cfg.ChainID,
		Operator:        operator,
		InitialRate:     initialRate,
		BridgeQuota:     cfg.Quota(),
		RemoteSigner:    remote,
		HasRemoteSigner: hasRemote,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}
	node.SetLogger(logger)

	applyPauses(node, cfg.Pauses, logger)
	go countEvents(node)

	depth, err := node.OutboxDepth()
	if err != nil {
		panic(fmt.Sprintf("Failed to read outbox: %v", err))
	}
	logger.Info("node ready",
		"chainId", node.ChainID(),
		"bridgeAddress", node.BridgeAddress().String(),
		"remoteSignerConfigured", hasRemote,
		"outboxDepth", depth,
	)

	rpcAddr := cfg.RPCAddress
	if strings.TrimSpace(*rpcAddrFlag) != "" {
		rpcAddr = *rpcAddrFlag
	}
	token := cfg.RPCToken()
	if token == "" {
		logger.Warn("RPC token not set; mutating methods are disabled", "env", cfg.RPCTokenEnv)
	} else {
		logger.Info("RPC auth enabled", logging.MaskField("token", token))
	}

	server := rpc.NewServer(node, rpc.ServerConfig{AuthToken: token, Logger: logger})
	if err := server.Start(rpcAddr); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// applyPauses makes the config authoritative for module pauses at boot.
func applyPauses(node *core.Node, pauses config.PausesConfig, logger *slog.Logger) {
	for module, paused := range map[string]bool{
		"rebase": pauses.Rebase,
		"bridge": pauses.Bridge,
		"vault":  pauses.Vault,
	} {
		if err := node.SetPaused(module, paused); err != nil {
			panic(fmt.Sprintf("Failed to apply pause for %s: %v", module, err))
		}
		if paused {
			logger.Warn("module paused by config", "module", module)
		}
	}
}

// countEvents drains the event stream into the event counters.
func countEvents(node *core.Node) {
	events, cancel := node.Subscribe(256)
	defer cancel()
	for evt := range events {
		observability.Events().RecordEvent(evt.Type)
	}
}
