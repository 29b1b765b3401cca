package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/config"
	"github.com/DeBrosOfficial/datamarket/pkg/faucet"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger"
	"github.com/DeBrosOfficial/datamarket/pkg/logging"
	"github.com/DeBrosOfficial/datamarket/pkg/provider/keyed"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to YAML config (default ~/.datamarket/faucet.yaml when present)")
	addr := flag.String("addr", "", "Listen address (overrides faucet.listen_addr)")
	flag.Parse()

	path := *configPath
	if path == "" {
		// An unknown home directory just means no default file.
		path, _ = config.DefaultPath("faucet.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Faucet.ListenAddr = *addr
	}
	if errs := cfg.ValidateFaucet(); len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "invalid faucet configuration (%d problems):\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.OutputFile,
		Colors: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ComponentError(logging.ComponentFaucet, "Faucet stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.ComponentInfo(logging.ComponentFaucet, "Faucet shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.ColoredLogger) error {
	keys, err := keyed.ParseKeys([]string{cfg.Faucet.OperatorKey})
	if err != nil {
		return fmt.Errorf("operator key: %w", err)
	}
	operator := crypto.PubkeyToAddress(keys[0].PublicKey)

	rpc, _ := cfg.Chain.RPCURLFor(cfg.Chain.RequiredChainID)
	p, err := keyed.Dial(ctx, keyed.Config{
		Keys:        keys,
		RPCURLs:     map[uint64]string{cfg.Chain.RequiredChainID: rpc},
		ChainID:     cfg.Chain.RequiredChainID,
		GasBuffer:   20000,
		FallbackGas: 200000,
		PriorityFee: keyed.Gwei(2),
	}, logger.For(logging.ComponentFaucet))
	if err != nil {
		return err
	}
	defer p.Close()

	l := ledger.New(p, ledger.Config{
		Token:        common.HexToAddress(cfg.Contracts.Token),
		PollInterval: cfg.Purchase.ReceiptPollInterval,
	}, logger.For(logging.ComponentLedger))

	logger.ComponentInfo(logging.ComponentFaucet, "Faucet operator ready",
		zap.String("operator", operator.Hex()),
		zap.String("token", strings.ToLower(cfg.Contracts.Token)),
		zap.Int64("mint_amount", cfg.Faucet.MintAmount))

	scfg := faucet.ServerConfig{
		ListenAddr: cfg.Faucet.ListenAddr,
		Operator:   operator,
		MintAmount: cfg.Faucet.MintAmount,
	}
	if t := cfg.Faucet.TLS; t.Enabled {
		scfg.TLS = &faucet.TLSConfig{
			Domain:   t.Domain,
			Email:    t.Email,
			CacheDir: t.CacheDir,
			CertFile: t.CertFile,
			KeyFile:  t.KeyFile,
			HTTPAddr: t.HTTPAddr,
			Staging:  t.Staging,
		}
	}
	srv := faucet.NewServer(scfg, l, logger)
	return srv.Start(ctx)
}
