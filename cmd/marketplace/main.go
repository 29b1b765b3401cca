package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/config"
	"github.com/DeBrosOfficial/datamarket/pkg/content"
	"github.com/DeBrosOfficial/datamarket/pkg/faucet"
	"github.com/DeBrosOfficial/datamarket/pkg/gateway"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger"
	"github.com/DeBrosOfficial/datamarket/pkg/listings"
	"github.com/DeBrosOfficial/datamarket/pkg/logging"
	"github.com/DeBrosOfficial/datamarket/pkg/marketplace"
	"github.com/DeBrosOfficial/datamarket/pkg/network"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
	"github.com/DeBrosOfficial/datamarket/pkg/provider/bridge"
	"github.com/DeBrosOfficial/datamarket/pkg/provider/keyed"
	"github.com/DeBrosOfficial/datamarket/pkg/purchase"
	"github.com/DeBrosOfficial/datamarket/pkg/storage"
	"github.com/DeBrosOfficial/datamarket/pkg/tlsutil"
	"github.com/DeBrosOfficial/datamarket/pkg/wallet"
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
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
		logger.ComponentError(logging.ComponentGeneral, "Marketplace stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.ComponentInfo(logging.ComponentGeneral, "Marketplace shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.ColoredLogger) error {
	store, err := storage.Open(ctx, cfg.Storage.Path, logger.For(logging.ComponentStorage))
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Storage.LegacyHistory != "" {
		importLegacy(ctx, store, cfg.Storage.LegacyHistory, logger)
	}

	// A missing provider leaves the marketplace up but unable to connect.
	p := dialProvider(ctx, cfg, logger)
	if p != nil {
		defer p.Close()
	}

	var backend ledger.Backend
	if p != nil {
		backend = p
	}
	l := ledger.New(backend, ledger.Config{
		Registry:     common.HexToAddress(cfg.Contracts.Registry),
		Token:        common.HexToAddress(cfg.Contracts.Token),
		PollInterval: cfg.Purchase.ReceiptPollInterval,
	}, logger.For(logging.ComponentLedger))

	mgr := wallet.NewManager(p, store.Preferences(), logger.For(logging.ComponentSession))
	guard := network.NewGuard(cfg.Chain.RequiredChainID, cfg.Chain.Name, p, logger.For(logging.ComponentNetwork))
	repo := listings.New(l, func() error { return guard.Check(mgr.Current()) },
		cfg.Listings.PageSize, cfg.Listings.Offset, logger.For(logging.ComponentListings))
	orch := purchase.New(l, mgr, guard, store.Purchases(), repo, purchase.Options{
		ConfirmationTimeout: cfg.Purchase.ConfirmationTimeout,
	}, logger.For(logging.ComponentPurchase))

	timeout := cfg.Content.Timeout
	if timeout <= 0 {
		timeout = content.DefaultTimeout
	}
	httpClient, err := tlsutil.NewHTTPClient(tlsutil.ClientOptions{
		Timeout: timeout,
		CACert:  cfg.Content.CACert,
		SOCKS5:  cfg.Content.SOCKS5,
	})
	if err != nil {
		return err
	}
	fetcher, err := content.New(content.Config{
		Gateways:    cfg.Content.Gateways,
		Timeout:     cfg.Content.Timeout,
		DownloadDir: cfg.Content.DownloadDir,
		Client:      httpClient,
	}, logger.For(logging.ComponentContent))
	if err != nil {
		return err
	}

	deps := marketplace.Deps{
		Wallet:    mgr,
		Guard:     guard,
		Listings:  repo,
		Purchases: orch,
		History:   store.Purchases(),
		Content:   fetcher,
		Tokens:    l,
	}
	if cfg.Faucet.URL != "" {
		deps.Faucet = faucet.NewClient(cfg.Faucet.URL, httpClient, logger.For(logging.ComponentFaucet))
	}

	coord := marketplace.New(deps, logger)
	coord.Start(ctx)
	defer coord.Close()

	api := gateway.New(apiConfig(cfg), coord, logger)
	defer api.Close()
	return api.Start(ctx)
}

// dialProvider returns nil when the configured provider cannot be reached.
func dialProvider(ctx context.Context, cfg *config.Config, logger *logging.ColoredLogger) provider.Provider {
	switch cfg.Provider.Kind {
	case config.ProviderBridge:
		p, err := bridge.Dial(ctx, bridge.Config{
			URL:            cfg.Provider.BridgeURL,
			RequestTimeout: cfg.Provider.RequestTimeout,
		}, logger.For(logging.ComponentSession))
		if err != nil {
			logger.ComponentWarn(logging.ComponentSession, "Wallet bridge unavailable",
				zap.String("url", cfg.Provider.BridgeURL), zap.Error(err))
			return nil
		}
		logger.ComponentInfo(logging.ComponentSession, "Connected to wallet bridge",
			zap.String("url", cfg.Provider.BridgeURL))
		return p

	default:
		keys, err := loadKeys(cfg.Provider)
		if err != nil {
			logger.ComponentError(logging.ComponentSession, "Failed to load signing keys", zap.Error(err))
			return nil
		}
		p, err := keyed.Dial(ctx, keyed.Config{
			Keys:    keys,
			RPCURLs: rpcURLs(cfg.Chain),
			ChainID: cfg.Chain.RequiredChainID,
		}, logger.For(logging.ComponentSession))
		if err != nil {
			logger.ComponentWarn(logging.ComponentSession, "RPC endpoint unavailable", zap.Error(err))
			return nil
		}
		logger.ComponentInfo(logging.ComponentSession, "Keyed provider ready",
			zap.Int("accounts", len(keys)),
			zap.Uint64("chain_id", cfg.Chain.RequiredChainID))
		return p
	}
}

func loadKeys(pc config.ProviderConfig) ([]*ecdsa.PrivateKey, error) {
	keys, err := keyed.ParseKeys(pc.PrivateKeys)
	if err != nil {
		return nil, err
	}
	for _, ks := range pc.Keystores {
		key, err := keyed.LoadKeystore(ks.Path, os.Getenv(ks.PasswordEnv))
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func rpcURLs(c config.ChainConfig) map[uint64]string {
	urls := make(map[uint64]string, len(c.RPCURLs)+1)
	for id, url := range c.RPCURLs {
		urls[id] = url
	}
	if url, ok := c.RPCURLFor(c.RequiredChainID); ok {
		urls[c.RequiredChainID] = url
	}
	return urls
}

func importLegacy(ctx context.Context, store *storage.Store, path string, logger *logging.ColoredLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.ComponentWarn(logging.ComponentStorage, "Cannot read legacy history", zap.String("path", path), zap.Error(err))
		return
	}
	res, err := store.MigrateLegacyJSON(ctx, data, path)
	if err != nil {
		logger.ComponentWarn(logging.ComponentStorage, "Legacy history import failed", zap.String("path", path), zap.Error(err))
		return
	}
	if res.AlreadyImported {
		logger.ComponentDebug(logging.ComponentStorage, "Legacy history already imported", zap.String("path", path))
		return
	}
	logger.ComponentInfo(logging.ComponentStorage, "Imported legacy history",
		zap.String("path", path),
		zap.Int("accounts", res.Accounts),
		zap.Int("records", res.Records),
		zap.Bool("connected_flag", res.Connected))
}
