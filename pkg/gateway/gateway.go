// Package gateway exposes the marketplace coordinator as a local HTTP API
// with a WebSocket stream of session, progress and listing events.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/content"
	"github.com/DeBrosOfficial/datamarket/pkg/faucet"
	"github.com/DeBrosOfficial/datamarket/pkg/logging"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
	"github.com/DeBrosOfficial/datamarket/pkg/marketplace"
	"github.com/DeBrosOfficial/datamarket/pkg/purchase"
	"github.com/DeBrosOfficial/datamarket/pkg/wallet"
)

// Marketplace is the coordinator surface the API serves.
// *marketplace.Coordinator implements it.
type Marketplace interface {
	Session() wallet.Session
	RequiredChainID() uint64
	Connect(ctx context.Context) (wallet.Session, error)
	Disconnect(ctx context.Context) wallet.Session
	SwitchNetwork(ctx context.Context) error

	Listings(ctx context.Context) ([]market.Listing, error)
	RefreshListings(ctx context.Context) ([]market.Listing, error)
	// FetchListings treats pageSize 0 as the configured page size.
	FetchListings(ctx context.Context, pageSize, offset int) ([]market.Listing, error)

	Purchase(ctx context.Context, listingID string) (purchase.Progress, error)
	Progress() purchase.Progress
	Dismiss() purchase.Progress
	ShowProgress() purchase.Progress
	Recheck(ctx context.Context) (purchase.Progress, error)
	History(ctx context.Context) ([]market.PurchaseRecord, error)

	Download(ctx context.Context, contentID string) (*content.Result, error)
	RequestTestTokens(ctx context.Context) (faucet.Response, error)
	Balance(ctx context.Context) (marketplace.Balance, error)

	Subscribe(fn func(marketplace.Event)) func()
}

// Gateway is the control API server.
type Gateway struct {
	cfg    Config
	market Marketplace
	logger *logging.ColoredLogger

	router        chi.Router
	events        *eventHub
	faucetLimiter *RateLimiter

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu     sync.Mutex
	server *http.Server
}

// New builds the router and starts relaying coordinator events to
// WebSocket clients.
func New(cfg Config, m Marketplace, logger *logging.ColoredLogger) *Gateway {
	if logger == nil {
		logger = logging.NewNop()
	}
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:    cfg,
		market: m,
		logger: logger,
		events: newEventHub(logger),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.FaucetRatePerMinute > 0 {
		g.faucetLimiter = NewRateLimiter(cfg.FaucetRatePerMinute, cfg.FaucetBurst)
		g.faucetLimiter.StartCleanup(ctx, 5*time.Minute, time.Hour)
	}

	g.unsubscribe = m.Subscribe(g.events.broadcast)
	g.router = g.routes()

	logger.ComponentInfo(logging.ComponentGateway, "Control API initialized",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Uint64("required_chain_id", m.RequiredChainID()),
		zap.Bool("faucet_rate_limited", g.faucetLimiter != nil))
	return g
}

// Router exposes the handler for tests and embedding.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Start serves until ctx is cancelled, then shuts down.
func (g *Gateway) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.cfg.ListenAddr, err)
	}
	return g.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (g *Gateway) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	g.logger.ComponentInfo(logging.ComponentGateway, "Control API listening",
		zap.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return g.Stop()
	case err, ok := <-errCh:
		if ok {
			g.logger.ComponentError(logging.ComponentGateway, "Control API server error", zap.Error(err))
			return err
		}
		return nil
	}
}

// Stop closes event streams and gracefully stops the server.
func (g *Gateway) Stop() error {
	g.Close()

	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.logger.ComponentInfo(logging.ComponentGateway, "Control API shutting down")
	return srv.Shutdown(ctx)
}

// Close stops relaying events and disconnects stream clients. It is safe to
// call more than once.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	unsub := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	g.events.closeAll()
}
