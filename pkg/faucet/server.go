// Package faucet hands out test payment tokens. The server mints to any
// address that asks; the client is what the marketplace calls.
package faucet

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/DeBrosOfficial/datamarket/pkg/httputil"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger"
	"github.com/DeBrosOfficial/datamarket/pkg/logging"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
)

// Minter submits a token mint. *ledger.Ledger implements it.
type Minter interface {
	Mint(ctx context.Context, from, to common.Address, amount *big.Int) (*ledger.Tx, error)
}

// ServerConfig configures the faucet server.
type ServerConfig struct {
	ListenAddr string
	Operator   common.Address
	// MintAmount is in whole tokens.
	MintAmount int64
	// TokenSymbol is only used in response messages.
	TokenSymbol string
	// TLS, when set, serves HTTPS on ListenAddr.
	TLS *TLSConfig
}

// Server is the faucet HTTP server.
type Server struct {
	cfg    ServerConfig
	minter Minter
	amount *big.Int
	logger *logging.ColoredLogger
	router chi.Router
	server *http.Server

	certManager *autocert.Manager
	challenge   *http.Server
}

// NewServer builds the router. A nil minter yields a server that answers
// 503 to token requests, so liveness still works while the chain is down.
func NewServer(cfg ServerConfig, minter Minter, logger *logging.ColoredLogger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "MockUSDC"
	}

	s := &Server{
		cfg:    cfg,
		minter: minter,
		amount: ledger.UnitsToMinor(cfg.MintAmount),
		logger: logger,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors)

	s.router.Get("/", s.handleHome)
	s.router.Post("/request-tokens", s.handleRequestTokens)
	return s
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s faucet is running!", s.cfg.TokenSymbol)
}

func (s *Server) handleRequestTokens(w http.ResponseWriter, r *http.Request) {
	if s.minter == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "Faucet service not properly initialized. Please try again later.")
		return
	}

	var req Request
	if err := httputil.DecodeJSONStrict(w, r, &req); err != nil || req.Address == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Missing 'address' in request body")
		return
	}
	to, err := market.ParseAddress(req.Address)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid recipient Ethereum address")
		return
	}

	s.logger.ComponentInfo(logging.ComponentFaucet, "Minting test tokens",
		zap.String("to", to.Hex()),
		zap.Int64("units", s.cfg.MintAmount),
		zap.String("request_id", middleware.GetReqID(r.Context())))

	// The receipt is not awaited; callers follow the hash on an explorer.
	tx, err := s.minter.Mint(r.Context(), s.cfg.Operator, to, s.amount)
	if err != nil {
		s.logger.ComponentError(logging.ComponentFaucet, "Failed to send mint transaction",
			zap.String("to", to.Hex()),
			zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to send transaction")
		return
	}

	s.logger.ComponentInfo(logging.ComponentFaucet, "Mint transaction sent",
		zap.String("to", to.Hex()),
		zap.String("tx_hash", tx.Hash().Hex()))

	httputil.WriteJSON(w, http.StatusOK, Response{
		Message:         fmt.Sprintf("%d %s mint transaction sent to %s.", s.cfg.MintAmount, s.cfg.TokenSymbol, to.Hex()),
		TransactionHash: tx.Hash().Hex(),
	})
}

// cors allows browser front ends on other origins to call the faucet.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.TLS != nil {
		listener, err := s.ListenTLS(s.cfg.ListenAddr)
		if err != nil {
			return err
		}
		return s.Serve(ctx, listener)
	}
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.ComponentInfo(logging.ComponentFaucet, "Faucet server starting",
		zap.String("listen_addr", listener.Addr().String()),
		zap.String("operator", s.cfg.Operator.Hex()),
		zap.Int64("mint_units", s.cfg.MintAmount))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errCh:
		if ok {
			s.logger.ComponentError(logging.ComponentFaucet, "Faucet server error", zap.Error(err))
			return err
		}
		return nil
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.ComponentInfo(logging.ComponentFaucet, "Faucet server shutting down")
	if s.challenge != nil {
		_ = s.challenge.Shutdown(ctx)
	}
	return s.server.Shutdown(ctx)
}
