// Package network gates ledger operations on the required chain.
package network

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
	"github.com/DeBrosOfficial/datamarket/pkg/wallet"
)

// Guard compares the session chain with the required chain.
type Guard struct {
	required uint64
	name     string
	provider provider.Provider
	logger   *zap.Logger
}

// NewGuard creates a guard for chainID. p may be nil; switching then fails
// with ErrProviderUnavailable.
func NewGuard(chainID uint64, name string, p provider.Provider, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{required: chainID, name: name, provider: p, logger: logger}
}

// RequiredChainID returns the chain the guard passes.
func (g *Guard) RequiredChainID() uint64 { return g.required }

// IsCorrectNetwork reports whether s is on the required chain.
func (g *Guard) IsCorrectNetwork(s wallet.Session) bool {
	return s.Connected && s.ChainID == g.required
}

// Check returns ErrNotConnected or ErrWrongNetwork when s may not run
// ledger operations.
func (g *Guard) Check(s wallet.Session) error {
	if !s.Connected {
		return errors.ErrNotConnected
	}
	if s.ChainID != g.required {
		return errors.WithKind(errors.ErrWrongNetwork,
			fmt.Sprintf("connected to chain %d, switch to %s (%d)", s.ChainID, g.label(), g.required), nil)
	}
	return nil
}

// RequestSwitch asks the provider to move to the required chain. The error
// is returned as-is to the caller; nothing is retried.
func (g *Guard) RequestSwitch(ctx context.Context) error {
	if g.provider == nil {
		return errors.ErrProviderUnavailable
	}
	err := g.provider.SwitchChain(ctx, g.required)
	if err == nil {
		g.logger.Info("chain switch accepted", zap.Uint64("chain_id", g.required))
		return nil
	}
	g.logger.Warn("chain switch failed", zap.Uint64("chain_id", g.required), zap.Error(err))

	code, ok := errors.ProviderCode(err)
	switch {
	case ok && code == errors.ProviderCodeUserRejected:
		return errors.WithKind(errors.ErrSwitchRejected, "", err)
	case ok && (code == errors.ProviderCodeUnsupportedMethod ||
		code == errors.RPCCodeMethodNotFound ||
		code == errors.ProviderCodeUnrecognizedChain):
		return errors.WithKind(errors.ErrSwitchUnsupported,
			fmt.Sprintf("provider cannot switch to %s", g.label()), err)
	case errors.IsProviderUnavailable(err):
		return err
	default:
		return errors.WithKind(errors.ErrSwitchUnsupported, "", err)
	}
}

func (g *Guard) label() string {
	if g.name != "" {
		return g.name
	}
	return fmt.Sprintf("chain %d", g.required)
}
