// Package ledger is the client side of the marketplace contracts: the
// DataRegistry listing query and purchase call, and the payment token's
// approve, mint and balance calls.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 2 * time.Second

// TokenDecimals is the payment token's decimals.
const TokenDecimals = 18

// Backend is what the ledger needs from a provider: reads plus submission.
type Backend interface {
	provider.Reader
	SendTransaction(ctx context.Context, req provider.TxRequest) (common.Hash, error)
}

// Config holds contract addresses and receipt polling.
type Config struct {
	Registry     common.Address
	Token        common.Address
	PollInterval time.Duration
}

// Ledger issues contract reads and writes through a Backend.
type Ledger struct {
	backend      Backend
	registry     common.Address
	token        common.Address
	pollInterval time.Duration
	logger       *zap.Logger
}

// New creates a ledger client.
func New(backend Backend, cfg Config, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Ledger{
		backend:      backend,
		registry:     cfg.Registry,
		token:        cfg.Token,
		pollInterval: poll,
		logger:       logger,
	}
}

// Registry returns the DataRegistry address, the spender for approvals.
func (l *Ledger) Registry() common.Address { return l.registry }

// Token returns the payment token address.
func (l *Ledger) Token() common.Address { return l.token }

// ActiveListings reads one page of active listings. Any RPC or decode
// failure is reported as ErrFetchDecode.
func (l *Ledger) ActiveListings(ctx context.Context, pageSize, offset int) ([]market.RawListing, error) {
	data, err := registryABI.Pack("getActiveListingsDetails", big.NewInt(int64(pageSize)), big.NewInt(int64(offset)))
	if err != nil {
		return nil, errors.WithKind(errors.ErrFetchDecode, "pack listing query", err)
	}

	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &l.registry, Data: data}, nil)
	if err != nil {
		return nil, errors.WithKind(errors.ErrFetchDecode, "read active listings", err)
	}

	var raw []market.RawListing
	if err := registryABI.UnpackIntoInterface(&raw, "getActiveListingsDetails", out); err != nil {
		return nil, errors.WithKind(errors.ErrFetchDecode, "decode active listings", err)
	}
	return raw, nil
}

// BalanceOf returns the payment-token balance of owner in minor units.
func (l *Ledger) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return l.readUint(ctx, "balanceOf", owner)
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return l.readUint(ctx, "allowance", owner, spender)
}

func (l *Ledger) readUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &l.token, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	var v *big.Int
	if err := tokenABI.UnpackIntoInterface(&v, method, out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", method)
	}
	return v, nil
}

// Approve lets spender move amount of from's tokens. The allowance is set,
// not incremented, so repeating it is harmless.
func (l *Ledger) Approve(ctx context.Context, from, spender common.Address, amount *big.Int) (*Tx, error) {
	data, err := tokenABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, errors.NewTxError(errors.PhaseApprove, errors.ErrTxSubmissionFailed, "", err)
	}
	return l.submit(ctx, errors.PhaseApprove, provider.TxRequest{From: from, To: l.token, Data: data})
}

// Purchase buys listing id for from.
func (l *Ledger) Purchase(ctx context.Context, from common.Address, id *big.Int) (*Tx, error) {
	data, err := registryABI.Pack("purchaseData", id)
	if err != nil {
		return nil, errors.NewTxError(errors.PhasePurchase, errors.ErrTxSubmissionFailed, "", err)
	}
	return l.submit(ctx, errors.PhasePurchase, provider.TxRequest{From: from, To: l.registry, Data: data})
}

// Mint creates amount tokens for to. Only the token owner may call it.
func (l *Ledger) Mint(ctx context.Context, from, to common.Address, amount *big.Int) (*Tx, error) {
	data, err := tokenABI.Pack("mint", to, amount)
	if err != nil {
		return nil, errors.NewTxError(errors.PhaseMint, errors.ErrTxSubmissionFailed, "", err)
	}
	return l.submit(ctx, errors.PhaseMint, provider.TxRequest{From: from, To: l.token, Data: data})
}

// Transaction re-attaches a handle to an already submitted transaction.
// Revert reasons cannot be replayed for such handles.
func (l *Ledger) Transaction(hash common.Hash, phase errors.TxPhase) *Tx {
	return &Tx{ledger: l, hash: hash, phase: phase}
}

func (l *Ledger) submit(ctx context.Context, phase errors.TxPhase, req provider.TxRequest) (*Tx, error) {
	hash, err := l.backend.SendTransaction(ctx, req)
	if err != nil {
		kind := errors.ErrTxSubmissionFailed
		if errors.IsUserRejected(err) {
			kind = errors.ErrUserRejected
		}
		l.logger.Debug("transaction submission failed",
			zap.String("phase", string(phase)),
			zap.String("from", req.From.Hex()),
			zap.Error(err))
		return nil, errors.NewTxError(phase, kind, "", err)
	}

	l.logger.Debug("transaction submitted",
		zap.String("phase", string(phase)),
		zap.String("hash", hash.Hex()))
	return &Tx{ledger: l, hash: hash, phase: phase, req: &req}, nil
}

// UnitsToMinor converts whole tokens to minor units.
func UnitsToMinor(units int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)
	return new(big.Int).Mul(big.NewInt(units), scale)
}
