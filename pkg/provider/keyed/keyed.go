// Package keyed is a signing provider backed by local private keys and a
// JSON-RPC node. It serves headless buyers and the faucet operator.
package keyed

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
)

// Fee and gas defaults used by the purchase agents.
const (
	DefaultGasBuffer   = 30000
	DefaultFallbackGas = 300000
)

// DefaultPriorityFee is the EIP-1559 tip, 1.5 gwei.
var DefaultPriorityFee = big.NewInt(1_500_000_000)

// Backend is the node surface the provider uses. *ethclient.Client satisfies it.
type Backend interface {
	provider.Reader
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Dialer connects to an RPC endpoint.
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialEthclient is the default Dialer.
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Config configures a keyed provider.
type Config struct {
	Keys []*ecdsa.PrivateKey
	// RPCURLs maps chain ids to endpoints. ChainID selects the initial one.
	RPCURLs map[uint64]string
	ChainID uint64
	Dial    Dialer

	GasBuffer   uint64
	FallbackGas uint64
	PriorityFee *big.Int
}

// Provider signs with local keys. All configured accounts are authorized.
// Endpoints stay open after a chain switch so receipts of transactions sent
// before it are still looked up on the chain that carries them.
type Provider struct {
	mu      sync.RWMutex
	backend Backend
	chainID uint64
	clients map[uint64]Backend
	pending map[common.Hash]uint64

	keys     map[common.Address]*ecdsa.PrivateKey
	accounts []common.Address
	urls     map[uint64]string
	dial     Dialer

	gasBuffer   uint64
	fallbackGas uint64
	priorityFee *big.Int

	evMu   sync.Mutex
	events chan provider.Event
	closed bool

	logger *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)

// Dial connects to the endpoint for cfg.ChainID and verifies the node
// reports that chain.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.Dial == nil {
		cfg.Dial = DialEthclient
	}
	url, ok := cfg.RPCURLs[cfg.ChainID]
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint for chain %d", cfg.ChainID)
	}
	backend, err := cfg.Dial(ctx, url)
	if err != nil {
		return nil, errors.WithKind(errors.ErrProviderUnavailable, "dial rpc", err)
	}
	if err := verifyChain(ctx, backend, cfg.ChainID); err != nil {
		backend.Close()
		return nil, err
	}
	return New(backend, cfg, logger), nil
}

// New wraps an already connected backend that serves cfg.ChainID.
func New(backend Backend, cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		backend:     backend,
		chainID:     cfg.ChainID,
		clients:     map[uint64]Backend{cfg.ChainID: backend},
		pending:     make(map[common.Hash]uint64),
		keys:        make(map[common.Address]*ecdsa.PrivateKey, len(cfg.Keys)),
		urls:        cfg.RPCURLs,
		dial:        cfg.Dial,
		gasBuffer:   cfg.GasBuffer,
		fallbackGas: cfg.FallbackGas,
		priorityFee: cfg.PriorityFee,
		events:      make(chan provider.Event, 8),
		logger:      logger,
	}
	if p.dial == nil {
		p.dial = DialEthclient
	}
	if p.gasBuffer == 0 {
		p.gasBuffer = DefaultGasBuffer
	}
	if p.fallbackGas == 0 {
		p.fallbackGas = DefaultFallbackGas
	}
	if p.priorityFee == nil {
		p.priorityFee = DefaultPriorityFee
	}
	for _, key := range cfg.Keys {
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, dup := p.keys[addr]; dup {
			continue
		}
		p.keys[addr] = key
		p.accounts = append(p.accounts, addr)
	}
	return p
}

func verifyChain(ctx context.Context, backend Backend, want uint64) error {
	got, err := backend.ChainID(ctx)
	if err != nil {
		return errors.WithKind(errors.ErrProviderUnavailable, "read chain id", err)
	}
	if !got.IsUint64() || got.Uint64() != want {
		return fmt.Errorf("endpoint serves chain %s, want %d", got, want)
	}
	return nil
}

func (p *Provider) current() (Backend, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend, p.chainID
}

// RequestAccounts returns the configured accounts; local keys never prompt.
func (p *Provider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	return p.Accounts(ctx)
}

// Accounts returns the configured accounts in configuration order.
func (p *Provider) Accounts(ctx context.Context) ([]common.Address, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.backend == nil {
		return nil, errors.NewProviderError(errors.ProviderCodeDisconnected, "provider closed")
	}
	return append([]common.Address(nil), p.accounts...), nil
}

// ChainID returns the chain of the current endpoint.
func (p *Provider) ChainID(ctx context.Context) (uint64, error) {
	backend, id := p.current()
	if backend == nil {
		return 0, errors.NewProviderError(errors.ProviderCodeDisconnected, "provider closed")
	}
	return id, nil
}

// SwitchChain moves to the endpoint registered for chainID, dialing it on
// first use. Chains without an endpoint fail with 4902 like a wallet that
// does not know them.
func (p *Provider) SwitchChain(ctx context.Context, chainID uint64) error {
	if _, current := p.current(); current == chainID {
		return nil
	}
	url, ok := p.urls[chainID]
	if !ok || url == "" {
		return errors.NewProviderError(errors.ProviderCodeUnrecognizedChain,
			fmt.Sprintf("Unrecognized chain ID %s", provider.ChainIDHex(chainID)))
	}

	p.mu.RLock()
	backend, dialed := p.clients[chainID]
	p.mu.RUnlock()
	if !dialed {
		var err error
		backend, err = p.dial(ctx, url)
		if err != nil {
			return errors.NewProviderError(errors.ProviderCodeChainDisconnected, err.Error())
		}
		if err := verifyChain(ctx, backend, chainID); err != nil {
			backend.Close()
			return errors.NewProviderError(errors.ProviderCodeChainDisconnected, err.Error())
		}
	}

	p.mu.Lock()
	if p.backend == nil {
		p.mu.Unlock()
		if !dialed {
			backend.Close()
		}
		return errors.NewProviderError(errors.ProviderCodeDisconnected, "provider closed")
	}
	if existing, ok := p.clients[chainID]; ok && existing != backend {
		// A concurrent switch dialed the same chain first.
		backend.Close()
		backend = existing
	}
	p.clients[chainID] = backend
	p.backend = backend
	p.chainID = chainID
	p.mu.Unlock()

	p.logger.Info("switched chain", zap.Uint64("chain_id", chainID))
	p.emit(provider.Event{Kind: provider.ChainChanged, ChainID: chainID})
	return nil
}

// CallContract implements provider.Reader.
func (p *Provider) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	backend, _ := p.current()
	if backend == nil {
		return nil, errors.NewProviderError(errors.ProviderCodeDisconnected, "provider closed")
	}
	return backend.CallContract(ctx, msg, block)
}

// TransactionReceipt implements provider.Reader. Transactions this provider
// sent are looked up on the chain they were broadcast to.
func (p *Provider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	p.mu.RLock()
	backend := p.backend
	if chainID, ok := p.pending[hash]; ok && backend != nil {
		backend = p.clients[chainID]
	}
	p.mu.RUnlock()
	if backend == nil {
		return nil, errors.NewProviderError(errors.ProviderCodeDisconnected, "provider closed")
	}
	receipt, err := backend.TransactionReceipt(ctx, hash)
	if err == nil && receipt != nil {
		p.mu.Lock()
		delete(p.pending, hash)
		p.mu.Unlock()
	}
	return receipt, err
}

// SendTransaction fills nonce, gas and fees, signs with the sender's key and
// broadcasts.
func (p *Provider) SendTransaction(ctx context.Context, req provider.TxRequest) (common.Hash, error) {
	key, ok := p.keys[req.From]
	if !ok {
		return common.Hash{}, errors.NewProviderError(errors.ProviderCodeUnauthorized,
			fmt.Sprintf("account %s is not managed by this provider", req.From.Hex()))
	}
	backend, chainID := p.current()
	if backend == nil {
		return common.Hash{}, errors.NewProviderError(errors.ProviderCodeDisconnected, "provider closed")
	}

	tx, err := p.buildTx(ctx, backend, chainID, req)
	if err != nil {
		return common.Hash{}, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("create transactor: %w", err)
	}
	signed, err := opts.Signer(req.From, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	p.mu.Lock()
	p.pending[signed.Hash()] = chainID
	p.mu.Unlock()

	p.logger.Debug("transaction broadcast",
		zap.String("hash", signed.Hash().Hex()),
		zap.Uint64("nonce", signed.Nonce()),
		zap.Uint64("gas", signed.Gas()))
	return signed.Hash(), nil
}

func (p *Provider) buildTx(ctx context.Context, backend Backend, chainID uint64, req provider.TxRequest) (*types.Transaction, error) {
	nonce, err := backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	gas := p.fallbackGas
	estimate, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: req.From, To: &to, Data: req.Data, Value: value})
	if err != nil {
		p.logger.Warn("gas estimation failed, using fallback",
			zap.Uint64("gas", gas),
			zap.Error(err))
	} else {
		gas = estimate
	}
	gas += p.gasBuffer

	// Local development chains take legacy pricing.
	if chainID != 1337 && chainID != 31337 {
		head, err := backend.HeaderByNumber(ctx, nil)
		if err == nil && head.BaseFee != nil {
			tip := new(big.Int).Set(p.priorityFee)
			feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
			return types.NewTx(&types.DynamicFeeTx{
				ChainID:   new(big.Int).SetUint64(chainID),
				Nonce:     nonce,
				GasTipCap: tip,
				GasFeeCap: feeCap,
				Gas:       gas,
				To:        &to,
				Value:     value,
				Data:      req.Data,
			}), nil
		}
	}

	price, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	}), nil
}

// Events implements provider.Provider.
func (p *Provider) Events() <-chan provider.Event {
	return p.events
}

func (p *Provider) emit(ev provider.Event) {
	p.evMu.Lock()
	defer p.evMu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event dropped, consumer not draining", zap.Stringer("kind", ev.Kind))
	}
}

// Close disconnects from every endpoint and closes the event channel.
func (p *Provider) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.backend = nil
	p.clients = make(map[uint64]Backend)
	p.mu.Unlock()
	for _, backend := range clients {
		backend.Close()
	}

	p.evMu.Lock()
	defer p.evMu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

// Gwei converts gwei to wei.
func Gwei(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(params.GWei))
}
