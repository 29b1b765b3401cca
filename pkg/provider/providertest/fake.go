// Package providertest provides an in-memory signing provider for tests.
package providertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
)

// Fake is a scriptable provider. Zero values behave like a wallet with no
// authorized accounts on chain 0; use New for a ready one.
type Fake struct {
	mu sync.Mutex

	authorized []common.Address
	grant      []common.Address
	chainID    uint64

	// Errors returned by the corresponding calls when set.
	RequestErr  error
	AccountsErr error
	ChainErr    error
	SwitchErr   error

	// SendHook decides the outcome of each submission. When nil, hashes
	// come from NextHashes, then a counter.
	SendHook func(req provider.TxRequest) (common.Hash, error)
	// CallHook answers eth_call. When nil, calls return empty output.
	CallHook func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	// AutoConfirm marks every submitted transaction as mined successfully.
	AutoConfirm bool

	NextHashes []common.Hash

	receipts map[common.Hash]*types.Receipt
	sent     []provider.TxRequest
	counter  uint64

	requestCalls  int
	accountsCalls int
	switchCalls   []uint64

	chMu   sync.Mutex // guards events and closed; never held with mu
	events chan provider.Event
	closed bool
}

// New creates a fake on chainID. grant is what RequestAccounts authorizes.
func New(chainID uint64, grant ...common.Address) *Fake {
	return &Fake{
		chainID:  chainID,
		grant:    grant,
		receipts: make(map[common.Hash]*types.Receipt),
		events:   make(chan provider.Event, 16),
	}
}

var _ provider.Provider = (*Fake)(nil)

// Authorize marks accounts as already authorized, as if a previous session
// had granted them.
func (f *Fake) Authorize(accounts ...common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized = append([]common.Address(nil), accounts...)
}

// RequestAccounts implements provider.Provider.
func (f *Fake) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestCalls++
	if f.RequestErr != nil {
		return nil, f.RequestErr
	}
	if len(f.authorized) == 0 {
		f.authorized = append([]common.Address(nil), f.grant...)
	}
	return append([]common.Address(nil), f.authorized...), nil
}

// Accounts implements provider.Provider.
func (f *Fake) Accounts(ctx context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountsCalls++
	if f.AccountsErr != nil {
		return nil, f.AccountsErr
	}
	return append([]common.Address(nil), f.authorized...), nil
}

// ChainID implements provider.Provider.
func (f *Fake) ChainID(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ChainErr != nil {
		return 0, f.ChainErr
	}
	return f.chainID, nil
}

// SwitchChain implements provider.Provider. On success it emits ChainChanged.
func (f *Fake) SwitchChain(ctx context.Context, chainID uint64) error {
	f.mu.Lock()
	f.switchCalls = append(f.switchCalls, chainID)
	if f.SwitchErr != nil {
		err := f.SwitchErr
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	f.SetChain(chainID)
	return nil
}

// CallContract implements provider.Reader.
func (f *Fake) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	hook := f.CallHook
	f.mu.Unlock()
	if hook == nil {
		return nil, nil
	}
	return hook(msg, block)
}

// TransactionReceipt implements provider.Reader.
func (f *Fake) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// SendTransaction implements provider.Provider.
func (f *Fake) SendTransaction(ctx context.Context, req provider.TxRequest) (common.Hash, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	hook := f.SendHook
	f.mu.Unlock()

	var (
		hash common.Hash
		err  error
	)
	if hook != nil {
		hash, err = hook(req)
	} else {
		hash = f.nextHash()
	}
	if err != nil {
		return common.Hash{}, err
	}

	f.mu.Lock()
	auto := f.AutoConfirm
	f.mu.Unlock()
	if auto {
		f.Confirm(hash)
	}
	return hash, nil
}

func (f *Fake) nextHash() common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.NextHashes) > 0 {
		h := f.NextHashes[0]
		f.NextHashes = f.NextHashes[1:]
		return h
	}
	f.counter++
	return common.BigToHash(new(big.Int).SetUint64(0x1000 + f.counter))
}

// Events implements provider.Provider.
func (f *Fake) Events() <-chan provider.Event {
	return f.events
}

// Close implements provider.Provider. It closes the event channel.
func (f *Fake) Close() error {
	f.chMu.Lock()
	defer f.chMu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// Confirm records a successful receipt for hash.
func (f *Fake) Confirm(hash common.Hash) {
	f.setReceipt(hash, types.ReceiptStatusSuccessful)
}

// Revert records a failed receipt for hash.
func (f *Fake) Revert(hash common.Hash) {
	f.setReceipt(hash, types.ReceiptStatusFailed)
}

func (f *Fake) setReceipt(hash common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: big.NewInt(int64(len(f.receipts) + 1)),
	}
}

// SetChain changes the active chain and emits ChainChanged.
func (f *Fake) SetChain(chainID uint64) {
	f.mu.Lock()
	f.chainID = chainID
	f.mu.Unlock()
	f.Emit(provider.Event{Kind: provider.ChainChanged, ChainID: chainID})
}

// SetAccounts changes the authorized accounts and emits AccountsChanged.
func (f *Fake) SetAccounts(accounts ...common.Address) {
	f.Authorize(accounts...)
	f.Emit(provider.Event{Kind: provider.AccountsChanged, Accounts: accounts})
}

// Emit delivers ev unless the provider is closed.
func (f *Fake) Emit(ev provider.Event) {
	f.chMu.Lock()
	defer f.chMu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

// Sent returns every submitted transaction request, in order.
func (f *Fake) Sent() []provider.TxRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.TxRequest(nil), f.sent...)
}

// RequestAccountsCalls reports how often a prompting request was made.
func (f *Fake) RequestAccountsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestCalls
}

// AccountsCalls reports how often authorized accounts were read.
func (f *Fake) AccountsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountsCalls
}

// SwitchCalls returns requested chain switches.
func (f *Fake) SwitchCalls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.switchCalls...)
}

// Rejected is the error a wallet returns when the user declines.
func Rejected() error {
	return errors.NewProviderError(errors.ProviderCodeUserRejected, "User denied transaction signature.")
}

// Hash returns a hash whose low bytes are v, e.g. Hash(0xAA).
func Hash(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

// Address returns an address whose low bytes are v, e.g. Address(0xB).
func Address(v int64) common.Address {
	return common.BigToAddress(big.NewInt(v))
}

// String makes failures readable.
func (f *Fake) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fake provider chain=%d accounts=%d sent=%d", f.chainID, len(f.authorized), len(f.sent))
}
