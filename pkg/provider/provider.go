// Package provider defines the signing-provider surface the marketplace
// consumes: account disclosure, chain identity, chain switching, transaction
// submission and asynchronous account/chain notifications.
package provider

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reader is the read-only chain access the ledger needs. It does not require
// an unlocked signer. *ethclient.Client satisfies it.
type Reader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	// TransactionReceipt returns ethereum.NotFound while the tx is pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Provider is a signing provider. Implementations must be safe for
// concurrent use.
type Provider interface {
	Reader

	// RequestAccounts asks for account access and may prompt the user.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// Accounts returns already-authorized accounts. It never prompts.
	Accounts(ctx context.Context) ([]common.Address, error)
	// ChainID returns the active chain.
	ChainID(ctx context.Context) (uint64, error)
	// SwitchChain asks the provider to change the active chain.
	SwitchChain(ctx context.Context, chainID uint64) error
	// SendTransaction signs and broadcasts a transaction from req.From.
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	// Events delivers account and chain notifications. The channel is closed
	// when the provider is gone for good.
	Events() <-chan Event
	// Close releases the provider.
	Close() error
}

// EventKind tags a provider notification.
type EventKind int

const (
	AccountsChanged EventKind = iota + 1
	ChainChanged
)

func (k EventKind) String() string {
	switch k {
	case AccountsChanged:
		return "accountsChanged"
	case ChainChanged:
		return "chainChanged"
	default:
		return "unknown"
	}
}

// Event is a provider notification. Consumers re-read provider state rather
// than trusting the payload.
type Event struct {
	Kind     EventKind
	Accounts []common.Address
	ChainID  uint64
}

// TxRequest describes a contract write. Gas and fees are the provider's job.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

// txObject is the JSON shape of eth_sendTransaction / eth_call params.
type txObject struct {
	From  *common.Address `json:"from,omitempty"`
	To    common.Address  `json:"to"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
}

// ToArg converts a request to eth_sendTransaction params.
func (r TxRequest) ToArg() interface{} {
	from := r.From
	obj := txObject{From: &from, To: r.To, Data: r.Data}
	if r.Value != nil && r.Value.Sign() > 0 {
		obj.Value = (*hexutil.Big)(r.Value)
	}
	return obj
}

// CallArg converts a call message to eth_call params.
func CallArg(msg ethereum.CallMsg) interface{} {
	obj := txObject{Data: msg.Data}
	if msg.To != nil {
		obj.To = *msg.To
	}
	if msg.From != (common.Address{}) {
		from := msg.From
		obj.From = &from
	}
	if msg.Value != nil && msg.Value.Sign() > 0 {
		obj.Value = (*hexutil.Big)(msg.Value)
	}
	return obj
}

// BlockArg renders a block number parameter; nil means "latest".
func BlockArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}

// ChainIDHex renders a chain id the way wallet_switchEthereumChain expects.
func ChainIDHex(id uint64) string {
	return hexutil.EncodeUint64(id)
}

// ParseChainID accepts a hex quantity ("0xaa36a7") or decimal string.
func ParseChainID(s string) (uint64, error) {
	if len(s) > 1 && (s[:2] == "0x" || s[:2] == "0X") {
		return hexutil.DecodeUint64(s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || !n.IsUint64() {
		return 0, hexutil.ErrSyntax
	}
	return n.Uint64(), nil
}
