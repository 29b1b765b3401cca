// Package ledgertest encodes contract responses for tests that drive a
// ledger through providertest.Fake.
package ledgertest

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/DeBrosOfficial/datamarket/pkg/ledger"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
)

// PackListings ABI-encodes a getActiveListingsDetails result.
func PackListings(raws []market.RawListing) ([]byte, error) {
	if raws == nil {
		raws = []market.RawListing{}
	}
	return ledger.RegistryABI().Methods["getActiveListingsDetails"].Outputs.Pack(raws)
}

// Listing builds an active raw listing.
func Listing(id int64, seller common.Address, name string, price int64) market.RawListing {
	return market.RawListing{
		Id:          big.NewInt(id),
		Seller:      seller,
		Name:        name,
		Description: name + " description",
		DataCID:     fmt.Sprintf("bafy-data-%d", id),
		MetadataCID: fmt.Sprintf("bafy-meta-%d", id),
		Price:       big.NewInt(price),
		Active:      true,
	}
}

// Method returns which contract method calldata targets, or "".
func Method(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for _, parsed := range []abi.ABI{ledger.RegistryABI(), ledger.TokenABI()} {
		for name, m := range parsed.Methods {
			if bytes.Equal(m.ID, data[:4]) {
				return name
			}
		}
	}
	return ""
}

// Registry serves getActiveListingsDetails from a swappable listing set,
// and the token's balanceOf and allowance reads. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.Mutex
	listings []market.RawListing
	err      error
	garbage  bool
	calls    int

	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
}

// SetBalance sets the token balance reported for owner.
func (r *Registry) SetBalance(owner common.Address, amount *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balances == nil {
		r.balances = make(map[common.Address]*big.Int)
	}
	r.balances[owner] = amount
}

// SetAllowance sets how much spender may move for owner.
func (r *Registry) SetAllowance(owner, spender common.Address, amount *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allowances == nil {
		r.allowances = make(map[[2]common.Address]*big.Int)
	}
	r.allowances[[2]common.Address{owner, spender}] = amount
}

func (r *Registry) tokenRead(method string, data []byte) ([]byte, error) {
	m := ledger.TokenABI().Methods[method]
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	var v *big.Int
	switch method {
	case "balanceOf":
		v = r.balances[args[0].(common.Address)]
	case "allowance":
		v = r.allowances[[2]common.Address{args[0].(common.Address), args[1].(common.Address)}]
	}
	r.mu.Unlock()
	if v == nil {
		v = new(big.Int)
	}
	return m.Outputs.Pack(v)
}

// Set replaces the listings served and clears any induced failure.
func (r *Registry) Set(listings ...market.RawListing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings = listings
	r.err = nil
	r.garbage = false
}

// Fail makes subsequent reads return err.
func (r *Registry) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Garble makes subsequent reads return undecodable bytes.
func (r *Registry) Garble() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.garbage = true
}

// Calls reports how many listing reads were served. Token reads are not
// counted.
func (r *Registry) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Hook returns a providertest CallHook.
func (r *Registry) Hook() func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
		switch method := Method(msg.Data); method {
		case "getActiveListingsDetails":
		case "balanceOf", "allowance":
			return r.tokenRead(method, msg.Data)
		default:
			return nil, nil
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls++
		if r.err != nil {
			return nil, r.err
		}
		if r.garbage {
			return []byte{0xde, 0xad, 0xbe, 0xef}, nil
		}
		return PackListings(r.listings)
	}
}
