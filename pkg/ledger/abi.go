package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Only the entries the client touches are declared.
const registryABIJSON = `[
  {"type":"function","name":"getActiveListingsDetails","stateMutability":"view",
   "inputs":[{"name":"_limit","type":"uint256"},{"name":"_offset","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"id","type":"uint256"},
     {"name":"seller","type":"address"},
     {"name":"name","type":"string"},
     {"name":"description","type":"string"},
     {"name":"dataCID","type":"string"},
     {"name":"metadataCID","type":"string"},
     {"name":"price","type":"uint256"},
     {"name":"active","type":"bool"}]}]},
  {"type":"function","name":"purchaseData","stateMutability":"nonpayable",
   "inputs":[{"name":"_listingId","type":"uint256"}],"outputs":[]}
]`

const tokenABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	registryABI = mustParse(registryABIJSON)
	tokenABI    = mustParse(tokenABIJSON)
)

func mustParse(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("ledger: bad embedded ABI: " + err.Error())
	}
	return parsed
}

// RegistryABI returns the parsed registry ABI.
func RegistryABI() abi.ABI { return registryABI }

// TokenABI returns the parsed payment-token ABI.
func TokenABI() abi.ABI { return tokenABI }
