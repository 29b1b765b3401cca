package market

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress parses a 0x-prefixed hex address in any casing.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("address %q must be 0x-prefixed", s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// SameAddress compares two hex addresses case-insensitively. Unparseable
// input is never equal to anything.
func SameAddress(a, b string) bool {
	x, err := ParseAddress(a)
	if err != nil {
		return false
	}
	y, err := ParseAddress(b)
	if err != nil {
		return false
	}
	return x == y
}

// AccountKey is the stable storage key for an account: lower-case hex.
func AccountKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
