package wallet

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/DeBrosOfficial/datamarket/pkg/market"
)

// Session is the connection state toward the signing provider. It is an
// immutable value; the Manager replaces it wholesale.
type Session struct {
	Account   common.Address `json:"account"`
	ChainID   uint64         `json:"chain_id"`
	Connected bool           `json:"connected"`
}

// Disconnected is the zero session.
var Disconnected = Session{}

// AccountKey is the storage namespace for the session's account, or "" when
// disconnected.
func (s Session) AccountKey() string {
	if !s.Connected {
		return ""
	}
	return market.AccountKey(s.Account)
}

// ChangeKind says why a session changed.
type ChangeKind int

const (
	ChangeConnected ChangeKind = iota + 1
	ChangeDisconnected
	ChangeAccounts
	ChangeChain
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeConnected:
		return "connected"
	case ChangeDisconnected:
		return "disconnected"
	case ChangeAccounts:
		return "accounts_changed"
	case ChangeChain:
		return "chain_changed"
	default:
		return "unknown"
	}
}

// Change is delivered to subscribers after every session replacement.
type Change struct {
	Kind     ChangeKind
	Session  Session
	Previous Session
}

// ChainSwitched reports whether the active chain differs from before.
func (c Change) ChainSwitched() bool {
	return c.Session.ChainID != c.Previous.ChainID
}
