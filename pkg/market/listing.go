// Package market holds the marketplace domain entities shared by the ledger,
// listing cache, purchase flow and purchase history.
package market

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RawListing is one element of the registry's getActiveListingsDetails tuple
// array. Field names follow the ABI component names so abi unpacking can fill
// it directly.
type RawListing struct {
	Id          *big.Int
	Seller      common.Address
	Name        string
	Description string
	DataCID     string
	MetadataCID string
	Price       *big.Int
	Active      bool
}

// Listing is an immutable, normalized marketplace entry. Price is in the
// payment token's minor units.
type Listing struct {
	ID          *big.Int       `json:"id"`
	Seller      common.Address `json:"seller"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	DataRef     string         `json:"data_ref"`
	MetadataRef string         `json:"metadata_ref"`
	Price       *big.Int       `json:"price"`
	Active      bool           `json:"active"`
}

// Key returns the decimal listing id used as the purchase-history key.
func (l Listing) Key() string {
	if l.ID == nil {
		return "0"
	}
	return l.ID.String()
}

// SoldBy reports whether account is the listing's seller. Addresses compare
// as 20-byte values so input casing never matters.
func (l Listing) SoldBy(account common.Address) bool {
	return l.Seller == account
}

// Clone returns a deep copy so callers can never mutate a cached listing.
func (l Listing) Clone() Listing {
	l.ID = cloneInt(l.ID)
	l.Price = cloneInt(l.Price)
	return l
}

// Format normalizes a raw ledger record. Nil integers become zero, text
// fields are trimmed and integers are copied out of the decoder's buffers.
func Format(raw RawListing) Listing {
	return Listing{
		ID:          cloneInt(raw.Id),
		Seller:      raw.Seller,
		Name:        strings.TrimSpace(raw.Name),
		Description: strings.TrimSpace(raw.Description),
		DataRef:     strings.TrimSpace(raw.DataCID),
		MetadataRef: strings.TrimSpace(raw.MetadataCID),
		Price:       cloneInt(raw.Price),
		Active:      raw.Active,
	}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// PurchaseRecord is a completed purchase kept per account.
type PurchaseRecord struct {
	ListingID   string    `json:"listing_id"`
	Name        string    `json:"name"`
	DataRef     string    `json:"data_ref"`
	MetadataRef string    `json:"metadata_ref,omitempty"`
	PurchasedAt time.Time `json:"purchased_at"`
	TxHash      string    `json:"tx_hash"`
}

// NewPurchaseRecord builds the history record for a confirmed purchase.
func NewPurchaseRecord(l Listing, txHash common.Hash, at time.Time) PurchaseRecord {
	return PurchaseRecord{
		ListingID:   l.Key(),
		Name:        l.Name,
		DataRef:     l.DataRef,
		MetadataRef: l.MetadataRef,
		PurchasedAt: at.UTC(),
		TxHash:      txHash.Hex(),
	}
}
