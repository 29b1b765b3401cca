package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
)

// Key names used by the browser build of the marketplace.
const (
	legacyPurchasedPrefix = "auraweave_purchased_"
	legacyConnectedKey    = "auraweave_wallet_connected"
)

// legacyRecord is one entry of the browser purchase history.
type legacyRecord struct {
	ListingID         flexString `json:"listingId"`
	Name              string     `json:"name"`
	DataCID           string     `json:"dataCID"`
	MetadataCID       string     `json:"metadataCID,omitempty"`
	PurchaseTimestamp int64      `json:"purchaseTimestamp"`
	TransactionHash   string     `json:"transactionHash"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// LegacyImport summarizes a MigrateLegacyJSON run.
type LegacyImport struct {
	Accounts  int  `json:"accounts"`
	Records   int  `json:"records"`
	Connected bool `json:"connected"`
	// AlreadyImported is set when the same export was imported before.
	AlreadyImported bool `json:"already_imported"`
}

// MigrateLegacyJSON imports a browser storage export: a JSON object whose
// "auraweave_purchased_<account>" entries hold the flat purchase-history
// array (either as an array or as its JSON-encoded string). Existing rows are
// never overwritten, and importing the same export twice is a no-op.
func (s *Store) MigrateLegacyJSON(ctx context.Context, data []byte, source string) (LegacyImport, error) {
	var res LegacyImport
	digest := crypto.Keccak256Hash(data).Hex()

	var done int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM legacy_imports WHERE digest = ?`, digest).Scan(&done); err != nil {
		return res, errors.WithCode(errors.CodeStorageError, "check legacy imports", err)
	}
	if done > 0 {
		res.AlreadyImported = true
		return res, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return res, errors.NewValidationError("legacy_history", "export must be a JSON object of storage keys", source)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, errors.WithCode(errors.CodeStorageError, "begin legacy import", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		raw := entries[key]
		if key == legacyConnectedKey {
			v, _ := decodeLegacyValue[string](raw)
			if v == "true" {
				res.Connected = true
			}
			continue
		}
		if !strings.HasPrefix(key, legacyPurchasedPrefix) {
			continue
		}

		addr := strings.TrimPrefix(key, legacyPurchasedPrefix)
		if !common.IsHexAddress(addr) {
			s.logger.Warn("Skipping legacy history for invalid account", zap.String("key", key))
			continue
		}
		account := market.AccountKey(common.HexToAddress(addr))

		records, err := decodeLegacyValue[[]legacyRecord](raw)
		if err != nil {
			return res, errors.NewValidationError(key, fmt.Sprintf("invalid purchase history: %v", err), source)
		}

		imported := 0
		for _, r := range records {
			if r.ListingID == "" {
				continue
			}
			result, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO purchases (account, listing_id, name, data_ref, metadata_ref, purchased_at, tx_hash)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
				account, string(r.ListingID), r.Name, r.DataCID, r.MetadataCID, r.PurchaseTimestamp, r.TransactionHash)
			if err != nil {
				return res, errors.WithCode(errors.CodeStorageError, "import purchase", err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				imported++
			}
		}
		if len(records) > 0 {
			res.Accounts++
		}
		res.Records += imported
	}

	if res.Connected {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO preferences (key, value, updated_at) VALUES (?, 'true', ?)
ON CONFLICT(key) DO NOTHING`, connectedKey, toMillis(s.now())); err != nil {
			return res, errors.WithCode(errors.CodeStorageError, "import connected flag", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO legacy_imports (digest, source, records, imported_at) VALUES (?, ?, ?, ?)`,
		digest, source, res.Records, toMillis(s.now())); err != nil {
		return res, errors.WithCode(errors.CodeStorageError, "record legacy import", err)
	}
	if err := tx.Commit(); err != nil {
		return res, errors.WithCode(errors.CodeStorageError, "commit legacy import", err)
	}

	s.logger.Info("Imported legacy purchase history",
		zap.String("source", source),
		zap.Int("accounts", res.Accounts),
		zap.Int("records", res.Records))
	return res, nil
}

// decodeLegacyValue decodes raw directly, or as a JSON string holding the
// encoded value (browser storage only holds strings).
func decodeLegacyValue[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return v, err
	}
	v = *new(T)
	err := json.Unmarshal([]byte(encoded), &v)
	return v, err
}
