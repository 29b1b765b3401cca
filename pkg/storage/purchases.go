package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
)

// Purchases is the per-account purchase history. Records are keyed by
// listing id within an account; accounts never see each other's rows.
type Purchases struct {
	store *Store
}

const upsertPurchaseSQL = `
INSERT INTO purchases (account, listing_id, name, data_ref, metadata_ref, purchased_at, tx_hash)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account, listing_id) DO UPDATE SET
	name         = excluded.name,
	data_ref     = excluded.data_ref,
	metadata_ref = excluded.metadata_ref,
	purchased_at = excluded.purchased_at,
	tx_hash      = excluded.tx_hash`

// Upsert replaces the record with the same listing id under accountKey, or
// adds it.
func (p *Purchases) Upsert(ctx context.Context, accountKey string, rec market.PurchaseRecord) error {
	account, err := normalizeAccount(accountKey)
	if err != nil {
		return err
	}
	if rec.ListingID == "" {
		return errors.NewValidationError("listing_id", "listing id is required", rec.ListingID)
	}

	_, err = p.store.db.ExecContext(ctx, upsertPurchaseSQL,
		account, rec.ListingID, rec.Name, rec.DataRef, rec.MetadataRef,
		toMillis(rec.PurchasedAt), rec.TxHash)
	if err != nil {
		return errors.WithCode(errors.CodeStorageError, "save purchase", err)
	}

	p.store.logger.Debug("Purchase recorded",
		zap.String("account", account),
		zap.String("listing_id", rec.ListingID),
		zap.String("tx_hash", rec.TxHash))
	return nil
}

// List returns accountKey's records, most recent first.
func (p *Purchases) List(ctx context.Context, accountKey string) ([]market.PurchaseRecord, error) {
	account, err := normalizeAccount(accountKey)
	if err != nil {
		return nil, err
	}

	rows, err := p.store.db.QueryContext(ctx, `
SELECT listing_id, name, data_ref, metadata_ref, purchased_at, tx_hash
FROM purchases
WHERE account = ?
ORDER BY purchased_at DESC, listing_id ASC`, account)
	if err != nil {
		return nil, errors.WithCode(errors.CodeStorageError, "list purchases", err)
	}
	defer rows.Close()

	out := make([]market.PurchaseRecord, 0)
	for rows.Next() {
		rec, err := scanPurchase(rows)
		if err != nil {
			return nil, errors.WithCode(errors.CodeStorageError, "read purchase", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithCode(errors.CodeStorageError, "list purchases", err)
	}
	return out, nil
}

// Get returns one record.
func (p *Purchases) Get(ctx context.Context, accountKey, listingID string) (market.PurchaseRecord, error) {
	account, err := normalizeAccount(accountKey)
	if err != nil {
		return market.PurchaseRecord{}, err
	}

	row := p.store.db.QueryRowContext(ctx, `
SELECT listing_id, name, data_ref, metadata_ref, purchased_at, tx_hash
FROM purchases
WHERE account = ? AND listing_id = ?`, account, listingID)

	rec, err := scanPurchase(row)
	if err == sql.ErrNoRows {
		return market.PurchaseRecord{}, errors.NewNotFoundError("purchase", listingID)
	}
	if err != nil {
		return market.PurchaseRecord{}, errors.WithCode(errors.CodeStorageError, "read purchase", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchase(s scanner) (market.PurchaseRecord, error) {
	var (
		rec market.PurchaseRecord
		ms  int64
	)
	if err := s.Scan(&rec.ListingID, &rec.Name, &rec.DataRef, &rec.MetadataRef, &ms, &rec.TxHash); err != nil {
		return market.PurchaseRecord{}, err
	}
	rec.PurchasedAt = fromMillis(ms)
	return rec, nil
}

func normalizeAccount(accountKey string) (string, error) {
	account := strings.ToLower(strings.TrimSpace(accountKey))
	if account == "" {
		return "", errors.NewValidationError("account", "account key is required", accountKey)
	}
	return account, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
