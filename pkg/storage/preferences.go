package storage

import (
	"context"
	"database/sql"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
)

// connectedKey holds the "previously connected" flag used for eager reconnect.
const connectedKey = "wallet_connected"

// Preferences is a small key/value table for local UI state.
type Preferences struct {
	store *Store
}

// Get returns the value for key and whether it was set.
func (p *Preferences) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.store.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WithCode(errors.CodeStorageError, "read preference", err)
	}
	return value, true, nil
}

// Set stores value under key.
func (p *Preferences) Set(ctx context.Context, key, value string) error {
	_, err := p.store.db.ExecContext(ctx, `
INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMillis(p.store.now()))
	if err != nil {
		return errors.WithCode(errors.CodeStorageError, "save preference", err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (p *Preferences) Delete(ctx context.Context, key string) error {
	if _, err := p.store.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return errors.WithCode(errors.CodeStorageError, "delete preference", err)
	}
	return nil
}

// ConnectedFlag reports whether the user connected a wallet last time.
func (p *Preferences) ConnectedFlag(ctx context.Context) (bool, error) {
	v, ok, err := p.Get(ctx, connectedKey)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SetConnectedFlag sets or clears the flag. Clearing removes the row.
func (p *Preferences) SetConnectedFlag(ctx context.Context, connected bool) error {
	if !connected {
		return p.Delete(ctx, connectedKey)
	}
	return p.Set(ctx, connectedKey, "true")
}
