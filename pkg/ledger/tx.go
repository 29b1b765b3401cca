package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
)

// maxReceiptErrors is how many consecutive receipt lookups may fail with
// something other than "not found" before the wait gives up.
const maxReceiptErrors = 5

// Tx is a submitted transaction. The hash is known immediately; Wait blocks
// until it is mined.
type Tx struct {
	ledger *Ledger
	hash   common.Hash
	phase  errors.TxPhase
	req    *provider.TxRequest
}

// Hash returns the transaction hash.
func (t *Tx) Hash() common.Hash { return t.hash }

// Phase returns which call produced the transaction.
func (t *Tx) Phase() errors.TxPhase { return t.phase }

// Wait polls for the receipt until the transaction is mined or ctx ends.
// A reverted transaction yields a TxError of kind ErrTxReverted; a ctx
// deadline yields ErrConfirmationTimeout, which does not imply failure.
func (t *Tx) Wait(ctx context.Context) (*types.Receipt, error) {
	l := t.ledger
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		receipt, err := l.backend.TransactionReceipt(ctx, t.hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return nil, t.reverted(ctx, receipt)
		case err == nil, errors.Is(err, ethereum.NotFound):
			failures = 0
		case ctx.Err() != nil:
			// reported below
		default:
			failures++
			l.logger.Debug("receipt lookup failed",
				zap.String("hash", t.hash.Hex()),
				zap.Int("attempt", failures),
				zap.Error(err))
			if errors.IsProviderUnavailable(err) || failures >= maxReceiptErrors {
				return nil, errors.NewTxError(t.phase, errors.ErrProviderUnavailable, t.hash.Hex(), err)
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.NewTxError(t.phase, errors.ErrConfirmationTimeout, t.hash.Hex(), ctx.Err())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// reverted builds the revert error, replaying the call at the receipt's block
// to recover the reason when the original request is known.
func (t *Tx) reverted(ctx context.Context, receipt *types.Receipt) error {
	revert := errors.NewRevertError("", nil)
	if t.req != nil {
		reason, data := t.ledger.replay(ctx, *t.req, receipt)
		revert = errors.NewRevertError(reason, data)
	}
	t.ledger.logger.Debug("transaction reverted",
		zap.String("hash", t.hash.Hex()),
		zap.String("reason", revert.Reason))
	return errors.NewTxError(t.phase, errors.ErrTxReverted, t.hash.Hex(), revert)
}

func (l *Ledger) replay(ctx context.Context, req provider.TxRequest, receipt *types.Receipt) (string, []byte) {
	to := req.To
	msg := ethereum.CallMsg{From: req.From, To: &to, Data: req.Data, Value: req.Value}
	_, err := l.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return "", nil
	}
	data := errors.RevertData(err)
	if reason, ok := errors.UnpackRevert(data); ok {
		return reason, data
	}
	// Some nodes only put the reason in the message.
	const prefix = "execution reverted: "
	if msg := err.Error(); strings.HasPrefix(msg, prefix) {
		return strings.TrimPrefix(msg, prefix), data
	}
	return "", data
}
