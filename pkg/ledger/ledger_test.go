package ledger_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger/ledgertest"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
	"github.com/DeBrosOfficial/datamarket/pkg/provider/providertest"
)

var (
	registryAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	tokenAddr    = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	buyer        = providertest.Address(0xA)
	seller       = providertest.Address(0xB)
)

func newLedger(p *providertest.Fake) *ledger.Ledger {
	return ledger.New(p, ledger.Config{
		Registry:     registryAddr,
		Token:        tokenAddr,
		PollInterval: time.Millisecond,
	}, zap.NewNop())
}

func TestActiveListingsDecodes(t *testing.T) {
	p := providertest.New(11155111)
	reg := &ledgertest.Registry{}
	reg.Set(
		ledgertest.Listing(7, seller, "weather", 250),
		ledgertest.Listing(8, buyer, "traffic", 1000),
	)
	p.CallHook = reg.Hook()

	raws, err := newLedger(p).ActiveListings(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("ActiveListings: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("got %d listings, want 2", len(raws))
	}
	if raws[0].Id.Int64() != 7 || raws[0].Seller != seller || raws[0].Price.Int64() != 250 {
		t.Errorf("first listing = %+v", raws[0])
	}
	if raws[1].DataCID != "bafy-data-8" || !raws[1].Active {
		t.Errorf("second listing = %+v", raws[1])
	}
}

func TestActiveListingsFailuresAreFetchDecode(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*ledgertest.Registry)
	}{
		{"rpc error", func(r *ledgertest.Registry) { r.Fail(errors.New("connection refused")) }},
		{"garbage", func(r *ledgertest.Registry) { r.Garble() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := providertest.New(11155111)
			reg := &ledgertest.Registry{}
			tt.setup(reg)
			p.CallHook = reg.Hook()

			_, err := newLedger(p).ActiveListings(context.Background(), 20, 0)
			if !errors.Is(err, errors.ErrFetchDecode) {
				t.Fatalf("expected ErrFetchDecode, got %v", err)
			}
		})
	}

	t.Run("empty response", func(t *testing.T) {
		p := providertest.New(11155111)
		_, err := newLedger(p).ActiveListings(context.Background(), 20, 0)
		if !errors.Is(err, errors.ErrFetchDecode) {
			t.Fatalf("expected ErrFetchDecode, got %v", err)
		}
	})
}

func TestApproveAndPurchaseCalldata(t *testing.T) {
	p := providertest.New(11155111)
	p.NextHashes = []common.Hash{providertest.Hash(0xAA), providertest.Hash(0xBB)}
	l := newLedger(p)
	ctx := context.Background()

	approve, err := l.Approve(ctx, buyer, l.Registry(), big.NewInt(250))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	purchase, err := l.Purchase(ctx, buyer, big.NewInt(7))
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if approve.Hash() != providertest.Hash(0xAA) || purchase.Hash() != providertest.Hash(0xBB) {
		t.Errorf("hashes = %s %s", approve.Hash(), purchase.Hash())
	}

	sent := p.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d transactions, want 2", len(sent))
	}
	if sent[0].To != tokenAddr || ledgertest.Method(sent[0].Data) != "approve" {
		t.Errorf("first tx = %s to %s", ledgertest.Method(sent[0].Data), sent[0].To)
	}
	if sent[1].To != registryAddr || ledgertest.Method(sent[1].Data) != "purchaseData" {
		t.Errorf("second tx = %s to %s", ledgertest.Method(sent[1].Data), sent[1].To)
	}

	args, err := ledger.TokenABI().Methods["approve"].Inputs.Unpack(sent[0].Data[4:])
	if err != nil {
		t.Fatalf("unpack approve: %v", err)
	}
	if args[0].(common.Address) != registryAddr || args[1].(*big.Int).Int64() != 250 {
		t.Errorf("approve args = %v", args)
	}
}

func TestSubmissionErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"rejected", providertest.Rejected(), errors.ErrUserRejected},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), errors.ErrTxSubmissionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := providertest.New(11155111)
			p.SendHook = func(provider.TxRequest) (common.Hash, error) { return common.Hash{}, tt.err }

			_, err := newLedger(p).Approve(context.Background(), buyer, registryAddr, big.NewInt(1))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var txErr *errors.TxError
			if !errors.As(err, &txErr) || txErr.Phase != errors.PhaseApprove {
				t.Fatalf("expected approve TxError, got %v", err)
			}
		})
	}
}

func TestWaitConfirms(t *testing.T) {
	p := providertest.New(11155111)
	l := newLedger(p)

	tx, err := l.Purchase(context.Background(), buyer, big.NewInt(7))
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		p.Confirm(tx.Hash())
	}()

	receipt, err := tx.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if receipt.TxHash != tx.Hash() {
		t.Errorf("receipt for %s, want %s", receipt.TxHash, tx.Hash())
	}
}

func TestWaitRevertRecoversReason(t *testing.T) {
	p := providertest.New(11155111)
	reason := revertPayload(t, "Seller cannot buy own data")
	p.CallHook = func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
		if block == nil {
			t.Error("replay must target the receipt block")
		}
		data, _ := json.Marshal(hexutil.Encode(reason))
		return nil, &errors.ProviderError{Code: errors.RPCCodeExecutionReverted, Message: "execution reverted", Data: data}
	}
	l := newLedger(p)

	tx, err := l.Purchase(context.Background(), buyer, big.NewInt(7))
	if err != nil {
		t.Fatal(err)
	}
	p.Revert(tx.Hash())

	_, err = tx.Wait(context.Background())
	if !errors.Is(err, errors.ErrTxReverted) {
		t.Fatalf("expected ErrTxReverted, got %v", err)
	}
	if got := errors.Reason(err); got != "Seller cannot buy own data" {
		t.Errorf("reason = %q", got)
	}
}

func TestWaitTimeoutIsConfirmationTimeout(t *testing.T) {
	p := providertest.New(11155111)
	l := newLedger(p)
	tx, err := l.Approve(context.Background(), buyer, registryAddr, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tx.Wait(ctx)
	if !errors.Is(err, errors.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}

	// The transaction may still confirm; a re-attached handle sees it.
	p.Confirm(tx.Hash())
	if _, err := l.Transaction(tx.Hash(), errors.PhaseApprove).Wait(context.Background()); err != nil {
		t.Fatalf("re-check: %v", err)
	}
}

func TestUnitsToMinor(t *testing.T) {
	want, _ := new(big.Int).SetString("100000000000000000000", 10)
	if got := ledger.UnitsToMinor(100); got.Cmp(want) != 0 {
		t.Errorf("UnitsToMinor(100) = %s", got)
	}
}

func revertPayload(t *testing.T, reason string) []byte {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	if err != nil {
		t.Fatal(err)
	}
	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
}

func TestTokenReads(t *testing.T) {
	p := providertest.New(11155111)
	reg := &ledgertest.Registry{}
	reg.SetBalance(buyer, ledger.UnitsToMinor(100))
	reg.SetAllowance(buyer, registryAddr, big.NewInt(250))
	p.CallHook = reg.Hook()
	l := newLedger(p)
	ctx := context.Background()

	bal, err := l.BalanceOf(ctx, buyer)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if bal.Cmp(ledger.UnitsToMinor(100)) != 0 {
		t.Errorf("balance = %s", bal)
	}
	allowed, err := l.Allowance(ctx, buyer, registryAddr)
	if err != nil {
		t.Fatalf("Allowance: %v", err)
	}
	if allowed.Int64() != 250 {
		t.Errorf("allowance = %s", allowed)
	}

	if bal, err := l.BalanceOf(ctx, seller); err != nil || bal.Sign() != 0 {
		t.Errorf("unknown owner balance = %v, %v", bal, err)
	}
	if reg.Calls() != 0 {
		t.Errorf("token reads counted as listing reads: %d", reg.Calls())
	}
}
