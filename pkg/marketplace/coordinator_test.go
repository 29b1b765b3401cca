package marketplace_test

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeBrosOfficial/datamarket/pkg/content"
	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/faucet"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger/ledgertest"
	"github.com/DeBrosOfficial/datamarket/pkg/listings"
	"github.com/DeBrosOfficial/datamarket/pkg/marketplace"
	"github.com/DeBrosOfficial/datamarket/pkg/network"
	"github.com/DeBrosOfficial/datamarket/pkg/provider/providertest"
	"github.com/DeBrosOfficial/datamarket/pkg/purchase"
	"github.com/DeBrosOfficial/datamarket/pkg/storage"
	"github.com/DeBrosOfficial/datamarket/pkg/wallet"
)

const (
	sepolia = 11155111
	mainnet = 1

	payloadCID = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	waitFor    = 2 * time.Second
	tick       = 2 * time.Millisecond
)

var (
	buyer  = providertest.Address(0xA)
	seller = providertest.Address(0xB)
)

type stubFaucet struct {
	mu    sync.Mutex
	asked []common.Address
}

func (s *stubFaucet) RequestTokens(ctx context.Context, addr common.Address) (faucet.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, addr)
	return faucet.Response{Message: "sent", TransactionHash: providertest.Hash(0xF0).Hex()}, nil
}

type env struct {
	fake     *providertest.Fake
	registry *ledgertest.Registry
	store    *storage.Store
	faucet   *stubFaucet
	coord    *marketplace.Coordinator
	dir      string

	mu     sync.Mutex
	events []marketplace.Event
}

func newEnv(t *testing.T, chainID uint64, prepare func(*env)) *env {
	t.Helper()
	dir := t.TempDir()

	e := &env{
		fake:     providertest.New(chainID, buyer),
		registry: &ledgertest.Registry{},
		faucet:   &stubFaucet{},
		dir:      dir,
	}
	e.fake.AutoConfirm = true
	e.fake.CallHook = e.registry.Hook()
	e.registry.Set(
		ledgertest.Listing(1, seller, "weather", 10),
		ledgertest.Listing(2, buyer, "own dataset", 5),
	)

	store, err := storage.Open(context.Background(), filepath.Join(dir, "market.db"), nil)
	require.NoError(t, err)
	e.store = store
	t.Cleanup(func() { store.Close() })

	if prepare != nil {
		prepare(e)
	}

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	t.Cleanup(gw.Close)
	fetcher, err := content.New(content.Config{Gateways: []string{gw.URL}, DownloadDir: filepath.Join(dir, "downloads")}, nil)
	require.NoError(t, err)

	l := ledger.New(e.fake, ledger.Config{
		Registry:     common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Token:        common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		PollInterval: time.Millisecond,
	}, nil)
	mgr := wallet.NewManager(e.fake, store.Preferences(), nil)
	guard := network.NewGuard(sepolia, "Sepolia", e.fake, nil)
	repo := listings.New(l, func() error { return guard.Check(mgr.Current()) }, 20, 0, nil)
	orch := purchase.New(l, mgr, guard, store.Purchases(), repo, purchase.Options{}, nil)

	e.coord = marketplace.New(marketplace.Deps{
		Wallet:    mgr,
		Guard:     guard,
		Listings:  repo,
		Purchases: orch,
		History:   store.Purchases(),
		Content:   fetcher,
		Faucet:    e.faucet,
		Tokens:    l,
	}, nil)
	e.coord.Subscribe(func(ev marketplace.Event) {
		e.mu.Lock()
		e.events = append(e.events, ev)
		e.mu.Unlock()
	})
	e.coord.Start(context.Background())
	t.Cleanup(e.coord.Close)
	return e
}

func (e *env) eventTypes() []marketplace.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]marketplace.EventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

func (e *env) session() wallet.Session {
	return e.coord.Session()
}

func (e *env) listingEvents() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == marketplace.EventListings {
			n++
		}
	}
	return n
}

// connect connects and waits for the background listing fetch to land.
func (e *env) connect(t *testing.T) {
	t.Helper()
	_, err := e.coord.Connect(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.listingEvents() == 1 }, waitFor, tick)
}

func TestConnectOnRequiredChainFetchesListings(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	s, err := e.coord.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, buyer, s.Account)
	assert.True(t, s.Connected)

	require.Eventually(t, func() bool { return e.listingEvents() == 1 }, waitFor, tick)

	got, err := e.coord.Listings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "weather", got[0].Name)
	assert.Equal(t, 1, e.registry.Calls(), "a fresh cache is served without a ledger read")

	assert.Eventually(t, func() bool {
		types := e.eventTypes()
		return len(types) >= 2 && types[0] == marketplace.EventSession && types[len(types)-1] == marketplace.EventListings
	}, waitFor, tick)
}

func TestWrongNetworkBlocksUntilSwitch(t *testing.T) {
	e := newEnv(t, mainnet, nil)
	ctx := context.Background()

	_, err := e.coord.Connect(ctx)
	require.NoError(t, err)

	_, err = e.coord.Listings(ctx)
	require.ErrorIs(t, err, errors.ErrWrongNetwork)
	_, err = e.coord.Purchase(ctx, "1")
	require.Error(t, err)
	assert.Zero(t, e.registry.Calls())
	assert.Empty(t, e.fake.Sent())

	require.NoError(t, e.coord.SwitchNetwork(ctx))
	assert.Equal(t, []uint64{sepolia}, e.fake.SwitchCalls())

	require.Eventually(t, func() bool { return e.session().ChainID == sepolia }, waitFor, tick)
	require.Eventually(t, func() bool { return e.registry.Calls() == 1 }, waitFor, tick)
}

func TestSwitchRejectedLeavesSessionAlone(t *testing.T) {
	e := newEnv(t, mainnet, nil)
	ctx := context.Background()
	_, err := e.coord.Connect(ctx)
	require.NoError(t, err)

	e.fake.SwitchErr = providertest.Rejected()
	err = e.coord.SwitchNetwork(ctx)
	require.ErrorIs(t, err, errors.ErrSwitchRejected)
	assert.Equal(t, uint64(mainnet), e.session().ChainID)
}

func TestChainChangeInvalidatesListings(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	e.connect(t)

	e.fake.SetChain(mainnet)
	require.Eventually(t, func() bool { return e.session().ChainID == mainnet }, waitFor, tick)

	_, err := e.coord.Listings(ctx)
	require.ErrorIs(t, err, errors.ErrWrongNetwork)

	e.registry.Set(ledgertest.Listing(3, seller, "after switch", 1))
	e.fake.SetChain(sepolia)
	require.Eventually(t, func() bool { return e.registry.Calls() == 2 }, waitFor, tick)

	got, err := e.coord.Listings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].Key())
}

func TestAccountChangeKeepsListings(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	e.connect(t)

	other := providertest.Address(0xC)
	e.fake.SetAccounts(other)
	require.Eventually(t, func() bool { return e.session().Account == other }, waitFor, tick)

	got, err := e.coord.Listings(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, e.registry.Calls())
}

func TestDisconnectClearsListingsAndFlag(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	e.connect(t)
	on, err := e.store.Preferences().ConnectedFlag(ctx)
	require.NoError(t, err)
	require.True(t, on)

	s := e.coord.Disconnect(ctx)
	assert.False(t, s.Connected)

	_, err = e.coord.Listings(ctx)
	require.ErrorIs(t, err, errors.ErrNotConnected)
	_, err = e.coord.History(ctx)
	require.ErrorIs(t, err, errors.ErrNotConnected)

	on, err = e.store.Preferences().ConnectedFlag(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestEagerReconnectOnStartNeverPrompts(t *testing.T) {
	e := newEnv(t, sepolia, func(e *env) {
		require.NoError(t, e.store.Preferences().SetConnectedFlag(context.Background(), true))
		e.fake.Authorize(buyer)
	})

	assert.True(t, e.session().Connected)
	assert.Equal(t, buyer, e.session().Account)
	assert.Zero(t, e.fake.RequestAccountsCalls())
	require.Eventually(t, func() bool { return e.registry.Calls() == 1 }, waitFor, tick)
}

func TestEagerReconnectWithoutFlagStaysDisconnected(t *testing.T) {
	e := newEnv(t, sepolia, func(e *env) { e.fake.Authorize(buyer) })

	assert.False(t, e.session().Connected)
	assert.Zero(t, e.fake.RequestAccountsCalls())
	assert.Zero(t, e.registry.Calls())
}

func TestPurchaseRecordsHistoryAndRefreshes(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	e.connect(t)

	p, err := e.coord.Purchase(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, purchase.Approving, p.Step)

	require.Eventually(t, func() bool { return e.coord.Progress().Step == purchase.Done }, waitFor, tick)
	require.Eventually(t, func() bool { return e.registry.Calls() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return e.listingEvents() == 2 }, waitFor, tick,
		"the post-purchase refresh is published to subscribers")

	sent := e.fake.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "approve", ledgertest.Method(sent[0].Data))
	assert.Equal(t, "purchaseData", ledgertest.Method(sent[1].Data))

	history, err := e.coord.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "1", history[0].ListingID)
	assert.Equal(t, "weather", history[0].Name)
	assert.Equal(t, e.coord.Progress().PurchaseHash, history[0].TxHash)

	dismissed := e.coord.Dismiss()
	assert.Equal(t, purchase.Idle, dismissed.Step)
}

func TestFetchListingsWithoutPageSize(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	e.connect(t)

	got, err := e.coord.FetchListings(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	require.Eventually(t, func() bool { return e.listingEvents() == 2 }, waitFor, tick)

	got, err = e.coord.RefreshListings(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2, "a page-less request must not shrink later refreshes")
}

func TestPurchaseGates(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	_, err := e.coord.Purchase(ctx, "1")
	require.Error(t, err, "no listings are cached before connecting")

	e.connect(t)

	_, err = e.coord.Purchase(ctx, "99")
	require.ErrorIs(t, err, errors.ErrListingNotFound)

	_, err = e.coord.Purchase(ctx, "2")
	require.ErrorIs(t, err, errors.ErrSelfPurchase)
	assert.Empty(t, e.fake.Sent())

	_, err = e.coord.Recheck(ctx)
	require.ErrorIs(t, err, errors.ErrNothingToRecheck)
}

func TestHistoryIsPerAccount(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	e.connect(t)
	_, err := e.coord.Purchase(ctx, "1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.coord.Progress().Step == purchase.Done }, waitFor, tick)

	other := providertest.Address(0xC)
	e.fake.SetAccounts(other)
	require.Eventually(t, func() bool { return e.session().Account == other }, waitFor, tick)

	history, err := e.coord.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDownload(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	res, err := e.coord.Download(ctx, payloadCID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.dir, "downloads", payloadCID), res.Path)
	assert.Equal(t, int64(len("payload")), res.Size)

	_, err = e.coord.Download(ctx, "bafy-data-1")
	require.ErrorIs(t, err, errors.ErrInvalidContentID)
}

func TestRequestTestTokens(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	_, err := e.coord.RequestTestTokens(ctx)
	require.ErrorIs(t, err, errors.ErrNotConnected)

	_, err = e.coord.Connect(ctx)
	require.NoError(t, err)
	resp, err := e.coord.RequestTestTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, providertest.Hash(0xF0).Hex(), resp.TransactionHash)
	assert.Equal(t, []common.Address{buyer}, e.faucet.asked)
}

func TestBalance(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	_, err := e.coord.Balance(ctx)
	require.ErrorIs(t, err, errors.ErrNotConnected)

	e.registry.SetBalance(buyer, ledger.UnitsToMinor(100))
	e.registry.SetAllowance(buyer, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), big.NewInt(10))
	e.connect(t)

	b, err := e.coord.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, buyer, b.Account)
	assert.Zero(t, b.Balance.Cmp(ledger.UnitsToMinor(100)))
	assert.Equal(t, int64(10), b.Allowance.Int64())
}

func TestProviderGoneDropsSession(t *testing.T) {
	e := newEnv(t, sepolia, nil)
	ctx := context.Background()

	e.connect(t)

	require.NoError(t, e.fake.Close())
	require.Eventually(t, func() bool { return !e.session().Connected }, waitFor, tick)

	_, err := e.coord.Listings(ctx)
	require.ErrorIs(t, err, errors.ErrNotConnected)
}
