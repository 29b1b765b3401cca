// Package marketplace wires the session, network gate, listing cache,
// purchase flow, purchase history, content fetcher and faucet into the
// operations a front end calls.
package marketplace

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/content"
	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/faucet"
	"github.com/DeBrosOfficial/datamarket/pkg/listings"
	"github.com/DeBrosOfficial/datamarket/pkg/logging"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
	"github.com/DeBrosOfficial/datamarket/pkg/network"
	"github.com/DeBrosOfficial/datamarket/pkg/purchase"
	"github.com/DeBrosOfficial/datamarket/pkg/wallet"
)

// History reads the per-account purchase history.
type History interface {
	List(ctx context.Context, accountKey string) ([]market.PurchaseRecord, error)
}

// Downloader fetches purchased payloads.
type Downloader interface {
	Fetch(ctx context.Context, contentID string) (*content.Result, error)
}

// TokenRequester asks a faucet for test tokens.
type TokenRequester interface {
	RequestTokens(ctx context.Context, address common.Address) (faucet.Response, error)
}

// TokenReader reads the payment token. *ledger.Ledger implements it.
type TokenReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Registry() common.Address
}

// Balance is the connected account's payment-token position. Amounts are in
// minor units; Allowance is what the registry may currently spend.
type Balance struct {
	Account   common.Address `json:"account"`
	Balance   *big.Int       `json:"balance"`
	Allowance *big.Int       `json:"allowance"`
}

// Deps are the components the coordinator drives. Faucet and Tokens may be
// nil.
type Deps struct {
	Wallet    *wallet.Manager
	Guard     *network.Guard
	Listings  *listings.Repository
	Purchases *purchase.Orchestrator
	History   History
	Content   Downloader
	Faucet    TokenRequester
	Tokens    TokenReader
}

// EventType names what an Event carries.
type EventType string

const (
	EventSession  EventType = "session"
	EventProgress EventType = "progress"
	EventListings EventType = "listings"
)

// Event is published to subscribers for every session change, purchase
// progress update and listing cache replacement.
type Event struct {
	Type     EventType          `json:"type"`
	Change   string             `json:"change,omitempty"`
	Session  *wallet.Session    `json:"session,omitempty"`
	Progress *purchase.Progress `json:"progress,omitempty"`
	Listings []market.Listing   `json:"listings,omitempty"`
	At       time.Time          `json:"at"`
}

// Coordinator owns the control flow between components.
type Coordinator struct {
	deps   Deps
	logger *logging.ColoredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribe []func()

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// New subscribes to the session, purchase progress and listing cache. Call
// Start to begin
// draining provider events.
func New(deps Deps, logger *logging.ColoredLogger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		deps:   deps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func(Event)),
	}

	c.unsubscribe = append(c.unsubscribe,
		deps.Wallet.Subscribe(c.onSessionChange),
		deps.Purchases.Subscribe(c.onProgress),
		deps.Listings.OnReplace(c.onListings),
	)
	return c
}

// Start restores a previous session without prompting and drains provider
// notifications until Close.
func (c *Coordinator) Start(ctx context.Context) {
	if s, err := c.deps.Wallet.EagerReconnect(ctx); err != nil {
		c.logger.ComponentWarn(logging.ComponentSession, "Eager reconnect failed", zap.Error(err))
	} else if s.Connected {
		c.logger.ComponentInfo(logging.ComponentSession, "Session restored",
			zap.String("account", s.Account.Hex()),
			zap.Uint64("chain_id", s.ChainID))
	}

	if c.deps.Wallet.Provider() == nil {
		c.logger.ComponentWarn(logging.ComponentSession, "No signing provider configured; read-only mode")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.deps.Wallet.Run(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.ComponentError(logging.ComponentSession, "Provider event loop stopped", zap.Error(err))
		}
	}()
}

// Close stops background work and waits for it.
func (c *Coordinator) Close() {
	c.cancel()
	for _, u := range c.unsubscribe {
		u()
	}
	c.deps.Purchases.Close()
	c.wg.Wait()
}

// Subscribe registers fn for coordinator events. Callbacks run synchronously
// on the publishing goroutine and must not block.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) publish(ev Event) {
	ev.At = time.Now().UTC()
	c.subMu.RLock()
	fns := make([]func(Event), 0, len(c.subs))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.subMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// onSessionChange runs inside the wallet manager's replacement; it only
// touches the cache and schedules fetches.
func (c *Coordinator) onSessionChange(ch wallet.Change) {
	s := ch.Session
	c.publish(Event{Type: EventSession, Change: ch.Kind.String(), Session: &s})

	if ch.Kind == wallet.ChangeDisconnected || !s.Connected {
		c.deps.Listings.Clear()
		c.logger.ComponentDebug(logging.ComponentListings, "Listing cache cleared on disconnect")
		return
	}
	if ch.ChainSwitched() {
		c.deps.Listings.Invalidate()
		c.logger.ComponentInfo(logging.ComponentListings, "Listing cache invalidated by chain change",
			zap.Uint64("from", ch.Previous.ChainID),
			zap.Uint64("to", s.ChainID))
	}
	if c.deps.Guard.Check(s) == nil && c.deps.Listings.Stale() {
		c.scheduleFetch()
	}
}

func (c *Coordinator) onProgress(p purchase.Progress) {
	c.publish(Event{Type: EventProgress, Progress: &p})
}

// onListings covers every cache replacement, including the refresh the
// purchase flow runs after a confirmed purchase.
func (c *Coordinator) onListings(ls []market.Listing) {
	c.publish(Event{Type: EventListings, Listings: ls})
}

func (c *Coordinator) scheduleFetch() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.fetchListings(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.ComponentWarn(logging.ComponentListings, "Background listing fetch failed", zap.Error(err))
		}
	}()
}

func (c *Coordinator) fetchListings(ctx context.Context) ([]market.Listing, error) {
	return c.deps.Listings.Refresh(ctx)
}

// Session returns the current session.
func (c *Coordinator) Session() wallet.Session {
	return c.deps.Wallet.Current()
}

// RequiredChainID is the chain ledger operations run on.
func (c *Coordinator) RequiredChainID() uint64 {
	return c.deps.Guard.RequiredChainID()
}

// Connect prompts the provider for account access.
func (c *Coordinator) Connect(ctx context.Context) (wallet.Session, error) {
	return c.deps.Wallet.Connect(ctx)
}

// EagerReconnect restores the previous session without prompting.
func (c *Coordinator) EagerReconnect(ctx context.Context) (wallet.Session, error) {
	return c.deps.Wallet.EagerReconnect(ctx)
}

// Disconnect forgets the session. Listings are cleared through the session
// subscription.
func (c *Coordinator) Disconnect(ctx context.Context) wallet.Session {
	c.deps.Wallet.Disconnect(ctx)
	return c.deps.Wallet.Current()
}

// SwitchNetwork asks the provider to move to the required chain. The
// resulting session change arrives through the provider's notifications.
func (c *Coordinator) SwitchNetwork(ctx context.Context) error {
	return c.deps.Guard.RequestSwitch(ctx)
}

// Listings returns the cached listings, fetching first when the cache is
// stale.
func (c *Coordinator) Listings(ctx context.Context) ([]market.Listing, error) {
	if err := c.deps.Guard.Check(c.Session()); err != nil {
		return nil, err
	}
	if c.deps.Listings.Stale() {
		return c.fetchListings(ctx)
	}
	return c.deps.Listings.Snapshot(), nil
}

// RefreshListings re-reads the last requested page.
func (c *Coordinator) RefreshListings(ctx context.Context) ([]market.Listing, error) {
	return c.fetchListings(ctx)
}

// FetchListings reads a specific page and makes it the cache. A zero
// pageSize uses the configured page size.
func (c *Coordinator) FetchListings(ctx context.Context, pageSize, offset int) ([]market.Listing, error) {
	return c.deps.Listings.Fetch(ctx, pageSize, offset)
}

// Purchase starts the approve and purchase flow for a cached listing.
func (c *Coordinator) Purchase(ctx context.Context, listingID string) (purchase.Progress, error) {
	l, err := c.deps.Listings.Find(listingID)
	if err != nil {
		return c.deps.Purchases.Progress(), err
	}
	return c.deps.Purchases.Begin(ctx, l)
}

// Progress returns the current purchase progress.
func (c *Coordinator) Progress() purchase.Progress {
	return c.deps.Purchases.Progress()
}

// Dismiss closes the progress view.
func (c *Coordinator) Dismiss() purchase.Progress {
	return c.deps.Purchases.Dismiss()
}

// ShowProgress re-opens a hidden progress view.
func (c *Coordinator) ShowProgress() purchase.Progress {
	return c.deps.Purchases.Show()
}

// Recheck resumes a flow whose confirmation wait timed out.
func (c *Coordinator) Recheck(ctx context.Context) (purchase.Progress, error) {
	return c.deps.Purchases.Recheck(ctx)
}

// History lists the connected account's purchases, newest first.
func (c *Coordinator) History(ctx context.Context) ([]market.PurchaseRecord, error) {
	key := c.Session().AccountKey()
	if key == "" {
		return nil, errors.ErrNotConnected
	}
	return c.deps.History.List(ctx, key)
}

// Download fetches contentID through the configured gateways.
func (c *Coordinator) Download(ctx context.Context, contentID string) (*content.Result, error) {
	res, err := c.deps.Content.Fetch(ctx, contentID)
	if err != nil {
		c.logger.ComponentWarn(logging.ComponentContent, "Download failed",
			zap.String("cid", contentID),
			zap.String("code", errors.GetErrorCode(err)),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

// Balance reads the connected account's token balance and its allowance
// toward the registry.
func (c *Coordinator) Balance(ctx context.Context) (Balance, error) {
	s := c.Session()
	if err := c.deps.Guard.Check(s); err != nil {
		return Balance{}, err
	}
	if c.deps.Tokens == nil {
		return Balance{}, errors.NewValidationError("contracts.token", "token reads are not configured", "")
	}
	bal, err := c.deps.Tokens.BalanceOf(ctx, s.Account)
	if err != nil {
		return Balance{}, errors.WithKind(errors.ErrFetchDecode, "read token balance", err)
	}
	allowed, err := c.deps.Tokens.Allowance(ctx, s.Account, c.deps.Tokens.Registry())
	if err != nil {
		return Balance{}, errors.WithKind(errors.ErrFetchDecode, "read token allowance", err)
	}
	return Balance{Account: s.Account, Balance: bal, Allowance: allowed}, nil
}

// RequestTestTokens asks the faucet to mint test tokens to the connected
// account.
func (c *Coordinator) RequestTestTokens(ctx context.Context) (faucet.Response, error) {
	s := c.Session()
	if !s.Connected {
		return faucet.Response{}, errors.ErrNotConnected
	}
	if c.deps.Faucet == nil {
		return faucet.Response{}, errors.NewValidationError("faucet.url", "faucet URL is not configured", "")
	}
	resp, err := c.deps.Faucet.RequestTokens(ctx, s.Account)
	if err != nil {
		c.logger.ComponentWarn(logging.ComponentFaucet, "Faucet request failed", zap.Error(err))
		return faucet.Response{}, err
	}
	return resp, nil
}
