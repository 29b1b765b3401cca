// Package purchase drives the two-phase approve-then-purchase sequence for
// one listing at a time.
package purchase

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
	"github.com/DeBrosOfficial/datamarket/pkg/wallet"
)

// Ledger is the contract surface the flow drives.
type Ledger interface {
	Registry() common.Address
	Approve(ctx context.Context, from, spender common.Address, amount *big.Int) (*ledger.Tx, error)
	Purchase(ctx context.Context, from common.Address, id *big.Int) (*ledger.Tx, error)
}

// Sessions exposes the current session.
type Sessions interface {
	Current() wallet.Session
}

// Gate decides whether ledger writes are allowed for a session.
type Gate interface {
	Check(s wallet.Session) error
}

// Recorder persists completed purchases.
type Recorder interface {
	Upsert(ctx context.Context, accountKey string, rec market.PurchaseRecord) error
}

// Refresher re-fetches listings after a purchase.
type Refresher interface {
	Refresh(ctx context.Context) ([]market.Listing, error)
}

// Options tune the flow.
type Options struct {
	// ConfirmationTimeout bounds each confirmation wait. Zero waits forever.
	ConfirmationTimeout time.Duration
	Now                 func() time.Time
}

type flow struct {
	id       string
	listing  market.Listing
	account  common.Address
	approve  *ledger.Tx
	purchase *ledger.Tx
	done     chan struct{}
}

// Orchestrator owns the single purchase flow. Begin returns once the gates
// pass; the transactions run in the background and are observed through
// Progress, Subscribe or Await.
type Orchestrator struct {
	ledger    Ledger
	sessions  Sessions
	gate      Gate
	recorder  Recorder
	refresher Refresher
	opts      Options
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pubMu orders notifications; mu guards state. pubMu is taken first.
	pubMu    sync.Mutex
	mu       sync.Mutex
	progress Progress
	flow     *flow

	subs   map[int]func(Progress)
	nextID int
}

// New creates an idle orchestrator. recorder and refresher may be nil.
func New(l Ledger, sessions Sessions, gate Gate, recorder Recorder, refresher Refresher, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		ledger:    l,
		sessions:  sessions,
		gate:      gate,
		recorder:  recorder,
		refresher: refresher,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[int]func(Progress)),
	}
}

// Progress returns the current flow snapshot.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Subscribe registers fn for progress updates. fn runs synchronously and
// must not call Begin, Dismiss, Show or Recheck.
func (o *Orchestrator) Subscribe(fn func(Progress)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Begin checks the gates and starts a new flow for l. It fails with
// ErrPurchaseInFlight while another flow is between Approving and
// Purchasing, ErrNotConnected without a session, ErrSelfPurchase when the
// account sells l, and ErrWrongNetwork off the required chain. A rejected
// Begin submits nothing.
func (o *Orchestrator) Begin(ctx context.Context, l market.Listing) (Progress, error) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	if o.progress.InFlight() {
		p := o.progress
		o.mu.Unlock()
		return p, errors.ErrPurchaseInFlight
	}
	o.mu.Unlock()

	session := o.sessions.Current()
	if !session.Connected {
		return o.Progress(), errors.ErrNotConnected
	}
	if l.SoldBy(session.Account) {
		o.logger.Info("refusing self purchase", zap.String("listing_id", l.Key()))
		return o.Progress(), errors.ErrSelfPurchase
	}
	if o.gate != nil {
		if err := o.gate.Check(session); err != nil {
			return o.Progress(), err
		}
	}

	now := o.opts.Now()
	f := &flow{
		id:      uuid.NewString(),
		listing: l.Clone(),
		account: session.Account,
		done:    make(chan struct{}),
	}

	o.mu.Lock()
	o.flow = f
	o.progress = Progress{
		FlowID:      f.id,
		Step:        Approving,
		StepIndex:   int(Approving),
		ListingID:   l.Key(),
		ListingName: l.Name,
		Account:     session.Account,
		Visible:     true,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	p := o.progress
	subs := o.subscribers()
	o.mu.Unlock()
	notify(subs, p)

	o.logger.Info("purchase started",
		zap.String("flow_id", f.id),
		zap.String("listing_id", l.Key()),
		zap.String("account", session.Account.Hex()))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(f)
	}()
	return p, nil
}

// run executes the remaining phases of f. A flow re-entered through Recheck
// already holds the handles of submitted transactions and skips their
// submission.
func (o *Orchestrator) run(f *flow) {
	ctx := o.ctx
	log := o.logger.With(zap.String("flow_id", f.id))

	if f.purchase == nil {
		if f.approve == nil {
			price := f.listing.Price
			if price == nil {
				price = new(big.Int)
			}
			tx, err := o.ledger.Approve(ctx, f.account, o.ledger.Registry(), price)
			if err != nil {
				o.failFlow(f, err)
				return
			}
			f.approve = tx
			o.update(f, func(p *Progress) { p.ApproveHash = tx.Hash().Hex() })
			log.Debug("approve submitted", zap.String("hash", tx.Hash().Hex()))
		}

		if err := o.confirm(ctx, f.approve); err != nil {
			o.failFlow(f, err)
			return
		}
		o.update(f, func(p *Progress) { p.Step = Approved })

		o.update(f, func(p *Progress) { p.Step = Purchasing })
		tx, err := o.ledger.Purchase(ctx, f.account, f.listing.ID)
		if err != nil {
			o.failFlow(f, err)
			return
		}
		f.purchase = tx
		o.update(f, func(p *Progress) { p.PurchaseHash = tx.Hash().Hex() })
		log.Debug("purchase submitted", zap.String("hash", tx.Hash().Hex()))
	}

	if err := o.confirm(ctx, f.purchase); err != nil {
		o.failFlow(f, err)
		return
	}
	o.finish(f)
}

func (o *Orchestrator) confirm(ctx context.Context, tx *ledger.Tx) error {
	if o.opts.ConfirmationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ConfirmationTimeout)
		defer cancel()
	}
	_, err := tx.Wait(ctx)
	return err
}

func (o *Orchestrator) finish(f *flow) {
	ctx := o.ctx
	rec := market.NewPurchaseRecord(f.listing, f.purchase.Hash(), o.opts.Now())
	if o.recorder != nil {
		if err := o.recorder.Upsert(ctx, market.AccountKey(f.account), rec); err != nil {
			o.logger.Error("recording purchase failed",
				zap.String("flow_id", f.id),
				zap.String("listing_id", rec.ListingID),
				zap.Error(err))
		}
	}

	o.update(f, func(p *Progress) { p.Step = Done })
	o.logger.Info("purchase complete",
		zap.String("flow_id", f.id),
		zap.String("listing_id", rec.ListingID),
		zap.String("tx_hash", rec.TxHash))

	if o.refresher != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if _, err := o.refresher.Refresh(ctx); err != nil {
				o.logger.Warn("listing refresh after purchase failed", zap.Error(err))
			}
		}()
	}
}

func (o *Orchestrator) failFlow(f *flow, err error) {
	o.update(f, func(p *Progress) { p.fail(err) })
	o.logger.Warn("purchase failed",
		zap.String("flow_id", f.id),
		zap.String("code", errors.GetErrorCode(err)),
		zap.String("reason", errors.Reason(err)),
		zap.Error(err))
}

// update mutates the progress of f if f is still the current flow. Reaching
// a terminal step releases Await.
func (o *Orchestrator) update(f *flow, mutate func(p *Progress)) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	if o.flow != f {
		o.mu.Unlock()
		return
	}
	mutate(&o.progress)
	o.progress.StepIndex = int(o.progress.Step)
	o.progress.UpdatedAt = o.opts.Now()
	if o.progress.Terminal() {
		close(f.done)
	}
	p := o.progress
	subs := o.subscribers()
	o.mu.Unlock()
	notify(subs, p)
}

// Dismiss closes the progress view. A terminal flow is cleared back to
// Idle; a running flow is only hidden and keeps going.
func (o *Orchestrator) Dismiss() Progress {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	switch {
	case o.progress.Terminal():
		o.flow = nil
		o.progress = Progress{}
	case o.progress.InFlight():
		o.progress.Visible = false
	default:
		p := o.progress
		o.mu.Unlock()
		return p
	}
	p := o.progress
	subs := o.subscribers()
	o.mu.Unlock()
	notify(subs, p)
	return p
}

// Show makes the current flow visible again.
func (o *Orchestrator) Show() Progress {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	if o.progress.Step == Idle || o.progress.Visible {
		p := o.progress
		o.mu.Unlock()
		return p
	}
	o.progress.Visible = true
	p := o.progress
	subs := o.subscribers()
	o.mu.Unlock()
	notify(subs, p)
	return p
}

// Recheck resumes a flow whose confirmation wait timed out, waiting again
// on the same transaction. The flow returns to the step of that
// transaction and continues from there.
func (o *Orchestrator) Recheck(ctx context.Context) (Progress, error) {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.mu.Lock()
	f := o.flow
	if f == nil || o.progress.Step != Failed || !o.progress.Recheckable {
		p := o.progress
		o.mu.Unlock()
		return p, errors.ErrNothingToRecheck
	}

	step := Approving
	if f.purchase != nil {
		step = Purchasing
	}
	f.done = make(chan struct{})
	o.progress.Step = step
	o.progress.StepIndex = int(step)
	o.progress.Error = ""
	o.progress.ErrorCode = ""
	o.progress.Recheckable = false
	o.progress.err = nil
	o.progress.Visible = true
	o.progress.UpdatedAt = o.opts.Now()
	p := o.progress
	subs := o.subscribers()
	o.mu.Unlock()
	notify(subs, p)

	o.logger.Info("rechecking purchase", zap.String("flow_id", f.id), zap.Stringer("step", step))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(f)
	}()
	return p, nil
}

// Await blocks until the current flow reaches a terminal step or ctx ends.
func (o *Orchestrator) Await(ctx context.Context) (Progress, error) {
	o.mu.Lock()
	f := o.flow
	var done chan struct{}
	if f != nil {
		done = f.done
	}
	o.mu.Unlock()

	if done == nil {
		return o.Progress(), nil
	}
	select {
	case <-done:
		return o.Progress(), nil
	case <-ctx.Done():
		return o.Progress(), ctx.Err()
	}
}

// Close stops waiting on outstanding transactions. Submitted transactions
// are not affected on the ledger.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) subscribers() []func(Progress) {
	subs := make([]func(Progress), 0, len(o.subs))
	for id := 0; id < o.nextID; id++ {
		if fn, ok := o.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	return subs
}

func notify(subs []func(Progress), p Progress) {
	for _, fn := range subs {
		fn(p)
	}
}
