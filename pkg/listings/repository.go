// Package listings caches the registry's active listings. Each successful
// fetch replaces the whole collection; readers only ever see complete
// snapshots.
package listings

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
)

// Default page parameters.
const (
	DefaultPageSize = 20
	DefaultOffset   = 0
)

// Source reads raw listings from the ledger.
type Source interface {
	ActiveListings(ctx context.Context, pageSize, offset int) ([]market.RawListing, error)
}

// Gate reports whether ledger reads are currently allowed.
type Gate func() error

type snapshot struct {
	listings  []market.Listing
	fetchedAt time.Time
}

// Repository is a copy-on-write listing cache.
type Repository struct {
	source Source
	gate   Gate
	logger *zap.Logger

	fetchMu         sync.Mutex
	pageSize        int
	offset          int
	defaultPageSize int

	subMu  sync.RWMutex
	subs   map[int]func([]market.Listing)
	nextID int

	snap  atomic.Pointer[snapshot]
	stale atomic.Bool
	// gen advances on Invalidate and Clear so a fetch that straddles them
	// does not resurrect old data.
	gen atomic.Uint64
}

// New creates an empty, stale repository. gate may be nil.
func New(source Source, gate Gate, pageSize, offset int, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if offset < 0 {
		offset = DefaultOffset
	}
	r := &Repository{
		source:   source,
		gate:     gate,
		logger:   logger,
		pageSize: pageSize,
		offset:   offset,

		defaultPageSize: pageSize,
		subs:            make(map[int]func([]market.Listing)),
	}
	r.snap.Store(&snapshot{})
	r.stale.Store(true)
	return r
}

// OnReplace registers fn to run after every fetch that replaces the cache.
// Callbacks run with the fetch lock held; they must not block or fetch.
func (r *Repository) OnReplace(fn func([]market.Listing)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Repository) notify(listings []market.Listing) {
	r.subMu.RLock()
	fns := make([]func([]market.Listing), 0, len(r.subs))
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	r.subMu.RUnlock()
	for _, fn := range fns {
		fn(cloneAll(listings))
	}
}

// Fetch reads one page and replaces the cache with it. A non-positive
// pageSize means the configured page size. On failure the previous
// collection is left untouched.
func (r *Repository) Fetch(ctx context.Context, pageSize, offset int) ([]market.Listing, error) {
	if pageSize <= 0 {
		pageSize = r.defaultPageSize
	}
	if offset < 0 {
		offset = DefaultOffset
	}
	if r.gate != nil {
		if err := r.gate(); err != nil {
			return nil, err
		}
	}

	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()

	gen := r.gen.Load()
	raws, err := r.source.ActiveListings(ctx, pageSize, offset)
	if err != nil {
		r.logger.Warn("listing fetch failed, keeping cached listings",
			zap.Int("page_size", pageSize),
			zap.Int("offset", offset),
			zap.Error(err))
		return nil, err
	}

	listings := format(raws)
	r.pageSize, r.offset = pageSize, offset

	if r.gen.Load() != gen {
		r.logger.Debug("discarding listings fetched across an invalidation")
		return cloneAll(listings), nil
	}
	r.snap.Store(&snapshot{listings: listings, fetchedAt: time.Now()})
	r.stale.Store(false)

	r.logger.Info("listings fetched",
		zap.Int("count", len(listings)),
		zap.Int("page_size", pageSize),
		zap.Int("offset", offset))
	r.notify(listings)
	return cloneAll(listings), nil
}

// Refresh repeats the last page request.
func (r *Repository) Refresh(ctx context.Context) ([]market.Listing, error) {
	r.fetchMu.Lock()
	pageSize, offset := r.pageSize, r.offset
	r.fetchMu.Unlock()
	return r.Fetch(ctx, pageSize, offset)
}

// format keeps ledger order, drops inactive rows and repeated ids.
func format(raws []market.RawListing) []market.Listing {
	out := make([]market.Listing, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		l := market.Format(raw)
		if !l.Active {
			continue
		}
		if _, dup := seen[l.Key()]; dup {
			continue
		}
		seen[l.Key()] = struct{}{}
		out = append(out, l)
	}
	return out
}

func cloneAll(in []market.Listing) []market.Listing {
	out := make([]market.Listing, len(in))
	for i, l := range in {
		out[i] = l.Clone()
	}
	return out
}

// Snapshot returns a copy of the cached listings.
func (r *Repository) Snapshot() []market.Listing {
	return cloneAll(r.snap.Load().listings)
}

// Find returns the cached listing with the given decimal id.
func (r *Repository) Find(id string) (market.Listing, error) {
	for _, l := range r.snap.Load().listings {
		if l.Key() == id {
			return l.Clone(), nil
		}
	}
	return market.Listing{}, errors.WithKind(errors.ErrListingNotFound, "listing "+id+" not found", nil)
}

// FetchedAt returns when the cached collection was fetched; zero if never.
func (r *Repository) FetchedAt() time.Time {
	return r.snap.Load().fetchedAt
}

// Stale reports whether the cache must be re-fetched before use.
func (r *Repository) Stale() bool {
	return r.stale.Load()
}

// Invalidate marks the cache stale, e.g. after a chain change. The old
// collection stays readable until the next fetch replaces it.
func (r *Repository) Invalidate() {
	r.gen.Add(1)
	r.stale.Store(true)
}

// Clear drops the cached collection.
func (r *Repository) Clear() {
	r.gen.Add(1)
	r.snap.Store(&snapshot{})
	r.stale.Store(true)
}
