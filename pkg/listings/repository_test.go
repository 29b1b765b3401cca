package listings

import (
	"context"
	"math/big"
	"reflect"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/ledger/ledgertest"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
	"github.com/DeBrosOfficial/datamarket/pkg/provider/providertest"
)

var seller = providertest.Address(0xB)

type fakeSource struct {
	mu    sync.Mutex
	raws  []market.RawListing
	err   error
	calls int
	pages [][2]int
	hook  func()
}

func (s *fakeSource) ActiveListings(ctx context.Context, pageSize, offset int) ([]market.RawListing, error) {
	s.mu.Lock()
	s.calls++
	s.pages = append(s.pages, [2]int{pageSize, offset})
	raws, err, hook := s.raws, s.err, s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return raws, err
}

func (s *fakeSource) set(raws ...market.RawListing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raws, s.err = raws, nil
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func keys(ls []market.Listing) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Key()
	}
	return out
}

func TestFetchReplacesCache(t *testing.T) {
	src := &fakeSource{}
	src.set(ledgertest.Listing(7, seller, "weather", 250), ledgertest.Listing(3, seller, "traffic", 10))
	r := New(src, nil, 20, 0, zap.NewNop())

	if !r.Stale() {
		t.Error("new repository should be stale")
	}
	got, err := r.Fetch(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if want := []string{"7", "3"}; !reflect.DeepEqual(keys(got), want) {
		t.Errorf("keys = %v, want ledger order %v", keys(got), want)
	}
	if r.Stale() || r.FetchedAt().IsZero() {
		t.Error("cache not marked fresh")
	}

	src.set(ledgertest.Listing(9, seller, "energy", 1))
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if want := []string{"9"}; !reflect.DeepEqual(keys(r.Snapshot()), want) {
		t.Errorf("after refresh keys = %v, want %v", keys(r.Snapshot()), want)
	}
}

func TestFetchFailureKeepsSnapshot(t *testing.T) {
	src := &fakeSource{}
	src.set(ledgertest.Listing(7, seller, "weather", 250))
	r := New(src, nil, 20, 0, zap.NewNop())
	if _, err := r.Fetch(context.Background(), 20, 0); err != nil {
		t.Fatal(err)
	}
	before := r.Snapshot()
	fetchedAt := r.FetchedAt()

	src.fail(errors.WithKind(errors.ErrFetchDecode, "decode listings", nil))
	if _, err := r.Fetch(context.Background(), 20, 0); !errors.Is(err, errors.ErrFetchDecode) {
		t.Fatalf("expected ErrFetchDecode, got %v", err)
	}

	if after := r.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("snapshot changed on failure: %v -> %v", before, after)
	}
	if !r.FetchedAt().Equal(fetchedAt) {
		t.Error("fetch time changed on failure")
	}
}

func TestGateBlocksFetch(t *testing.T) {
	src := &fakeSource{}
	src.set(ledgertest.Listing(7, seller, "weather", 250))
	gate := func() error { return errors.ErrWrongNetwork }
	r := New(src, gate, 20, 0, zap.NewNop())

	if _, err := r.Fetch(context.Background(), 20, 0); !errors.Is(err, errors.ErrWrongNetwork) {
		t.Fatalf("expected ErrWrongNetwork, got %v", err)
	}
	if src.calls != 0 {
		t.Errorf("source called %d times through a closed gate", src.calls)
	}
}

func TestFormatDropsInactiveAndDuplicates(t *testing.T) {
	inactive := ledgertest.Listing(2, seller, "old", 5)
	inactive.Active = false
	src := &fakeSource{}
	src.set(
		ledgertest.Listing(1, seller, "a", 5),
		inactive,
		ledgertest.Listing(1, seller, "a again", 5),
		ledgertest.Listing(4, seller, "b", 5),
	)
	r := New(src, nil, 20, 0, zap.NewNop())

	got, err := r.Fetch(context.Background(), 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"1", "4"}; !reflect.DeepEqual(keys(got), want) {
		t.Errorf("keys = %v, want %v", keys(got), want)
	}
	if got[0].Name != "a" {
		t.Errorf("first occurrence should win, got %q", got[0].Name)
	}
}

func TestFindAndSnapshotIsolation(t *testing.T) {
	src := &fakeSource{}
	src.set(ledgertest.Listing(7, seller, "weather", 250))
	r := New(src, nil, 20, 0, zap.NewNop())
	if _, err := r.Fetch(context.Background(), 20, 0); err != nil {
		t.Fatal(err)
	}

	l, err := r.Find("7")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	l.Price.SetInt64(1)
	snap := r.Snapshot()
	snap[0].ID.SetInt64(99)

	again, _ := r.Find("7")
	if again.Price.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("cached price mutated to %s", again.Price)
	}

	if _, err := r.Find("8"); !errors.Is(err, errors.ErrListingNotFound) || !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestInvalidateAndClear(t *testing.T) {
	src := &fakeSource{}
	src.set(ledgertest.Listing(7, seller, "weather", 250))
	r := New(src, nil, 20, 0, zap.NewNop())
	if _, err := r.Fetch(context.Background(), 20, 0); err != nil {
		t.Fatal(err)
	}

	r.Invalidate()
	if !r.Stale() || len(r.Snapshot()) != 1 {
		t.Errorf("invalidate: stale=%v len=%d", r.Stale(), len(r.Snapshot()))
	}

	r.Clear()
	if !r.Stale() || len(r.Snapshot()) != 0 {
		t.Errorf("clear: stale=%v len=%d", r.Stale(), len(r.Snapshot()))
	}
}

func TestFetchAcrossClearIsDiscarded(t *testing.T) {
	src := &fakeSource{}
	src.set(ledgertest.Listing(7, seller, "weather", 250))
	r := New(src, nil, 20, 0, zap.NewNop())
	src.hook = r.Clear

	got, err := r.Fetch(context.Background(), 20, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("Fetch = %v, %v", got, err)
	}
	if len(r.Snapshot()) != 0 || !r.Stale() {
		t.Error("fetch that straddled Clear was cached")
	}
}

func TestFetchWithoutPageSizeUsesConfigured(t *testing.T) {
	src := &fakeSource{}
	src.set(ledgertest.Listing(1, seller, "weather", 1))
	r := New(src, nil, 20, 0, zap.NewNop())
	ctx := context.Background()

	if _, err := r.Fetch(ctx, 20, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Fetch(ctx, 0, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Fetch(ctx, -1, -3); err != nil {
		t.Fatal(err)
	}
	got, err := r.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := [][2]int{{20, 0}, {20, 5}, {20, 0}, {20, 0}}
	if !reflect.DeepEqual(src.pages, want) {
		t.Errorf("pages requested = %v, want %v", src.pages, want)
	}
	if len(got) != 1 {
		t.Errorf("cached after refresh = %d, want 1", len(got))
	}
}

func TestOnReplaceRunsForEveryReplacement(t *testing.T) {
	src := &fakeSource{}
	src.set(ledgertest.Listing(1, seller, "weather", 1))
	r := New(src, nil, 20, 0, zap.NewNop())
	ctx := context.Background()

	var seen [][]string
	stop := r.OnReplace(func(ls []market.Listing) { seen = append(seen, keys(ls)) })

	if _, err := r.Fetch(ctx, 20, 0); err != nil {
		t.Fatal(err)
	}
	src.set(ledgertest.Listing(2, seller, "traffic", 1))
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	src.fail(errors.ErrFetchDecode)
	if _, err := r.Refresh(ctx); err == nil {
		t.Fatal("expected fetch error")
	}

	if want := [][]string{{"1"}, {"2"}}; !reflect.DeepEqual(seen, want) {
		t.Errorf("replacements = %v, want %v", seen, want)
	}

	stop()
	src.set(ledgertest.Listing(3, seller, "energy", 1))
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Errorf("callback ran after unsubscribe")
	}
}
