package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/DeBrosOfficial/datamarket/pkg/content"
	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/faucet"
	"github.com/DeBrosOfficial/datamarket/pkg/market"
	"github.com/DeBrosOfficial/datamarket/pkg/marketplace"
	"github.com/DeBrosOfficial/datamarket/pkg/purchase"
	"github.com/DeBrosOfficial/datamarket/pkg/wallet"
)

const requiredChain = 11155111

var account = common.HexToAddress("0x00000000000000000000000000000000000000Aa")

type stubMarket struct {
	mu sync.Mutex

	session  wallet.Session
	listings []market.Listing
	progress purchase.Progress
	history  []market.PurchaseRecord

	connectErr  error
	switchErr   error
	listingsErr error
	purchaseErr error
	recheckErr  error
	downloadErr error

	fetched   [][2]int
	purchased []string
	subs      []func(marketplace.Event)
}

func (m *stubMarket) Session() wallet.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *stubMarket) RequiredChainID() uint64 { return requiredChain }

func (m *stubMarket) Connect(ctx context.Context) (wallet.Session, error) {
	if m.connectErr != nil {
		return wallet.Session{}, m.connectErr
	}
	m.mu.Lock()
	m.session = wallet.Session{Account: account, ChainID: requiredChain, Connected: true}
	s := m.session
	m.mu.Unlock()
	return s, nil
}

func (m *stubMarket) Disconnect(ctx context.Context) wallet.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = wallet.Session{}
	return m.session
}

func (m *stubMarket) SwitchNetwork(ctx context.Context) error { return m.switchErr }

func (m *stubMarket) Listings(ctx context.Context) ([]market.Listing, error) {
	return m.listings, m.listingsErr
}

func (m *stubMarket) RefreshListings(ctx context.Context) ([]market.Listing, error) {
	return m.listings, m.listingsErr
}

func (m *stubMarket) FetchListings(ctx context.Context, pageSize, offset int) ([]market.Listing, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, [2]int{pageSize, offset})
	m.mu.Unlock()
	return m.listings, m.listingsErr
}

func (m *stubMarket) Purchase(ctx context.Context, listingID string) (purchase.Progress, error) {
	if m.purchaseErr != nil {
		return m.progress, m.purchaseErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchased = append(m.purchased, listingID)
	m.progress = purchase.Progress{Step: purchase.Approving, ListingID: listingID, Visible: true}
	return m.progress, nil
}

func (m *stubMarket) Progress() purchase.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

func (m *stubMarket) Dismiss() purchase.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = purchase.Progress{}
	return m.progress
}

func (m *stubMarket) ShowProgress() purchase.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.Visible = true
	return m.progress
}

func (m *stubMarket) Recheck(ctx context.Context) (purchase.Progress, error) {
	return m.Progress(), m.recheckErr
}

func (m *stubMarket) History(ctx context.Context) ([]market.PurchaseRecord, error) {
	if !m.Session().Connected {
		return nil, errors.ErrNotConnected
	}
	return m.history, nil
}

func (m *stubMarket) Download(ctx context.Context, contentID string) (*content.Result, error) {
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}
	return &content.Result{ContentID: contentID, Path: "/tmp/" + contentID, Size: 7}, nil
}

func (m *stubMarket) RequestTestTokens(ctx context.Context) (faucet.Response, error) {
	if !m.Session().Connected {
		return faucet.Response{}, errors.ErrNotConnected
	}
	return faucet.Response{Message: "sent", TransactionHash: "0xabc"}, nil
}

func (m *stubMarket) Balance(ctx context.Context) (marketplace.Balance, error) {
	if !m.Session().Connected {
		return marketplace.Balance{}, errors.ErrNotConnected
	}
	return marketplace.Balance{Account: account, Balance: big.NewInt(1000), Allowance: big.NewInt(0)}, nil
}

func (m *stubMarket) Subscribe(fn func(marketplace.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
	idx := len(m.subs) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs[idx] = nil
	}
}

func (m *stubMarket) publish(ev marketplace.Event) {
	m.mu.Lock()
	subs := append([]func(marketplace.Event){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(ev)
		}
	}
}

func newTestGateway(t *testing.T, m *stubMarket, cfg Config) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(cfg, m, nil)
	ts := httptest.NewServer(g.Router())
	t.Cleanup(func() {
		g.Close()
		ts.Close()
	})
	return g, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	_, ts := newTestGateway(t, &stubMarket{}, Config{})
	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
	if body["required_chain_id"].(float64) != requiredChain {
		t.Errorf("required_chain_id = %v", body["required_chain_id"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := &stubMarket{}
	_, ts := newTestGateway(t, m, Config{})

	_, body := do(t, http.MethodGet, ts.URL+"/v1/session", "")
	if body["connected"] != false {
		t.Fatalf("initial session = %v", body)
	}

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/session/connect", "")
	if resp.StatusCode != http.StatusOK || body["connected"] != true || body["account"] != account.Hex() {
		t.Fatalf("connect = %d %v", resp.StatusCode, body)
	}
	if body["wrong_network"] != false {
		t.Errorf("wrong_network = %v", body["wrong_network"])
	}

	resp, body = do(t, http.MethodDelete, ts.URL+"/v1/session", "")
	if resp.StatusCode != http.StatusOK || body["connected"] != false {
		t.Fatalf("disconnect = %d %v", resp.StatusCode, body)
	}
}

func TestWrongNetworkIsReported(t *testing.T) {
	m := &stubMarket{session: wallet.Session{Account: account, ChainID: 1, Connected: true}}
	_, ts := newTestGateway(t, m, Config{})

	_, body := do(t, http.MethodGet, ts.URL+"/v1/session", "")
	if body["wrong_network"] != true || body["chain_id"].(float64) != 1 {
		t.Fatalf("session = %v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(m *stubMarket)
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{
			name:   "connect rejected",
			setup:  func(m *stubMarket) { m.connectErr = errors.WithKind(errors.ErrUserRejected, "user rejected", nil) },
			method: http.MethodPost, path: "/v1/session/connect",
			status: http.StatusUnprocessableEntity, code: errors.CodeUserRejected,
		},
		{
			name:   "no provider",
			setup:  func(m *stubMarket) { m.connectErr = errors.ErrProviderUnavailable },
			method: http.MethodPost, path: "/v1/session/connect",
			status: http.StatusServiceUnavailable, code: errors.CodeProviderUnavailable,
		},
		{
			name:   "switch unsupported",
			setup:  func(m *stubMarket) { m.switchErr = errors.ErrSwitchUnsupported },
			method: http.MethodPost, path: "/v1/network/switch",
			status: http.StatusNotImplemented, code: errors.CodeSwitchUnsupported,
		},
		{
			name:   "wrong network",
			setup:  func(m *stubMarket) { m.listingsErr = errors.ErrWrongNetwork },
			method: http.MethodGet, path: "/v1/listings",
			status: http.StatusForbidden, code: errors.CodeWrongNetwork,
		},
		{
			name:   "fetch decode",
			setup:  func(m *stubMarket) { m.listingsErr = errors.WithKind(errors.ErrFetchDecode, "decode", nil) },
			method: http.MethodPost, path: "/v1/listings/refresh",
			status: http.StatusBadGateway, code: errors.CodeFetchDecode,
		},
		{
			name:   "self purchase",
			setup:  func(m *stubMarket) { m.purchaseErr = errors.ErrSelfPurchase },
			method: http.MethodPost, path: "/v1/purchases", body: `{"listing_id":"2"}`,
			status: http.StatusForbidden, code: errors.CodeSelfPurchase,
		},
		{
			name:   "in flight",
			setup:  func(m *stubMarket) { m.purchaseErr = errors.ErrPurchaseInFlight },
			method: http.MethodPost, path: "/v1/purchases", body: `{"listing_id":"1"}`,
			status: http.StatusConflict, code: errors.CodePurchaseInFlight,
		},
		{
			name:   "listing not found",
			setup:  func(m *stubMarket) { m.purchaseErr = errors.ErrListingNotFound },
			method: http.MethodPost, path: "/v1/purchases", body: `{"listing_id":"9"}`,
			status: http.StatusNotFound, code: errors.CodeNotFound,
		},
		{
			name:   "missing listing id",
			method: http.MethodPost, path: "/v1/purchases", body: `{"listing_id":"  "}`,
			status: http.StatusBadRequest, code: errors.CodeValidation,
		},
		{
			name:   "unknown field",
			method: http.MethodPost, path: "/v1/purchases", body: `{"id":"1"}`,
			status: http.StatusBadRequest, code: errors.CodeValidation,
		},
		{
			name:   "nothing to recheck",
			setup:  func(m *stubMarket) { m.recheckErr = errors.ErrNothingToRecheck },
			method: http.MethodPost, path: "/v1/purchases/progress/recheck",
			status: http.StatusConflict, code: errors.CodeNothingToRecheck,
		},
		{
			name:   "history disconnected",
			method: http.MethodGet, path: "/v1/purchases/history",
			status: http.StatusUnauthorized, code: errors.CodeNotConnected,
		},
		{
			name: "all gateways failed",
			setup: func(m *stubMarket) {
				m.downloadErr = errors.NewGatewayError("bafy", []string{"a", "b"}, errors.New("502"))
			},
			method: http.MethodPost, path: "/v1/content/bafy/download",
			status: http.StatusBadGateway, code: errors.CodeAllGatewaysFailed,
		},
		{
			name:   "bad pagination",
			method: http.MethodGet, path: "/v1/listings?limit=-1",
			status: http.StatusBadRequest, code: errors.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &stubMarket{}
			if tt.setup != nil {
				tt.setup(m)
			}
			_, ts := newTestGateway(t, m, Config{})
			resp, body := do(t, tt.method, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tt.status, body)
			}
			if body["code"] != tt.code {
				t.Errorf("code = %v, want %s", body["code"], tt.code)
			}
			if msg, _ := body["error"].(string); msg == "" {
				t.Errorf("missing error message: %v", body)
			}
			if body["trace_id"] == nil || body["trace_id"] == "" {
				t.Errorf("missing trace_id: %v", body)
			}
		})
	}
}

func TestListingsPagination(t *testing.T) {
	m := &stubMarket{listings: []market.Listing{{ID: big.NewInt(1), Name: "weather", Price: big.NewInt(10), Active: true}}}
	_, ts := newTestGateway(t, m, Config{})

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/listings", "")
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("listings = %d %v", resp.StatusCode, body)
	}
	if len(m.fetched) != 0 {
		t.Fatalf("plain listing read should use the cache, fetched %v", m.fetched)
	}

	do(t, http.MethodGet, ts.URL+"/v1/listings?limit=5&offset=10", "")
	if len(m.fetched) != 1 || m.fetched[0] != [2]int{5, 10} {
		t.Fatalf("fetched = %v", m.fetched)
	}

	// Without a limit the page size is left to the listing cache.
	do(t, http.MethodGet, ts.URL+"/v1/listings?offset=3", "")
	if len(m.fetched) != 2 || m.fetched[1] != [2]int{0, 3} {
		t.Fatalf("fetched = %v", m.fetched)
	}
}

func TestBalance(t *testing.T) {
	m := &stubMarket{}
	_, ts := newTestGateway(t, m, Config{})

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/balance", "")
	if resp.StatusCode != http.StatusUnauthorized || body["code"] == nil {
		t.Fatalf("not connected = %d %v", resp.StatusCode, body)
	}

	m.Connect(context.Background())
	resp, body = do(t, http.MethodGet, ts.URL+"/v1/balance", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
	if body["balance"].(float64) != 1000 || body["allowance"].(float64) != 0 {
		t.Errorf("body = %v", body)
	}
}

func TestEmptyListingsEncodeAsArray(t *testing.T) {
	_, ts := newTestGateway(t, &stubMarket{}, Config{})
	resp, err := http.Get(ts.URL + "/v1/listings")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var raw struct {
		Listings json.RawMessage `json:"listings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if string(raw.Listings) != "[]" {
		t.Errorf("listings = %s", raw.Listings)
	}
}

func TestPurchaseFlowEndpoints(t *testing.T) {
	m := &stubMarket{}
	_, ts := newTestGateway(t, m, Config{})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/purchases", `{"listing_id":" 7 "}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("purchase = %d %v", resp.StatusCode, body)
	}
	if body["step"] != "approving" || body["listing_id"] != "7" {
		t.Errorf("progress = %v", body)
	}
	if len(m.purchased) != 1 || m.purchased[0] != "7" {
		t.Errorf("purchased = %v", m.purchased)
	}

	_, body = do(t, http.MethodGet, ts.URL+"/v1/purchases/progress", "")
	if body["step"] != "approving" {
		t.Errorf("progress = %v", body)
	}

	_, body = do(t, http.MethodPost, ts.URL+"/v1/purchases/progress/dismiss", "")
	if body["step"] != "idle" {
		t.Errorf("dismissed = %v", body)
	}
}

func TestFaucetRateLimited(t *testing.T) {
	m := &stubMarket{session: wallet.Session{Account: account, ChainID: requiredChain, Connected: true}}
	_, ts := newTestGateway(t, m, Config{FaucetRatePerMinute: 1, FaucetBurst: 1})

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/faucet", "")
	if resp.StatusCode != http.StatusOK || body["transactionHash"] != "0xabc" {
		t.Fatalf("first faucet call = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/faucet", "")
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != errors.CodeRateLimited {
		t.Fatalf("second faucet call = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Other routes are not limited.
	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/session", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("session = %d", resp.StatusCode)
	}
}

func originRequest(t *testing.T, method, url, origin, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", origin)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	resp.Body.Close()
	return resp
}

func TestPreflight(t *testing.T) {
	_, ts := newTestGateway(t, &stubMarket{}, Config{AllowedOrigins: []string{"http://localhost:3000"}})

	resp := originRequest(t, http.MethodOptions, ts.URL+"/v1/purchases", "http://localhost:3000", "")
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("preflight = %d %v", resp.StatusCode, resp.Header)
	}

	resp = originRequest(t, http.MethodOptions, ts.URL+"/v1/purchases", "https://evil.example", "")
	if resp.StatusCode != http.StatusForbidden || resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func TestForeignOriginCannotPurchase(t *testing.T) {
	m := &stubMarket{session: wallet.Session{Account: account, ChainID: requiredChain, Connected: true}}
	_, ts := newTestGateway(t, m, Config{})

	resp := originRequest(t, http.MethodPost, ts.URL+"/v1/purchases", "https://evil.example", `{"listing_id":"1"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.purchased) != 0 {
		t.Fatalf("purchase reached the coordinator: %v", m.purchased)
	}
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestGateway(t, &stubMarket{}, Config{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v", resp)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) marketplace.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev marketplace.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestEventStream(t *testing.T) {
	m := &stubMarket{session: wallet.Session{Account: account, ChainID: requiredChain, Connected: true}}
	g, ts := newTestGateway(t, m, Config{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readEvent(t, conn)
	if first.Type != marketplace.EventSession || first.Session == nil || first.Session.Account != account {
		t.Fatalf("first event = %+v", first)
	}
	second := readEvent(t, conn)
	if second.Type != marketplace.EventProgress || second.Progress == nil {
		t.Fatalf("second event = %+v", second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for g.events.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p := purchase.Progress{Step: purchase.Purchasing, ListingID: "3"}
	m.publish(marketplace.Event{Type: marketplace.EventProgress, Progress: &p})
	got := readEvent(t, conn)
	if got.Type != marketplace.EventProgress || got.Progress.Step != purchase.Purchasing || got.Progress.ListingID != "3" {
		t.Fatalf("relayed event = %+v", got)
	}

	g.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := newEventHub(nil)
	c, ok := h.add()
	if !ok {
		t.Fatal("add failed")
	}
	for i := 0; i < streamBuffer*2; i++ {
		h.broadcast(marketplace.Event{Type: marketplace.EventListings})
	}
	if len(c.send) != streamBuffer {
		t.Errorf("buffered %d events", len(c.send))
	}

	h.closeAll()
	if _, ok := h.add(); ok {
		t.Error("add after closeAll should fail")
	}
	select {
	case <-c.closed:
	default:
		t.Error("client not closed")
	}
}
