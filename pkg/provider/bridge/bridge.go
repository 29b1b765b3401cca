// Package bridge talks to a browser wallet through a WebSocket relay that
// forwards EIP-1193 requests as JSON-RPC 2.0 messages. Responses carry the id
// of their request; messages without an id are wallet notifications.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
)

const (
	writeWait = 10 * time.Second

	methodAccountsChanged = "accountsChanged"
	methodChainChanged    = "chainChanged"
	methodDisconnect      = "disconnect"
)

// Config configures the bridge connection.
type Config struct {
	URL string
	// RequestTimeout bounds calls whose context has no deadline. Wallet
	// prompts wait on the user, so keep it generous.
	RequestTimeout time.Duration
	Header         http.Header
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

// Provider is a provider.Provider backed by a wallet bridge.
type Provider struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan response

	queueMu sync.Mutex
	queue   []provider.Event
	wake    chan struct{}
	events  chan provider.Event

	done     chan struct{}
	doneOnce sync.Once
	doneErr  error

	logger *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)

// Dial connects to the bridge.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, errors.WithKind(errors.ErrProviderUnavailable, "dial wallet bridge", err)
	}
	return newProvider(conn, cfg, logger), nil
}

func newProvider(conn *websocket.Conn, cfg Config, logger *zap.Logger) *Provider {
	p := &Provider{
		conn:    conn,
		timeout: cfg.RequestTimeout,
		pending: make(map[uint64]chan response),
		wake:    make(chan struct{}, 1),
		events:  make(chan provider.Event),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go p.readLoop()
	go p.pump()
	return p
}

// readLoop dispatches responses to pending calls and queues notifications.
func (p *Provider) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.shutdown(err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("malformed bridge message", zap.Error(err))
			continue
		}

		if id, ok := parseID(msg.ID); ok {
			p.resolve(id, msg)
			continue
		}
		if msg.Method != "" {
			p.notify(msg)
		}
	}
}

func parseID(raw json.RawMessage) (uint64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		id, err := strconv.ParseUint(s, 10, 64)
		return id, err == nil
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

func (p *Provider) resolve(id uint64, msg message) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("response for unknown request", zap.Uint64("id", id))
		return
	}

	if msg.Error != nil {
		ch <- response{err: &errors.ProviderError{
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
		}}
		return
	}
	ch <- response{result: msg.Result}
}

func (p *Provider) notify(msg message) {
	var ev provider.Event
	switch msg.Method {
	case methodAccountsChanged:
		var accounts []common.Address
		if err := json.Unmarshal(msg.Params, &accounts); err != nil {
			p.logger.Warn("bad accountsChanged payload", zap.Error(err))
			return
		}
		ev = provider.Event{Kind: provider.AccountsChanged, Accounts: accounts}
	case methodChainChanged:
		var raw string
		if err := json.Unmarshal(msg.Params, &raw); err != nil {
			p.logger.Warn("bad chainChanged payload", zap.Error(err))
			return
		}
		id, err := provider.ParseChainID(raw)
		if err != nil {
			p.logger.Warn("bad chain id in chainChanged", zap.String("chain_id", raw))
			return
		}
		ev = provider.Event{Kind: provider.ChainChanged, ChainID: id}
	case methodDisconnect:
		p.logger.Info("wallet bridge reported disconnect")
		go p.Close()
		return
	default:
		p.logger.Debug("ignoring notification", zap.String("method", msg.Method))
		return
	}

	p.queueMu.Lock()
	p.queue = append(p.queue, ev)
	p.queueMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued notifications so a slow consumer never stalls
// readLoop. It owns and closes the events channel.
func (p *Provider) pump() {
	defer close(p.events)
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			p.queueMu.Lock()
			if len(p.queue) == 0 {
				p.queueMu.Unlock()
				break
			}
			ev := p.queue[0]
			p.queue = p.queue[1:]
			p.queueMu.Unlock()

			select {
			case p.events <- ev:
			case <-p.done:
				return
			}
		}
	}
}

func (p *Provider) shutdown(err error) {
	p.doneOnce.Do(func() {
		p.doneErr = err
		close(p.done)
		_ = p.conn.Close()

		p.mu.Lock()
		pending := p.pending
		p.pending = make(map[uint64]chan response)
		p.mu.Unlock()

		for _, ch := range pending {
			ch <- response{err: p.disconnectedErr()}
		}
		p.logger.Info("wallet bridge closed", zap.Error(err))
	})
}

func (p *Provider) disconnectedErr() error {
	msg := "wallet bridge disconnected"
	if p.doneErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, p.doneErr)
	}
	return errors.NewProviderError(errors.ProviderCodeDisconnected, msg)
}

// call sends one request and waits for its response.
func (p *Provider) call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if params == nil {
		params = []interface{}{}
	}

	ch := make(chan response, 1)
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return p.disconnectedErr()
	default:
	}
	p.nextID++
	id := p.nextID
	p.pending[id] = ch
	p.mu.Unlock()

	data, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		p.forget(id)
		return fmt.Errorf("encode %s: %w", method, err)
	}

	p.writeMu.Lock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = p.conn.WriteMessage(websocket.TextMessage, data)
	p.writeMu.Unlock()
	if err != nil {
		p.forget(id)
		p.shutdown(err)
		return p.disconnectedErr()
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		p.forget(id)
		return ctx.Err()
	}
}

func (p *Provider) forget(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// RequestAccounts sends eth_requestAccounts, which may open a wallet prompt.
func (p *Provider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.call(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Accounts sends eth_accounts.
func (p *Provider) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.call(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// ChainID sends eth_chainId.
func (p *Provider) ChainID(ctx context.Context) (uint64, error) {
	var raw string
	if err := p.call(ctx, &raw, "eth_chainId"); err != nil {
		return 0, err
	}
	id, err := provider.ParseChainID(raw)
	if err != nil {
		return 0, fmt.Errorf("parse chain id %q: %w", raw, err)
	}
	return id, nil
}

// SwitchChain sends wallet_switchEthereumChain.
func (p *Provider) SwitchChain(ctx context.Context, chainID uint64) error {
	param := map[string]string{"chainId": provider.ChainIDHex(chainID)}
	return p.call(ctx, nil, "wallet_switchEthereumChain", param)
}

// CallContract sends eth_call.
func (p *Provider) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	var out hexutil.Bytes
	if err := p.call(ctx, &out, "eth_call", provider.CallArg(msg), provider.BlockArg(block)); err != nil {
		return nil, err
	}
	return out, nil
}

// TransactionReceipt sends eth_getTransactionReceipt. A null result means
// the transaction is still pending.
func (p *Provider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var raw json.RawMessage
	if err := p.call(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ethereum.NotFound
	}
	var receipt types.Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}

// SendTransaction sends eth_sendTransaction; the wallet fills gas and fees.
func (p *Provider) SendTransaction(ctx context.Context, req provider.TxRequest) (common.Hash, error) {
	var hash common.Hash
	if err := p.call(ctx, &hash, "eth_sendTransaction", req.ToArg()); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// Events implements provider.Provider. The channel closes when the bridge
// connection ends.
func (p *Provider) Events() <-chan provider.Event {
	return p.events
}

// Close sends a close frame and tears the connection down.
func (p *Provider) Close() error {
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	p.writeMu.Unlock()
	p.shutdown(nil)
	return nil
}
