// Package wallet owns the session with the signing provider: connect,
// disconnect, eager reconnect and re-derivation on provider notifications.
package wallet

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
	"github.com/DeBrosOfficial/datamarket/pkg/provider"
)

// FlagStore persists the "previously connected" flag.
type FlagStore interface {
	ConnectedFlag(ctx context.Context) (bool, error)
	SetConnectedFlag(ctx context.Context, connected bool) error
}

// Manager is the only writer of the Session. Subscribers are called
// synchronously, in order, after each replacement; they must not call
// Connect, Disconnect or EagerReconnect themselves.
type Manager struct {
	provider provider.Provider
	flags    FlagStore
	logger   *zap.Logger

	// opMu serializes every session replacement and its notifications.
	opMu    sync.Mutex
	session atomic.Pointer[Session]

	subMu  sync.RWMutex
	subs   map[int]func(Change)
	nextID int
}

// NewManager creates a disconnected manager. p may be nil when no provider
// is present; flags may be nil to skip persistence.
func NewManager(p provider.Provider, flags FlagStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		provider: p,
		flags:    flags,
		logger:   logger,
		subs:     make(map[int]func(Change)),
	}
	s := Disconnected
	m.session.Store(&s)
	return m
}

// Current returns the current session.
func (m *Manager) Current() Session {
	return *m.session.Load()
}

// Provider returns the underlying provider, or nil.
func (m *Manager) Provider() provider.Provider {
	return m.provider
}

// Subscribe registers fn for session changes. The returned func removes it.
func (m *Manager) Subscribe(fn func(Change)) func() {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Connect asks the provider for account access, then derives the session
// from the authorized accounts and active chain.
func (m *Manager) Connect(ctx context.Context) (Session, error) {
	if m.provider == nil {
		return m.Current(), errors.ErrProviderUnavailable
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	accounts, err := m.provider.RequestAccounts(ctx)
	if err != nil {
		m.logger.Warn("account request failed", zap.Error(err))
		if errors.IsUserRejected(err) {
			return m.Current(), errors.WithKind(errors.ErrUserRejected, "", err)
		}
		return m.Current(), errors.WithKind(errors.ErrProviderUnavailable, "account request failed", err)
	}
	if len(accounts) == 0 {
		m.reset(ChangeDisconnected)
		return m.Current(), errors.WithKind(errors.ErrNotConnected, "provider returned no accounts", nil)
	}

	s, err := m.derive(ctx, ChangeConnected)
	if err != nil {
		return s, err
	}
	m.setFlag(ctx, true)
	m.logger.Info("wallet connected",
		zap.String("account", s.Account.Hex()),
		zap.Uint64("chain_id", s.ChainID))
	return s, nil
}

// EagerReconnect restores a previous session without prompting. When no
// account is still authorized the flag is cleared and the session stays
// disconnected.
func (m *Manager) EagerReconnect(ctx context.Context) (Session, error) {
	if m.provider == nil || m.flags == nil {
		return m.Current(), nil
	}
	was, err := m.flags.ConnectedFlag(ctx)
	if err != nil {
		return m.Current(), err
	}
	if !was {
		return m.Current(), nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	accounts, err := m.provider.Accounts(ctx)
	if err != nil {
		m.logger.Warn("eager reconnect failed", zap.Error(err))
		return m.Current(), nil
	}
	if len(accounts) == 0 {
		m.logger.Info("no authorized accounts, clearing connected flag")
		m.setFlag(ctx, false)
		return m.Current(), nil
	}

	s, err := m.derive(ctx, ChangeConnected)
	if err != nil {
		return s, nil
	}
	m.logger.Info("wallet reconnected", zap.String("account", s.Account.Hex()))
	return s, nil
}

// Disconnect clears the session and the persisted flag.
func (m *Manager) Disconnect(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.setFlag(ctx, false)
	m.reset(ChangeDisconnected)
	m.logger.Info("wallet disconnected")
}

// Run drains provider notifications until ctx ends or the provider goes
// away. Each notification re-reads accounts and chain from scratch.
func (m *Manager) Run(ctx context.Context) error {
	if m.provider == nil {
		return errors.ErrProviderUnavailable
	}
	events := m.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				m.logger.Warn("provider closed, dropping session")
				m.opMu.Lock()
				m.reset(ChangeDisconnected)
				m.opMu.Unlock()
				return nil
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev provider.Event) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.Current().Connected {
		m.logger.Debug("ignoring provider event while disconnected", zap.Stringer("kind", ev.Kind))
		return
	}

	kind := ChangeAccounts
	if ev.Kind == provider.ChainChanged {
		kind = ChangeChain
	}
	m.logger.Debug("provider event", zap.Stringer("kind", ev.Kind))

	if _, err := m.derive(ctx, kind); err != nil {
		m.logger.Warn("re-deriving session failed", zap.Error(err))
		if errors.Is(err, errors.ErrNotConnected) {
			// The user revoked access in the wallet.
			m.setFlag(ctx, false)
		}
	}
}

// derive re-reads accounts and chain and replaces the session. Callers hold
// opMu. On failure the session resets to disconnected.
func (m *Manager) derive(ctx context.Context, kind ChangeKind) (Session, error) {
	accounts, err := m.provider.Accounts(ctx)
	if err != nil {
		m.reset(ChangeDisconnected)
		return m.Current(), errors.WithKind(errors.ErrProviderUnavailable, "read accounts", err)
	}
	if len(accounts) == 0 {
		m.reset(ChangeDisconnected)
		return m.Current(), errors.WithKind(errors.ErrNotConnected, "no authorized accounts", nil)
	}
	chainID, err := m.provider.ChainID(ctx)
	if err != nil {
		m.reset(ChangeDisconnected)
		return m.Current(), errors.WithKind(errors.ErrProviderUnavailable, "read chain", err)
	}

	next := Session{Account: accounts[0], ChainID: chainID, Connected: true}
	m.replace(kind, next)
	return next, nil
}

func (m *Manager) reset(kind ChangeKind) {
	if !m.Current().Connected {
		return
	}
	m.replace(kind, Disconnected)
}

func (m *Manager) replace(kind ChangeKind, next Session) {
	prev := *m.session.Swap(&next)
	if prev == next {
		return
	}
	change := Change{Kind: kind, Session: next, Previous: prev}

	m.subMu.RLock()
	subs := make([]func(Change), 0, len(m.subs))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

func (m *Manager) setFlag(ctx context.Context, v bool) {
	if m.flags == nil {
		return
	}
	if err := m.flags.SetConnectedFlag(ctx, v); err != nil {
		m.logger.Warn("persisting connected flag failed", zap.Bool("connected", v), zap.Error(err))
	}
}
