package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/session"
	"github.com/matst80/muxgate/internal/target"
	"github.com/matst80/muxgate/internal/transport"
)

const storeTimeout = 2 * time.Second

// Constructor builds, or returns the existing, channel it was made for.
type Constructor func(opts ConnectOptions) *Channel

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithSessionStore persists session ids by gateway address so a later
// process can resume them.
func WithSessionStore(s session.Store) Option {
	return func(m *Manager) { m.store = s }
}

// Manager owns the connection registry (one per address) and the channel
// registry (one per channel id).
type Manager struct {
	dialer transport.Dialer
	store  session.Store

	mu       sync.Mutex
	conns    map[string]*Connection
	channels map[string]*Channel
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		conns:    make(map[string]*Connection),
		channels: make(map[string]*Channel),
	}
	for _, o := range opts {
		o(m)
	}
	if m.dialer == nil {
		m.dialer = transport.NewWebsocketDialer()
	}
	return m
}

// Constructor resolves the connection for addr, creating and connecting it on
// first use, and picks the channel id. An empty sessionID resumes the stored
// one, if any. An empty channelID takes the connection's next free id.
func (m *Manager) Constructor(addr, sessionID, channelID string) Constructor {
	conn := m.connection(target.Normalize(addr), sessionID)
	if channelID == "" {
		channelID = strconv.Itoa(conn.allocChannelID())
	}

	return func(opts ConnectOptions) *Channel {
		m.mu.Lock()
		ch, ok := m.channels[channelID]
		if !ok {
			ch = newChannel(conn, channelID, opts)
			m.channels[channelID] = ch
			obs.ChannelsActive.Inc()
		}
		m.mu.Unlock()

		if !ok {
			obs.Debug("manager.channel.new", obs.Fields{"addr": conn.Address(), "channel": channelID})
		}
		if ch.conn.Connected() {
			ch.InitChannel()
		}
		return ch
	}
}

// Channel is Constructor(addr, sessionID, channelID)(opts).
func (m *Manager) Channel(addr, sessionID, channelID string, opts ConnectOptions) *Channel {
	return m.Constructor(addr, sessionID, channelID)(opts)
}

func (m *Manager) connection(addr, sessionID string) *Connection {
	m.mu.Lock()
	conn, ok := m.conns[addr]
	m.mu.Unlock()
	if ok {
		return conn
	}
	// the store may be remote, read it without holding the registries
	if sessionID == "" {
		sessionID = m.storedSession(addr)
	}

	m.mu.Lock()
	if conn, ok := m.conns[addr]; ok {
		m.mu.Unlock()
		return conn
	}
	conn = newConnection(addr, sessionID, m.dialer, func(id string) { m.saveSession(addr, id) })
	m.conns[addr] = conn
	m.mu.Unlock()

	obs.Info("manager.connection.new", obs.Fields{"addr": addr, "resume": sessionID != ""})
	conn.Connect()
	return conn
}

func (m *Manager) storedSession(addr string) string {
	if m.store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	id, err := m.store.Get(ctx, addr)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			obs.Error("manager.session.get", obs.Fields{"addr": addr, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("session_store").Inc()
		}
		return ""
	}
	return id
}

func (m *Manager) saveSession(addr, id string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Put(ctx, addr, id); err != nil {
		obs.Error("manager.session.put", obs.Fields{"addr": addr, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("session_store").Inc()
	}
}

// ForgetSession drops the session id stored for addr, so the next connection
// created for it starts a new session. Live connections keep theirs.
func (m *Manager) ForgetSession(ctx context.Context, addr string) error {
	if m.store == nil {
		return nil
	}
	addr = target.Normalize(addr)
	if err := m.store.Delete(ctx, addr); err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("forget session %s: %w", addr, err)
	}
	obs.Debug("manager.session.forget", obs.Fields{"addr": addr})
	return nil
}

// Lookup returns the registered channel with id.
func (m *Manager) Lookup(channelID string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	return ch, ok
}

// Connections returns the registered connections ordered by address.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Channels returns the registered channels ordered by id.
func (m *Manager) Channels() []*Channel {
	m.mu.Lock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close closes every connection and empties both registries.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	channels := m.channels
	m.conns = make(map[string]*Connection)
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	var result error
	for addr, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	for _, ch := range channels {
		ch.detach()
	}
	obs.ChannelsActive.Sub(float64(len(channels)))
	return result
}
