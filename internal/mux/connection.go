package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/matst80/muxgate/internal/frame"
	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/proto"
	"github.com/matst80/muxgate/internal/target"
	"github.com/matst80/muxgate/internal/transport"
)

var (
	// ErrReplaced is the close reason seen when Connect discards a live socket.
	ErrReplaced = errors.New("mux: socket replaced by reconnect")
	// ErrConnectionClosed is the close reason after Connection.Close.
	ErrConnectionClosed = errors.New("mux: connection closed")
)

// Connection owns the single socket to one gateway address and demultiplexes
// everything read from it into events.
type Connection struct {
	addr   string
	dialer transport.Dialer
	onSess func(id string)

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the fields below and serializes every write to sock.
	mu            sync.Mutex
	sessionID     string
	nextChannelID int
	connected     bool
	dialing       bool
	closed        bool
	sock          transport.Socket
	gen           uint64

	// dispatchMu keeps frame handling in arrival order across sockets.
	dispatchMu sync.Mutex
	observers  *registry
}

func newConnection(addr, sessionID string, dialer transport.Dialer, onSession func(string)) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		addr:          addr,
		dialer:        dialer,
		onSess:        onSession,
		ctx:           ctx,
		cancel:        cancel,
		sessionID:     sessionID,
		nextChannelID: 1,
		observers:     newRegistry(),
	}
}

func (c *Connection) Address() string { return c.addr }

func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected is true between the handshake and the socket closing.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// hasSocket reports a live or in-flight socket.
func (c *Connection) hasSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil || c.dialing
}

func (c *Connection) allocChannelID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextChannelID
	c.nextChannelID++
	return id
}

// Subscribe registers fn for open, close and message events.
func (c *Connection) Subscribe(fn Observer) (cancel func()) {
	return c.observers.add("", false, fn)
}

// SubscribeChannel registers fn for events addressed to channelID only.
func (c *Connection) SubscribeChannel(channelID string, fn Observer) (cancel func()) {
	return c.observers.add(channelID, true, fn)
}

// Connect discards any existing socket and dials a new one. It returns at
// once; EventOpen signals completion and EventClose a failure. Observers may
// call it. A replaced live socket is reported as EventClose{ErrReplaced} on
// the dispatch path, before any event of the new socket.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		obs.Debug("conn.connect.closed", obs.Fields{"addr": c.addr})
		return
	}
	old := c.sock
	wasConnected := c.connected
	c.sock = nil
	c.connected = false
	c.dialing = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			obs.Debug("conn.close.ignored", obs.Fields{"addr": c.addr, "err": err.Error()})
		}
	}
	if wasConnected {
		obs.ConnectionsActive.Dec()
	}
	obs.ConnectAttemptTotal.Inc()
	go c.dial(gen, wasConnected)
}

// Reconnect is Connect.
func (c *Connection) Reconnect() { c.Connect() }

func (c *Connection) dial(gen uint64, replaced bool) {
	if replaced {
		c.dispatchMu.Lock()
		c.observers.emit(Event{Kind: EventClose, Err: ErrReplaced})
		c.dispatchMu.Unlock()
	}

	url, err := target.Endpoint(c.addr)
	if err != nil {
		obs.Error("conn.endpoint", obs.Fields{"addr": c.addr, "err": err.Error()})
		c.handleClose(gen, err)
		return
	}
	obs.Debug("conn.dial", obs.Fields{"addr": c.addr, "url": url})
	sock, err := c.dialer.Dial(c.ctx, url)
	if err != nil {
		obs.Error("conn.dial", obs.Fields{"addr": c.addr, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("dial").Inc()
		c.handleClose(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.dialing = false
	c.mu.Unlock()

	sock.Run(socketHandler{c: c, gen: gen})
}

type socketHandler struct {
	c   *Connection
	gen uint64
}

func (h socketHandler) HandleMessage(data string) { h.c.handleMessage(h.gen, data) }
func (h socketHandler) HandleClose(err error)     { h.c.handleClose(h.gen, err) }

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Connection) handleMessage(gen uint64, raw string) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if !c.current(gen) {
		return
	}

	f, err := frame.Decode(raw)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, frame.ErrEmptyFrame):
			reason = "empty"
		case errors.Is(err, frame.ErrUnknownType):
			reason = "unknown_type"
		}
		obs.FramesDroppedTotal.WithLabelValues(reason).Inc()
		obs.Debug("conn.frame.dropped", obs.Fields{"addr": c.addr, "err": err.Error(), "len": len(raw)})
		return
	}
	obs.FramesReceivedTotal.WithLabelValues(f.Type.String()).Inc()

	switch f.Type {
	case frame.TypeOpen:
		c.onOpen(gen)
	case frame.TypeArray, frame.TypeMessage:
		for _, msg := range f.Messages {
			c.dispatch(msg)
		}
	case frame.TypeClose:
		obs.Info("conn.remote_close", obs.Fields{"addr": c.addr, "code": f.Code, "reason": f.Reason})
		c.teardown(gen, &transport.CloseError{Code: f.Code, Reason: f.Reason})
	}
}

func (c *Connection) handleClose(gen uint64, err error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.teardown(gen, err)
}

func (c *Connection) onOpen(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.sock == nil {
		c.mu.Unlock()
		return
	}
	c.sendLocked(proto.Handshake(c.sessionID))
	c.connected = true
	sid := c.sessionID
	c.mu.Unlock()

	obs.ConnectionsActive.Inc()
	obs.Info("conn.open", obs.Fields{"addr": c.addr, "resume": sid != ""})
	c.observers.emit(Event{Kind: EventOpen})
}

// teardown must run under dispatchMu.
func (c *Connection) teardown(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	sock := c.sock
	wasConnected := c.connected
	c.sock = nil
	c.connected = false
	c.dialing = false
	c.gen++
	c.mu.Unlock()

	if sock != nil {
		if cerr := sock.Close(); cerr != nil {
			obs.Debug("conn.close.ignored", obs.Fields{"addr": c.addr, "err": cerr.Error()})
		}
	}
	if wasConnected {
		obs.ConnectionsActive.Dec()
	}
	obs.Info("conn.close", obs.Fields{"addr": c.addr, "reason": transport.Reason(err)})
	c.observers.emit(Event{Kind: EventClose, Err: err})
}

func (c *Connection) dispatch(msg string) {
	c.observers.emit(Event{Kind: EventMessage, Data: msg})

	if id, rest, bare, ok := proto.Split(msg); ok {
		ev := Event{Kind: EventChannelMessage, ChannelID: id, Data: rest}
		if bare {
			ev = Event{Kind: EventChannelOpen, ChannelID: id}
		}
		if c.observers.emit(ev) == 0 {
			obs.Debug("conn.message.unrouted", obs.Fields{"addr": c.addr, "channel": id})
		}
		return
	}

	if sid, ok := proto.ParseSession(msg); ok {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
		obs.Debug("conn.session", obs.Fields{"addr": c.addr})
		if c.onSess != nil {
			c.onSess(sid)
		}
	}
}

// Send writes one logical message. It never fails: without a socket the
// message is counted as dropped.
func (c *Connection) Send(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLocked(msg)
}

func (c *Connection) sendLocked(msg string) {
	if c.sock == nil {
		obs.FramesDroppedTotal.WithLabelValues("no_socket").Inc()
		obs.Debug("conn.send.no_socket", obs.Fields{"addr": c.addr})
		return
	}
	if err := c.sock.Send(frame.Quote(msg)); err != nil {
		obs.ErrorsTotal.WithLabelValues("send").Inc()
		obs.Error("conn.send", obs.Fields{"addr": c.addr, "err": err.Error()})
		return
	}
	obs.FramesSentTotal.Inc()
}

// Close shuts the socket and stops future connects.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	wasConnected := c.connected
	c.sock = nil
	c.connected = false
	c.dialing = false
	c.gen++
	c.mu.Unlock()

	c.cancel()
	var err error
	if sock != nil {
		err = sock.Close()
	}
	if wasConnected {
		obs.ConnectionsActive.Dec()
		c.observers.emit(Event{Kind: EventClose, Err: ErrConnectionClosed})
	}
	return err
}
