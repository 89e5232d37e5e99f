package mux

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/proto"
	"github.com/matst80/muxgate/internal/target"
	"github.com/matst80/muxgate/internal/transport"
)

// DefaultEncoding is applied to every channel that never calls SetEncoding.
const DefaultEncoding = "utf8"

// State is where a channel is in its lifecycle.
type State int

const (
	// StateClosed means the connection has no open socket.
	StateClosed State = iota
	// StateAnnounced means ":<id>" was sent and the ack is outstanding.
	StateAnnounced
	// StateOpen means the gateway acknowledged the channel. Control lines
	// go straight to the wire.
	StateOpen
	// StateRelaying means the upstream is connected and lines flow.
	StateRelaying
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateAnnounced:
		return "announced"
	case StateOpen:
		return "open"
	case StateRelaying:
		return "relaying"
	default:
		return "unknown"
	}
}

// ChannelEventKind identifies a channel notification.
type ChannelEventKind int

const (
	ChannelOpened ChannelEventKind = iota + 1
	ChannelLine
	ChannelControl
	ChannelClosed
)

func (k ChannelEventKind) String() string {
	switch k {
	case ChannelOpened:
		return "opened"
	case ChannelLine:
		return "line"
	case ChannelControl:
		return "control"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelEvent is what a channel reports to the application. Data is set for
// ChannelLine and ChannelControl, Reason for ChannelClosed.
type ChannelEvent struct {
	Kind   ChannelEventKind
	Data   string
	Reason string
}

// ConnectOptions names the upstream the gateway should relay to.
type ConnectOptions struct {
	Host string
	Port int
	TLS  bool
}

func (o ConnectOptions) target() target.Target {
	return target.Target{Host: o.Host, Port: o.Port, TLS: o.TLS}
}

type channelSub struct {
	id uint64
	fn func(ChannelEvent)
}

// Channel is one logical stream multiplexed on a Connection.
type Channel struct {
	id   string
	conn *Connection

	// mu guards the fields below. It is taken before conn.mu, never after.
	mu       sync.Mutex
	opts     ConnectOptions
	state    State
	encoding string
	pending  *queue.Queue

	subsMu  sync.Mutex
	subSeq  uint64
	subs    []channelSub
	unwatch []func()
}

func newChannel(conn *Connection, id string, opts ConnectOptions) *Channel {
	ch := &Channel{
		id:       id,
		conn:     conn,
		opts:     opts,
		state:    StateClosed,
		encoding: DefaultEncoding,
		pending:  queue.New(),
	}
	ch.unwatch = []func(){
		conn.Subscribe(ch.onConnection),
		conn.SubscribeChannel(id, ch.onChannel),
	}
	return ch
}

func (ch *Channel) ID() string { return ch.id }

// Connection is the connection this channel is multiplexed on.
func (ch *Channel) Connection() *Connection { return ch.conn }

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsOpen is true once the gateway has acknowledged the channel.
func (ch *Channel) IsOpen() bool {
	s := ch.State()
	return s == StateOpen || s == StateRelaying
}

// Relaying is true while payload lines are forwarded in both directions.
func (ch *Channel) Relaying() bool { return ch.State() == StateRelaying }

func (ch *Channel) Encoding() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.encoding
}

// Pending is the number of control lines waiting for the ack.
func (ch *Channel) Pending() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.pending.Length()
}

// Subscribe registers fn for channel events. fn runs on the connection's
// dispatch goroutine.
func (ch *Channel) Subscribe(fn func(ChannelEvent)) (cancel func()) {
	ch.subsMu.Lock()
	ch.subSeq++
	id := ch.subSeq
	ch.subs = append(ch.subs, channelSub{id: id, fn: fn})
	ch.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ch.subsMu.Lock()
			defer ch.subsMu.Unlock()
			for i, s := range ch.subs {
				if s.id == id {
					ch.subs = append(ch.subs[:i:i], ch.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (ch *Channel) emit(ev ChannelEvent) {
	ch.subsMu.Lock()
	subs := append([]channelSub(nil), ch.subs...)
	ch.subsMu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

// SendControl sends a control line to the gateway, or queues it until the
// channel is acknowledged.
func (ch *Channel) SendControl(data string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sendControlLocked(data)
}

func (ch *Channel) sendControlLocked(data string) {
	if ch.state == StateOpen || ch.state == StateRelaying {
		ch.conn.Send(proto.Address(ch.id, data))
		return
	}
	ch.pending.Add(data)
}

// WriteLine relays one payload line. Lines written while the channel is not
// relaying are dropped. done, when set, runs on its own goroutine after the
// attempt either way.
func (ch *Channel) WriteLine(data string, done func()) {
	ch.mu.Lock()
	if ch.state == StateRelaying {
		ch.conn.Send(proto.Address(ch.id, data))
	} else {
		obs.LinesDroppedTotal.Inc()
		obs.Debug("channel.line.dropped", obs.Fields{"channel": ch.id, "state": ch.state.String()})
	}
	ch.mu.Unlock()

	if done != nil {
		go done()
	}
}

// Connect asks the gateway to connect upstream to opts. Control lines queued
// by earlier attempts are discarded.
func (ch *Channel) Connect(opts ConnectOptions) {
	ch.mu.Lock()
	ch.opts = opts
	ch.pending = queue.New()
	ch.mu.Unlock()

	if !ch.conn.hasSocket() {
		ch.conn.Reconnect()
	}
	ch.SendControl(proto.Host(opts.target().String()))
}

// Options returns the target of the last Connect, or the construction options.
func (ch *Channel) Options() ConnectOptions {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.opts
}

// Close tears down the remote side of a relaying channel. The channel stays
// registered and may relay again.
func (ch *Channel) Close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == StateRelaying {
		ch.conn.Send(proto.Address(ch.id, ""))
	}
}

// SetEncoding changes the payload encoding. The gateway learns about it now
// when connected, otherwise when the channel is next acknowledged.
func (ch *Channel) SetEncoding(enc string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.encoding = enc
	if ch.conn.Connected() {
		ch.conn.Send(proto.Address(ch.id, proto.Encoding(enc)))
	}
}

// InitChannel announces the channel id on the current socket.
func (ch *Channel) InitChannel() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.announceLocked()
}

func (ch *Channel) announceLocked() {
	if ch.state == StateClosed {
		ch.state = StateAnnounced
	}
	ch.conn.Send(proto.Address(ch.id, ""))
}

func (ch *Channel) onConnection(ev Event) {
	switch ev.Kind {
	case EventOpen:
		ch.mu.Lock()
		ch.state = StateClosed
		ch.announceLocked()
		ch.mu.Unlock()
	case EventClose:
		ch.mu.Lock()
		ch.state = StateClosed
		ch.mu.Unlock()
		ch.emit(ChannelEvent{Kind: ChannelClosed, Reason: transport.Reason(ev.Err)})
	}
}

func (ch *Channel) onChannel(ev Event) {
	switch ev.Kind {
	case EventChannelOpen:
		ch.onAck()
	case EventChannelMessage:
		ch.onMessage(ev.Data)
	}
}

func (ch *Channel) onAck() {
	ch.mu.Lock()
	if ch.state != StateRelaying {
		ch.state = StateOpen
	}
	for ch.pending.Length() > 0 {
		ch.sendControlLocked(ch.pending.Remove().(string))
	}
	ch.conn.Send(proto.Address(ch.id, proto.Encoding(ch.encoding)))
	ch.mu.Unlock()

	obs.Debug("channel.open", obs.Fields{"channel": ch.id})
	ch.emit(ChannelEvent{Kind: ChannelOpened})
}

func (ch *Channel) onMessage(data string) {
	if proto.IsChannelControl(data) {
		reason, closed := proto.ParseClosed(data)
		ch.mu.Lock()
		switch {
		case proto.IsConnected(data):
			ch.state = StateRelaying
		case closed && ch.state == StateRelaying:
			ch.state = StateOpen
		}
		ch.mu.Unlock()

		ch.emit(ChannelEvent{Kind: ChannelControl, Data: data})
		if closed {
			obs.Debug("channel.remote_closed", obs.Fields{"channel": ch.id, "reason": reason})
			ch.emit(ChannelEvent{Kind: ChannelClosed, Reason: reason})
		}
		return
	}

	if !ch.Relaying() {
		obs.FramesDroppedTotal.WithLabelValues("not_relaying").Inc()
		obs.Debug("channel.message.dropped", obs.Fields{"channel": ch.id})
		return
	}
	ch.emit(ChannelEvent{Kind: ChannelLine, Data: data})
}

func (ch *Channel) detach() {
	for _, fn := range ch.unwatch {
		fn()
	}
}
