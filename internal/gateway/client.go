package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/text/encoding"

	"github.com/matst80/muxgate/internal/frame"
	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/proto"
	"github.com/matst80/muxgate/internal/session"
	"github.com/matst80/muxgate/internal/target"
)

const storeTimeout = 2 * time.Second

var errClientClosed = errors.New("gateway: client closed")

// client is one accepted websocket.
type client struct {
	srv    *Server
	ws     *websocket.Conn
	remote string
	since  time.Time
	done   chan struct{}

	writeMu sync.Mutex
	closed  bool

	mu        sync.Mutex
	sessionID string
	channels  map[string]*channel
}

// channel is the gateway side of one client channel.
type channel struct {
	id      string
	charset encoding.Encoding // nil is UTF-8
	up      *upstream
}

func newClient(s *Server, ws *websocket.Conn, remote string) *client {
	return &client{
		srv:      s,
		ws:       ws,
		remote:   remote,
		since:    time.Now(),
		done:     make(chan struct{}),
		channels: make(map[string]*channel),
	}
}

func (c *client) info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	ups := 0
	for _, ch := range c.channels {
		if ch.up != nil {
			ups++
		}
	}
	return SessionInfo{ID: c.sessionID, Remote: c.remote, Channels: len(c.channels), Upstreams: ups, Since: c.since}
}

func (c *client) writeRaw(data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errClientClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

// send writes msgs as one array frame.
func (c *client) send(msgs ...string) {
	if err := c.writeRaw(frame.EncodeArray(msgs...)); err != nil {
		obs.Debug("gateway.send", obs.Fields{"remote": c.remote, "err": err.Error()})
	}
}

func (c *client) shutdown(code int, reason string) error {
	if err := c.writeRaw(frame.EncodeClose(code, reason)); err != nil && !errors.Is(err, errClientClosed) {
		obs.Debug("gateway.close_frame", obs.Fields{"remote": c.remote, "err": err.Error()})
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

func (c *client) serve() {
	defer c.teardown()
	obs.Info("gateway.client.open", obs.Fields{"remote": c.remote})
	if err := c.writeRaw(frame.EncodeOpen()); err != nil {
		obs.Error("gateway.open", obs.Fields{"remote": c.remote, "err": err.Error()})
		return
	}
	if c.srv.cfg.Heartbeat > 0 {
		go c.heartbeat(c.srv.cfg.Heartbeat)
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, errClientClosed) {
				obs.Debug("gateway.read", obs.Fields{"remote": c.remote, "err": err.Error()})
			}
			return
		}
		msgs, err := frame.DecodeClient(string(data))
		if err != nil {
			obs.FramesDroppedTotal.WithLabelValues("client_malformed").Inc()
			obs.Debug("gateway.frame.dropped", obs.Fields{"remote": c.remote, "err": err.Error()})
			continue
		}
		for _, msg := range msgs {
			c.handle(msg)
		}
	}
}

func (c *client) heartbeat(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.writeRaw("h"); err != nil {
				return
			}
		}
	}
}

func (c *client) teardown() {
	close(c.done)
	_ = c.shutdown(1000, "bye")

	c.mu.Lock()
	var ups []*upstream
	for _, ch := range c.channels {
		if ch.up != nil {
			ups = append(ups, ch.up)
		}
	}
	c.channels = make(map[string]*channel)
	c.mu.Unlock()

	for _, u := range ups {
		u.close(true)
	}
	if c.srv.cfg.Limiter != nil && c.sessionIDValue() != "" {
		c.srv.cfg.Limiter.Forget(c.sessionIDValue())
	}
	obs.Info("gateway.client.close", obs.Fields{"remote": c.remote, "upstreams": len(ups)})
}

func (c *client) sessionIDValue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *client) handle(msg string) {
	id, rest, bare, ok := proto.Split(msg)
	if !ok {
		obs.Debug("gateway.message.unaddressed", obs.Fields{"remote": c.remote})
		return
	}
	if id == proto.ControlChannel && !bare {
		c.handshake(rest)
		return
	}
	if bare {
		c.announce(id)
		return
	}

	cmd := proto.ParseCommand(rest)
	c.mu.Lock()
	ch := c.channels[id]
	c.mu.Unlock()
	if ch == nil {
		obs.Debug("gateway.channel.unknown", obs.Fields{"remote": c.remote, "channel": id})
		return
	}
	switch {
	case cmd.Verb == "ENCODING" && cmd.Arg != "":
		c.setEncoding(ch, cmd.Arg)
	case cmd.Verb == "HOST" && c.upstreamOf(ch) == nil:
		c.connect(ch, cmd.Arg)
	default:
		c.relay(ch, rest)
	}
}

func (c *client) handshake(rest string) {
	cmd := proto.ParseCommand(rest)
	if cmd.Verb != "CONTROL" {
		obs.Debug("gateway.control.unknown", obs.Fields{"remote": c.remote, "verb": cmd.Verb})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var sid string
	if want, ok := proto.ParseSession(cmd.Arg); ok {
		if _, err := c.srv.cfg.Store.Get(ctx, want); err == nil {
			sid = want
		} else if !errors.Is(err, session.ErrNotFound) {
			obs.Error("gateway.session.get", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("session_store").Inc()
		}
	}
	resumed := sid != ""
	if !resumed {
		id, err := uuid.GenerateUUID()
		if err != nil {
			obs.Error("gateway.session.id", obs.Fields{"err": err.Error()})
			return
		}
		sid = id
	}
	if err := c.srv.cfg.Store.Put(ctx, sid, c.remote); err != nil {
		obs.Error("gateway.session.put", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("session_store").Inc()
	}

	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()
	obs.Info("gateway.session", obs.Fields{"remote": c.remote, "resumed": resumed})
	c.send(proto.Session(sid))
}

// announce acks a channel, or tears down its upstream when one is running.
func (c *client) announce(id string) {
	c.mu.Lock()
	ch, ok := c.channels[id]
	if !ok {
		ch = &channel{id: id}
		c.channels[id] = ch
	}
	up := ch.up
	c.mu.Unlock()

	if up != nil {
		obs.Debug("gateway.channel.teardown", obs.Fields{"channel": id})
		up.close(true)
		return
	}
	c.send(proto.Address(id, ""))
}

// setEncoding switches the charset used on the upstream side of ch. Unknown
// names leave the current one in place.
func (c *client) setEncoding(ch *channel, name string) {
	enc, err := lookupCharset(name)
	if err != nil {
		obs.Debug("gateway.channel.encoding_unknown", obs.Fields{"channel": ch.id, "encoding": name})
		return
	}
	c.mu.Lock()
	ch.charset = enc
	c.mu.Unlock()
	obs.Debug("gateway.channel.encoding", obs.Fields{"channel": ch.id, "encoding": name})
}

func (c *client) charsetOf(ch *channel) encoding.Encoding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ch.charset
}

func (c *client) upstreamOf(ch *channel) *upstream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ch.up
}

func (c *client) closeChannel(ch *channel, reason string) {
	c.send(proto.Address(ch.id, proto.Closed(reason)))
}

func (c *client) connect(ch *channel, hostport string) {
	sid := c.sessionIDValue()
	if l := c.srv.cfg.Limiter; l != nil && !l.AllowDial(sid) {
		obs.GatewayRejectedTotal.WithLabelValues("dial").Inc()
		c.closeChannel(ch, "err_ratelimited")
		return
	}
	t, err := target.Parse(hostport)
	if err != nil {
		obs.Debug("gateway.host.invalid", obs.Fields{"channel": ch.id, "err": err.Error()})
		c.closeChannel(ch, "err_invalid_host")
		return
	}

	up := newUpstream(ch.id, t)
	c.mu.Lock()
	ch.up = up
	c.mu.Unlock()
	go c.runUpstream(ch, up)
}

func (c *client) relay(ch *channel, line string) {
	up := c.upstreamOf(ch)
	if up == nil {
		obs.Debug("gateway.line.not_relaying", obs.Fields{"channel": ch.id})
		return
	}
	if l := c.srv.cfg.Limiter; l != nil && !l.AllowLine(c.sessionIDValue()) {
		obs.GatewayRejectedTotal.WithLabelValues("line").Inc()
		return
	}
	if err := up.write(encodeLine(c.charsetOf(ch), line)); err != nil {
		obs.Debug("gateway.upstream.write", obs.Fields{"channel": ch.id, "err": err.Error()})
	}
}

func (c *client) detach(ch *channel, up *upstream) {
	c.mu.Lock()
	if ch.up == up {
		ch.up = nil
	}
	c.mu.Unlock()
}
