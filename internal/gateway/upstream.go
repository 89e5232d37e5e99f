package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/proto"
	"github.com/matst80/muxgate/internal/target"
)

var errNotConnected = errors.New("gateway: upstream not connected")

// upstream is the TCP side of a relaying channel.
type upstream struct {
	id     string
	target target.Target
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     net.Conn
	byClient bool
}

func newUpstream(id string, t target.Target) *upstream {
	ctx, cancel := context.WithCancel(context.Background())
	return &upstream{id: id, target: t, ctx: ctx, cancel: cancel}
}

func (u *upstream) write(line []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	_, err := conn.Write(append(line, '\r', '\n'))
	return err
}

func (u *upstream) close(byClient bool) {
	u.mu.Lock()
	if byClient {
		u.byClient = true
	}
	conn := u.conn
	u.mu.Unlock()
	u.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (u *upstream) closedByClient() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.byClient
}

func (c *client) runUpstream(ch *channel, u *upstream) {
	conn, err := c.srv.cfg.Dial(u.ctx, u.target)
	if err != nil {
		reason := dialReason(err)
		if u.closedByClient() {
			reason = ""
		}
		obs.Info("gateway.upstream.dial_failed", obs.Fields{"channel": u.id, "target": u.target.String(), "reason": reason})
		c.detach(ch, u)
		c.closeChannel(ch, reason)
		return
	}
	u.mu.Lock()
	if u.ctx.Err() != nil {
		u.mu.Unlock()
		_ = conn.Close()
		c.detach(ch, u)
		c.closeChannel(ch, "")
		return
	}
	u.conn = conn
	u.mu.Unlock()

	start := time.Now()
	obs.GatewayUpstreamsActive.Inc()
	obs.Info("gateway.upstream.connected", obs.Fields{"channel": u.id, "target": u.target.String()})
	c.send(proto.Address(u.id, proto.Connected()))

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), c.srv.cfg.MaxLineSize)
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		c.send(proto.Address(u.id, decodeLine(c.charsetOf(ch), line)))
	}

	reason := ""
	if err := sc.Err(); err != nil && !u.closedByClient() {
		reason = "err_read"
		obs.Debug("gateway.upstream.read", obs.Fields{"channel": u.id, "err": err.Error()})
	}
	_ = conn.Close()
	obs.GatewayUpstreamsActive.Dec()
	obs.UpstreamDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Info("gateway.upstream.closed", obs.Fields{"channel": u.id, "reason": reason})
	c.detach(ch, u)
	c.closeChannel(ch, reason)
}

// dialReason maps a dial failure to the error token sent to the client.
func dialReason(err error) string {
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "err_timeout"
	case errors.As(err, &dnsErr):
		return "err_unknown_host"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "err_refused"
	default:
		return "err_unreachable"
	}
}
