// Package gateway is a development gateway: the server side of the
// multiplexing protocol. Each websocket carries channels, and each channel
// can be connected to one TCP or TLS upstream whose lines it relays.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/ratelimit"
	"github.com/matst80/muxgate/internal/session"
	"github.com/matst80/muxgate/internal/target"
)

// DialFunc opens the upstream connection for a HOST request.
type DialFunc func(ctx context.Context, t target.Target) (net.Conn, error)

type Config struct {
	// Store remembers issued session ids. Defaults to an in-memory store.
	Store session.Store
	// Limiter throttles dials and relayed lines. Nil disables limiting.
	Limiter *ratelimit.Limiter
	// Dial defaults to a net.Dialer, wrapped in TLS when requested.
	Dial           DialFunc
	DialTimeout    time.Duration
	Heartbeat      time.Duration // 0 disables "h" frames
	MaxMessageSize int64
	MaxLineSize    int
	CheckOrigin    func(r *http.Request) bool
}

// Server accepts gateway websockets on any path ending in /websocket.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closing bool
	ready   bool
}

func New(cfg Config) *Server {
	if cfg.Store == nil {
		cfg.Store = session.NewMemory(session.DefaultTTL)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = 16 << 10
	}
	s := &Server{
		cfg:     cfg,
		clients: make(map[*client]struct{}),
	}
	if s.cfg.Dial == nil {
		s.cfg.Dial = s.dialUpstream
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return s
}

func (s *Server) dialUpstream(ctx context.Context, t target.Target) (net.Conn, error) {
	d := &net.Dialer{Timeout: s.cfg.DialTimeout}
	if t.TLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: t.Host}}
		return td.DialContext(ctx, "tcp", t.Addr())
	}
	return d.DialContext(ctx, "tcp", t.Addr())
}

func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// Ready is true once SetReady(true) was called and Close was not.
func (s *Server) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closing
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/websocket") {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("gateway.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	c := newClient(s, ws, r.RemoteAddr)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	obs.GatewaySessionsActive.Inc()

	c.serve()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	obs.GatewaySessionsActive.Dec()
}

// SessionInfo describes one live websocket.
type SessionInfo struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	Channels  int       `json:"channels"`
	Upstreams int       `json:"upstreams"`
	Since     time.Time `json:"since"`
}

// Sessions lists live websockets ordered by start time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Close sends every client a close frame and drops it.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var result error
	for _, c := range clients {
		if err := c.shutdown(1001, "Server shutting down"); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", c.remote, err))
		}
	}
	obs.Info("gateway.closed", obs.Fields{"clients": len(clients)})
	return result
}
