package target

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"

	uuid "github.com/hashicorp/go-uuid"
)

var (
	ErrMissingHost = errors.New("target: missing host")
	ErrBadPort     = errors.New("target: bad port")
	ErrBadScheme   = errors.New("target: address must be http(s) or ws(s)")
)

// Target is an upstream server a gateway is asked to connect to.
type Target struct {
	Host string
	Port int
	TLS  bool
}

// String formats t the way the HOST control line carries it: host:port, or
// host:+port when TLS is requested.
func (t Target) String() string {
	port := strconv.Itoa(t.Port)
	if t.TLS {
		port = "+" + port
	}
	return net.JoinHostPort(t.Host, port)
}

// Addr is the dialable host:port.
func (t Target) Addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// Parse reads host:port or host:+port. IPv6 hosts must be bracketed.
func Parse(s string) (Target, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Target{}, fmt.Errorf("target: %q: %w", s, err)
	}
	if host == "" {
		return Target{}, ErrMissingHost
	}
	var t Target
	t.Host = host
	if strings.HasPrefix(port, "+") {
		t.TLS = true
		port = port[1:]
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return Target{}, fmt.Errorf("%w: %q", ErrBadPort, port)
	}
	t.Port = n
	return t, nil
}

// Normalize returns the registry key for a gateway address.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Endpoint builds the websocket URL for one socket to a gateway: the scheme
// is rewritten to ws/wss, then a random three digit server segment, a random
// eight character session segment and the websocket suffix are appended.
// Every call returns a fresh URL so reconnects are spread across backends.
func Endpoint(addr string) (string, error) {
	addr = Normalize(addr)
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "wss://"), strings.HasPrefix(addr, "ws://"):
	default:
		return "", fmt.Errorf("%w: %q", ErrBadScheme, addr)
	}
	if !strings.HasSuffix(addr, "/") {
		addr += "/"
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("target: session segment: %w", err)
	}
	return fmt.Sprintf("%s%03d/%s/websocket", addr, rand.Intn(999), id[:8]), nil
}
