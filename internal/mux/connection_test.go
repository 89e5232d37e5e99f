package mux

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/muxgate/internal/frame"
	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/transport"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func TestConnectionHandshake(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw.example.net/", "", d, nil)
	defer c.Close()
	var log eventLog
	c.Subscribe(log.add)

	c.Connect()
	sock := d.next(t)
	assert.False(t, c.Connected())
	sock.Deliver(t, "o")

	assert.True(t, c.Connected())
	assert.Equal(t, []string{frame.Quote(":0 CONTROL START")}, sock.Sent())
	assert.Equal(t, []EventKind{EventOpen}, log.kinds())

	urls := d.URLs()
	require.Len(t, urls, 1)
	assert.Regexp(t, `^wss://gw\.example\.net/\d{3}/[0-9a-f]{8}/websocket$`, urls[0])
}

func TestConnectionResumesHeldSession(t *testing.T) {
	d := newFakeDialer()
	var learned []string
	c := newConnection("http://gw.local/", "", d, func(id string) { learned = append(learned, id) })
	defer c.Close()

	c.Connect()
	sock := open(t, d)
	sock.Deliver(t, `a["SESSION s-42"]`)
	assert.Equal(t, "s-42", c.SessionID())
	assert.Equal(t, []string{"s-42"}, learned)

	sock.Drop(t, errors.New("reset by peer"))
	assert.False(t, c.Connected())

	c.Reconnect()
	sock2 := open(t, d)
	assert.Equal(t, []string{frame.Quote(":0 CONTROL SESSION s-42")}, sock2.Sent())
	assert.Regexp(t, `^ws://gw\.local/`, d.URLs()[1])
}

func TestConnectionRoutesByExactID(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw/", "", d, nil)
	defer c.Close()

	var one, eleven, all eventLog
	c.SubscribeChannel("1", one.add)
	c.SubscribeChannel("11", eleven.add)
	c.Subscribe(all.add)

	c.Connect()
	sock := open(t, d)
	sock.Deliver(t, `a[":1",":11 hello",":1 world","NOTICE hi"]`)

	assert.Equal(t, []EventKind{EventChannelOpen, EventChannelMessage}, one.kinds())
	assert.Equal(t, "world", one.last().Data)
	assert.Equal(t, []EventKind{EventChannelMessage}, eleven.kinds())
	assert.Equal(t, "hello", eleven.last().Data)
	assert.Equal(t, []EventKind{EventOpen, EventMessage, EventMessage, EventMessage, EventMessage}, all.kinds())
	assert.Equal(t, "NOTICE hi", all.last().Data)
}

func TestConnectionRemoteClose(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw/", "", d, nil)
	defer c.Close()
	var log eventLog
	c.Subscribe(log.add)

	c.Connect()
	sock := open(t, d)
	sock.Deliver(t, `c[1000,"bye"]`)

	assert.False(t, c.Connected())
	assert.True(t, sock.Closed())
	ev := log.last()
	assert.Equal(t, EventClose, ev.Kind)
	var ce *transport.CloseError
	require.ErrorAs(t, ev.Err, &ce)
	assert.Equal(t, 1000, ce.Code)
	assert.Equal(t, "bye", ce.Reason)

	// the reader's own close notification arrives late and is ignored
	assert.Equal(t, []EventKind{EventOpen, EventClose}, log.kinds())
}

func TestConnectionIgnoresStaleSocket(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw/", "", d, nil)
	defer c.Close()
	var log eventLog
	c.Subscribe(log.add)

	c.Connect()
	old := open(t, d)
	c.Reconnect()
	fresh := d.next(t)

	assert.True(t, old.Closed())
	assert.Equal(t, []EventKind{EventOpen, EventClose}, log.kinds())
	assert.ErrorIs(t, log.last().Err, ErrReplaced)

	old.Deliver(t, `a["SESSION stale"]`)
	assert.Empty(t, c.SessionID())

	fresh.Deliver(t, "o")
	assert.True(t, c.Connected())
	assert.Equal(t, []EventKind{EventOpen, EventClose, EventOpen}, log.kinds())
}

func TestConnectionReplaceWaitsForDispatch(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw/", "", d, nil)
	defer c.Close()
	var log eventLog
	entered := make(chan struct{})
	release := make(chan struct{})
	c.Subscribe(func(ev Event) {
		if ev.Kind == EventMessage {
			close(entered)
			<-release
		}
		log.add(ev)
	})

	c.Connect()
	old := open(t, d)
	delivered := make(chan struct{})
	go func() {
		old.Deliver(t, `a["slow"]`)
		close(delivered)
	}()
	<-entered

	c.Reconnect()
	close(release)
	<-delivered
	d.next(t)

	assert.Equal(t, []EventKind{EventOpen, EventMessage, EventClose}, log.kinds())
	assert.ErrorIs(t, log.last().Err, ErrReplaced)
}

func TestConnectionObserverMayReconnect(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw/", "", d, nil)
	defer c.Close()
	var log eventLog
	c.Subscribe(func(ev Event) {
		log.add(ev)
		if ev.Kind == EventMessage && ev.Data == "again" {
			c.Reconnect()
		}
	})

	c.Connect()
	old := open(t, d)
	old.Deliver(t, `a["again"]`)
	fresh := d.next(t)

	assert.True(t, old.Closed())
	assert.Equal(t, []EventKind{EventOpen, EventMessage, EventClose}, log.kinds())
	fresh.Deliver(t, "o")
	assert.True(t, c.Connected())
}

func TestConnectionDropsMalformedFrames(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw/", "", d, nil)
	defer c.Close()
	var log eventLog
	c.Subscribe(log.add)

	c.Connect()
	sock := open(t, d)

	malformed := obs.FramesDroppedTotal.WithLabelValues("malformed")
	unknown := obs.FramesDroppedTotal.WithLabelValues("unknown_type")
	before := testutil.ToFloat64(malformed)
	beforeUnknown := testutil.ToFloat64(unknown)

	sock.Deliver(t, `a[1,2]`)
	sock.Deliver(t, `a["unterminated`)
	sock.Deliver(t, `x`)

	assert.Equal(t, before+2, testutil.ToFloat64(malformed))
	assert.Equal(t, beforeUnknown+1, testutil.ToFloat64(unknown))
	assert.Equal(t, []EventKind{EventOpen}, log.kinds())
	assert.True(t, c.Connected())
}

func TestConnectionSendWithoutSocket(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw/", "", d, nil)
	defer c.Close()

	dropped := obs.FramesDroppedTotal.WithLabelValues("no_socket")
	before := testutil.ToFloat64(dropped)
	c.Send(":1 hello")
	assert.Equal(t, before+1, testutil.ToFloat64(dropped))
}

func TestConnectionDialFailure(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("connection refused")
	c := newConnection("https://gw/", "", d, nil)
	defer c.Close()

	closed := make(chan Event, 1)
	c.Subscribe(func(ev Event) {
		if ev.Kind == EventClose {
			closed <- ev
		}
	})
	c.Connect()

	select {
	case ev := <-closed:
		assert.EqualError(t, ev.Err, "connection refused")
	case <-timeout():
		t.Fatal("no close event after failed dial")
	}
	assert.False(t, c.hasSocket())
}

func TestConnectionClose(t *testing.T) {
	d := newFakeDialer()
	c := newConnection("https://gw/", "", d, nil)
	var log eventLog
	c.Subscribe(log.add)

	c.Connect()
	sock := open(t, d)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.True(t, sock.Closed())
	assert.False(t, c.Connected())
	assert.ErrorIs(t, log.last().Err, ErrConnectionClosed)

	c.Connect()
	assert.False(t, c.hasSocket())
}
