package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/muxgate/internal/mux"
	"github.com/matst80/muxgate/internal/session"
)

func waitEvent(t *testing.T, events <-chan mux.ChannelEvent, match func(mux.ChannelEvent) bool) mux.ChannelEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected channel event never arrived")
			return mux.ChannelEvent{}
		}
	}
}

func line(data string) func(mux.ChannelEvent) bool {
	return func(ev mux.ChannelEvent) bool { return ev.Kind == mux.ChannelLine && ev.Data == data }
}

func TestManagerThroughGateway(t *testing.T) {
	echo := startEcho(t)
	srv, ts := startGateway(t, Config{})

	clientStore := session.NewMemory(time.Minute)
	m := mux.NewManager(mux.WithSessionStore(clientStore))
	defer m.Close()

	opts := mux.ConnectOptions{Host: "127.0.0.1", Port: echo.port()}
	a := m.Channel(ts.URL+"/", "", "", opts)
	b := m.Channel(ts.URL+"/", "", "", opts)
	require.Same(t, a.Connection(), b.Connection())

	eventsA := make(chan mux.ChannelEvent, 64)
	eventsB := make(chan mux.ChannelEvent, 64)
	a.Subscribe(func(ev mux.ChannelEvent) { eventsA <- ev })
	b.Subscribe(func(ev mux.ChannelEvent) { eventsB <- ev })

	a.Connect(opts)
	b.Connect(opts)
	waitEvent(t, eventsA, line(":srv 001 me :welcome"))
	waitEvent(t, eventsB, line(":srv 001 me :welcome"))
	assert.True(t, a.Relaying())

	a.WriteLine("PING a", nil)
	b.WriteLine("PING b", nil)
	waitEvent(t, eventsA, line("echo PING a"))
	waitEvent(t, eventsB, line("echo PING b"))

	sid := a.Connection().SessionID()
	require.NotEmpty(t, sid)
	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, sid, sessions[0].ID)
	assert.Equal(t, 2, sessions[0].Upstreams)

	a.Close()
	closed := waitEvent(t, eventsA, func(ev mux.ChannelEvent) bool { return ev.Kind == mux.ChannelClosed })
	assert.Empty(t, closed.Reason)
	assert.Equal(t, mux.StateOpen, a.State())
	assert.True(t, b.Relaying())
}

func TestManagerResumesGatewaySession(t *testing.T) {
	_, ts := startGateway(t, Config{})
	clientStore := session.NewMemory(time.Minute)

	first := mux.NewManager(mux.WithSessionStore(clientStore))
	ch := first.Channel(ts.URL+"/", "", "", mux.ConnectOptions{})
	require.Eventually(t, func() bool { return ch.Connection().SessionID() != "" }, waitFor, 10*time.Millisecond)
	sid := ch.Connection().SessionID()
	require.NoError(t, first.Close())

	second := mux.NewManager(mux.WithSessionStore(clientStore))
	defer second.Close()
	ch2 := second.Channel(ts.URL+"/", "", "", mux.ConnectOptions{})
	require.Eventually(t, func() bool { return ch2.IsOpen() }, waitFor, 10*time.Millisecond)
	assert.Equal(t, sid, ch2.Connection().SessionID())
}
