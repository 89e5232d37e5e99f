package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/muxgate/internal/mux"
	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/proto"
	"github.com/matst80/muxgate/internal/session"
	"github.com/matst80/muxgate/internal/user"
)

func main() {
	t, err := loadConfig()
	if err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	// stdout carries relayed lines
	obs.SetOutput(os.Stderr)
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("client.start", obs.Fields{"gateway": cfg.Gateway, "target": t.String()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []mux.Option
	if cfg.RedisAddr != "" {
		store, err := session.New(session.Config{RedisAddr: cfg.RedisAddr, Prefix: "muxgate:client:"})
		if err != nil {
			obs.Error("session.store", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, mux.WithSessionStore(store))
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	m := mux.NewManager(opts...)
	if cfg.NewSession {
		fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := m.ForgetSession(fctx, cfg.Gateway); err != nil {
			obs.Error("session.forget", obs.Fields{"err": err.Error()})
		}
		cancel()
	}
	dest := mux.ConnectOptions{Host: t.Host, Port: t.Port, TLS: t.TLS}
	ch := m.Channel(cfg.Gateway, cfg.Session, cfg.Channel, dest)
	ch.SetEncoding(cfg.Encoding)

	me := user.New(user.Options{Nick: cfg.Nick, Username: cfg.Nick, Gecos: cfg.Nick})
	out := bufio.NewWriter(os.Stdout)
	lines := make(chan string, 256)
	closed := make(chan string, 1)
	ch.Subscribe(func(ev mux.ChannelEvent) {
		switch ev.Kind {
		case mux.ChannelOpened:
			obs.Info("channel.opened", obs.Fields{"channel": ch.ID(), "session": ch.Connection().SessionID()})
		case mux.ChannelControl:
			obs.Info("channel.control", obs.Fields{"channel": ch.ID(), "data": ev.Data})
			if proto.IsConnected(ev.Data) && me.Nick() != "" {
				register(ch, me)
			}
		case mux.ChannelLine:
			track(me, ev.Data)
			select {
			case lines <- ev.Data:
			case <-ctx.Done():
			}
		case mux.ChannelClosed:
			select {
			case closed <- ev.Reason:
			default:
			}
		}
	})
	ch.Connect(dest)

	go relayStdin(ch, me)

	for {
		select {
		case <-ctx.Done():
			finish(m, ch, out)
			return
		case l := <-lines:
			fmt.Fprintln(out, l)
			if len(lines) == 0 {
				_ = out.Flush()
			}
		case reason := <-closed:
			obs.Info("channel.closed", obs.Fields{"channel": ch.ID(), "reason": reason, "modes": strings.Join(me.Modes(), "")})
			finish(m, ch, out)
			return
		}
	}
}

func finish(m *mux.Manager, ch *mux.Channel, out *bufio.Writer) {
	ch.Close()
	_ = out.Flush()
	// let the teardown reach the gateway before the socket goes
	time.Sleep(100 * time.Millisecond)
	if err := m.Close(); err != nil {
		obs.Error("client.close", obs.Fields{"err": err.Error()})
	}
}

func relayStdin(ch *mux.Channel, me *user.User) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if nick, ok := strings.CutPrefix(line, "NICK "); ok {
			me.SetNick(strings.TrimSpace(nick))
		}
		ch.WriteLine(line, nil)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		obs.Error("stdin.read", obs.Fields{"err": err.Error()})
	}
}

func register(ch *mux.Channel, me *user.User) {
	ch.WriteLine("NICK "+me.Nick(), nil)
	ch.WriteLine(fmt.Sprintf("USER %s 0 * :%s", me.Username(), me.Gecos()), nil)
}

// track follows the user's own nick and mode changes.
func track(me *user.User, line string) {
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[0], ":") {
		return
	}
	source := strings.TrimPrefix(fields[0], ":")
	nick, host, _ := strings.Cut(source, "!")
	switch fields[1] {
	case "NICK":
		if strings.EqualFold(nick, me.Nick()) {
			me.SetNick(strings.TrimPrefix(fields[2], ":"))
		}
	case "MODE":
		if len(fields) >= 4 && strings.EqualFold(fields[2], me.Nick()) {
			me.ToggleModes(strings.TrimPrefix(fields[3], ":"))
		}
	case "JOIN":
		if strings.EqualFold(nick, me.Nick()) {
			if _, h, ok := strings.Cut(host, "@"); ok {
				me.SetHost(h)
			}
		}
	}
}

func serveMetrics(addr string) {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())
	hs := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
