package main

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/matst80/muxgate/internal/target"
)

// Config holds client runtime configuration.
type Config struct {
	Gateway     string
	Target      string // upstream host:port, host:+port for TLS
	Session     string
	NewSession  bool // forget the remembered session id first
	Channel     string
	Encoding    string
	Nick        string
	MetricsAddr string
	RedisAddr   string // remembers session ids across runs when set
	ConfigFile  string
	Debug       bool
}

type fileConfig struct {
	Gateway  string `toml:"gateway"`
	Target   string `toml:"target"`
	Session  string `toml:"session"`
	Channel  string `toml:"channel"`
	Encoding string `toml:"encoding"`
	Nick     string `toml:"nick"`
	Metrics  string `toml:"metrics"`
	Redis    string `toml:"redis"`
	Debug    bool   `toml:"debug"`
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.Gateway, "gateway", "http://127.0.0.1:8080/", "gateway base address")
	flag.StringVar(&cfg.Target, "target", "irc.libera.chat:+6697", "upstream the gateway should connect to")
	flag.StringVar(&cfg.Session, "session", "", "session id to resume")
	flag.BoolVar(&cfg.NewSession, "new-session", false, "drop the remembered session id and start a new session")
	flag.StringVar(&cfg.Channel, "channel", "", "channel id (default: next free id)")
	flag.StringVar(&cfg.Encoding, "encoding", "utf8", "payload encoding announced to the gateway")
	flag.StringVar(&cfg.Nick, "nick", "", "send NICK/USER once relaying")
	flag.StringVar(&cfg.MetricsAddr, "metrics", "", "serve /metrics on this address (empty = off)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for remembering session ids")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional TOML config file")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// loadConfig parses flags, overlays the config file and validates the target.
func loadConfig() (target.Target, error) {
	flag.Parse()
	if cfg.ConfigFile != "" {
		if err := overlayFile(); err != nil {
			return target.Target{}, err
		}
	}
	t, err := target.Parse(cfg.Target)
	if err != nil {
		return target.Target{}, fmt.Errorf("target: %w", err)
	}
	return t, nil
}

func overlayFile() error {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var fc fileConfig
	meta, err := toml.DecodeFile(cfg.ConfigFile, &fc)
	if err != nil {
		return fmt.Errorf("config %s: %w", cfg.ConfigFile, err)
	}
	for _, f := range []struct {
		flag, key string
		dst       *string
		val       string
	}{
		{"gateway", "gateway", &cfg.Gateway, fc.Gateway},
		{"target", "target", &cfg.Target, fc.Target},
		{"session", "session", &cfg.Session, fc.Session},
		{"channel", "channel", &cfg.Channel, fc.Channel},
		{"encoding", "encoding", &cfg.Encoding, fc.Encoding},
		{"nick", "nick", &cfg.Nick, fc.Nick},
		{"metrics", "metrics", &cfg.MetricsAddr, fc.Metrics},
		{"redis-addr", "redis", &cfg.RedisAddr, fc.Redis},
	} {
		if !set[f.flag] && meta.IsDefined(f.key) {
			*f.dst = f.val
		}
	}
	if !set["debug"] && meta.IsDefined("debug") {
		cfg.Debug = fc.Debug
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown keys %v", cfg.ConfigFile, undecoded)
	}
	return nil
}
