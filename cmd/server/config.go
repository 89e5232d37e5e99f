package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all runtime configuration derived from flags and an optional
// TOML file. Flags given on the command line win over the file.
type Config struct {
	ListenAddr     string
	MetricsAddr    string
	Debug          bool
	ConfigFile     string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
	MaxMessageSize int64
	MaxLineSize    int
	// session store
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration
	// rate limits, 0 disables
	GlobalDialRate     int
	PerSessionDialRate int
	GlobalLineRate     int
	PerSessionLineRate int
	Burst              int
	CleanupInterval    time.Duration
	// TLS configuration for the websocket listener
	EnableTLS   bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

// fileConfig is the TOML layout.
type fileConfig struct {
	Listen      string `toml:"listen"`
	Metrics     string `toml:"metrics"`
	Debug       bool   `toml:"debug"`
	Heartbeat   string `toml:"heartbeat"`
	DialTimeout string `toml:"dial_timeout"`
	Redis       struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		TTL      string `toml:"ttl"`
	} `toml:"redis"`
	Limits struct {
		GlobalDial     int `toml:"global_dial"`
		PerSessionDial int `toml:"per_session_dial"`
		GlobalLine     int `toml:"global_line"`
		PerSessionLine int `toml:"per_session_line"`
		Burst          int `toml:"burst"`
	} `toml:"limits"`
	TLS struct {
		Cert string `toml:"cert"`
		Key  string `toml:"key"`
		CA   string `toml:"ca"`
	} `toml:"tls"`
}

var cfg Config

// init registers flags into the global flag set. main() simply parses and uses cfg.
func init() {
	flag.StringVar(&cfg.ListenAddr, "listen", ":8080", "websocket listen address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional TOML config file")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", 25*time.Second, "interval between heartbeat frames (0 = off)")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "upstream dial timeout")
	flag.Int64Var(&cfg.MaxMessageSize, "max-message-size", 64*1024, "maximum websocket message size")
	flag.IntVar(&cfg.MaxLineSize, "max-line-size", 16*1024, "maximum upstream line length")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for shared session state (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.DurationVar(&cfg.SessionTTL, "session-ttl", 24*time.Hour, "how long an idle session id can be resumed")
	flag.IntVar(&cfg.GlobalDialRate, "global-dial-rate", 0, "upstream dials per second across all sessions")
	flag.IntVar(&cfg.PerSessionDialRate, "session-dial-rate", 2, "upstream dials per second per session")
	flag.IntVar(&cfg.GlobalLineRate, "global-line-rate", 0, "relayed lines per second across all sessions")
	flag.IntVar(&cfg.PerSessionLineRate, "session-line-rate", 50, "relayed lines per second per session")
	flag.IntVar(&cfg.Burst, "burst", 10, "token bucket burst size")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup-interval", time.Minute, "interval for dropping rate limit state of gone sessions")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "serve websockets over TLS")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "TLS CA file for client certificate verification (enables mTLS)")
}

// loadConfig parses flags and overlays the config file, if any.
func loadConfig() error {
	flag.Parse()
	if cfg.ConfigFile == "" {
		return nil
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var fc fileConfig
	meta, err := toml.DecodeFile(cfg.ConfigFile, &fc)
	if err != nil {
		return fmt.Errorf("config %s: %w", cfg.ConfigFile, err)
	}
	use := func(flagName string, key ...string) bool {
		return !set[flagName] && meta.IsDefined(key...)
	}
	dur := func(name, v string, dst *time.Duration) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config %s: %s: %w", cfg.ConfigFile, name, err)
		}
		*dst = d
		return nil
	}

	if use("listen", "listen") {
		cfg.ListenAddr = fc.Listen
	}
	if use("metrics", "metrics") {
		cfg.MetricsAddr = fc.Metrics
	}
	if use("debug", "debug") {
		cfg.Debug = fc.Debug
	}
	if use("heartbeat", "heartbeat") {
		if err := dur("heartbeat", fc.Heartbeat, &cfg.Heartbeat); err != nil {
			return err
		}
	}
	if use("dial-timeout", "dial_timeout") {
		if err := dur("dial_timeout", fc.DialTimeout, &cfg.DialTimeout); err != nil {
			return err
		}
	}
	if use("redis-addr", "redis", "addr") {
		cfg.RedisAddr = fc.Redis.Addr
	}
	if use("redis-password", "redis", "password") {
		cfg.RedisPassword = fc.Redis.Password
	}
	if use("redis-db", "redis", "db") {
		cfg.RedisDB = fc.Redis.DB
	}
	if use("session-ttl", "redis", "ttl") {
		if err := dur("redis.ttl", fc.Redis.TTL, &cfg.SessionTTL); err != nil {
			return err
		}
	}
	if use("global-dial-rate", "limits", "global_dial") {
		cfg.GlobalDialRate = fc.Limits.GlobalDial
	}
	if use("session-dial-rate", "limits", "per_session_dial") {
		cfg.PerSessionDialRate = fc.Limits.PerSessionDial
	}
	if use("global-line-rate", "limits", "global_line") {
		cfg.GlobalLineRate = fc.Limits.GlobalLine
	}
	if use("session-line-rate", "limits", "per_session_line") {
		cfg.PerSessionLineRate = fc.Limits.PerSessionLine
	}
	if use("burst", "limits", "burst") {
		cfg.Burst = fc.Limits.Burst
	}
	if meta.IsDefined("tls") && !set["tls"] {
		cfg.EnableTLS = true
	}
	if use("tls-cert", "tls", "cert") {
		cfg.TLSCertFile = fc.TLS.Cert
	}
	if use("tls-key", "tls", "key") {
		cfg.TLSKeyFile = fc.TLS.Key
	}
	if use("tls-ca", "tls", "ca") {
		cfg.TLSCAFile = fc.TLS.CA
	}
	return nil
}
