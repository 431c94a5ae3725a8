package main

import (
	"flag"
	"strings"
	"time"
)

// Config holds runtime configuration derived from flags.
type Config struct {
	Relays         string
	RelayFile      string
	RelayURL       string
	RelayRedisKey  string
	DefaultPort    int
	Target         string
	DialTimeout    time.Duration
	ConnectTimeout time.Duration
	AllocTimeout   time.Duration
	RequestTimeout time.Duration
	RelayIdle      time.Duration
	SessionIdle    time.Duration
	LocalWrite     time.Duration
	ReconnectDelay time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RegistryKey    string
	RegistryTTL    time.Duration
	PeerRate       float64
	GlobalRate     float64
	Burst          int
	MetricsAddr    string
	Debug          bool
}

var cfg Config

// init registers flags into the global flag set; main parses them.
func init() {
	flag.StringVar(&cfg.Relays, "relay", "", "comma separated relay servers (host[:port]) tried in order")
	flag.StringVar(&cfg.RelayFile, "relay-file", "", "file with one relay server per line")
	flag.StringVar(&cfg.RelayURL, "relay-url", "", "HTTP endpoint returning a JSON list of relay servers")
	flag.StringVar(&cfg.RelayRedisKey, "relay-redis-key", "", "redis key (list, set or sorted set) holding relay servers; needs --redis")
	flag.IntVar(&cfg.DefaultPort, "default-port", 3478, "relay port used when a candidate has none")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:8080", "local application address each peer is bridged to")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 6*time.Second, "timeout for connecting a peer bridge to the local target")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 30*time.Second, "overall time allowed for obtaining an allocation")
	flag.DurationVar(&cfg.AllocTimeout, "allocate-timeout", 30*time.Second, "time to wait for one relay server to allocate")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 30*time.Second, "time to wait for a relay response before dropping the connection")
	flag.DurationVar(&cfg.RelayIdle, "relay-idle", 4*time.Minute, "close the relay connection after this long without writes")
	flag.DurationVar(&cfg.SessionIdle, "session-idle", 10*time.Minute, "close a peer bridge after this long without traffic")
	flag.DurationVar(&cfg.LocalWrite, "local-write-timeout", 10*time.Second, "close a peer bridge whose local application does not accept data for this long")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", 2*time.Second, "pause before reconnecting after the relay connection ends")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for relay discovery and allocation publishing (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	flag.StringVar(&cfg.RegistryKey, "registry-key", "turnbridge:allocation", "redis key the current allocation is published under")
	flag.DurationVar(&cfg.RegistryTTL, "registry-ttl", 90*time.Second, "expiry of the published allocation; refreshed while connected")
	flag.Float64Var(&cfg.PeerRate, "peer-rate", 0, "new bridge sessions per second per peer IP (0 = unlimited)")
	flag.Float64Var(&cfg.GlobalRate, "global-rate", 0, "new bridge sessions per second overall (0 = unlimited)")
	flag.IntVar(&cfg.Burst, "burst", 10, "burst size for session rate limits")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address (empty = disabled)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// relayList splits the --relay flag.
func (c Config) relayList() []string {
	var out []string
	for _, s := range strings.Split(c.Relays, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
