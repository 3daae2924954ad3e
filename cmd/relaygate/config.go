package main

import (
	"flag"
	"time"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	CommonName string
	KeyDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	BindHost      string
	MinPort       int
	MaxPort       int
	AckTimeout    time.Duration
	AcceptTimeout time.Duration
	ReadTimeout   time.Duration
	MaxHeaderSize int
	MaxBodySize   int

	TeardownDelay       time.Duration
	MaxTeardownAttempts int
	IdleTimeout         time.Duration
	SweepInterval       time.Duration

	GlobalRate float64
	PeerRate   float64
	Burst      int

	// TLS material for the consumer listener (client certificates required) and the provider dialer.
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	ControlAddr  string
	Token        string
	MetricsAddr  string
	ServicesFile string
	Debug        bool
}

var cfg Config

// init registers flags into the global flag set. main() simply parses and uses cfg.
func init() {
	flag.StringVar(&cfg.CommonName, "cn", "", "common name this gateway answers advertisements for")
	flag.StringVar(&cfg.KeyDir, "key-dir", ".", "directory holding the relay key pair (created if missing)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis broker address; empty selects the in-process broker")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	flag.StringVar(&cfg.RedisPrefix, "redis-prefix", "relay:", "key prefix for relay destinations in redis")
	flag.StringVar(&cfg.BindHost, "bind", "", "host the consumer listeners bind to")
	flag.IntVar(&cfg.MinPort, "min-port", 8000, "lowest local port leased to consumer sessions")
	flag.IntVar(&cfg.MaxPort, "max-port", 8100, "highest local port leased to consumer sessions")
	flag.DurationVar(&cfg.AckTimeout, "ack-timeout", 5*time.Second, "relay receive timeout for handshakes and poll answers")
	flag.DurationVar(&cfg.AcceptTimeout, "accept-timeout", 30*time.Second, "time a consumer session waits for its local client")
	flag.DurationVar(&cfg.ReadTimeout, "read-timeout", 30*time.Second, "socket read timeout inside a session")
	flag.IntVar(&cfg.MaxHeaderSize, "max-header-size", 32*1024, "maximum buffered HTTP request header bytes")
	flag.IntVar(&cfg.MaxBodySize, "max-body-size", 16<<20, "maximum Content-Length of a batched HTTP request")
	flag.DurationVar(&cfg.TeardownDelay, "teardown-delay", 5*time.Second, "delay between relay teardown attempts")
	flag.IntVar(&cfg.MaxTeardownAttempts, "teardown-attempts", 0, "give up teardown after this many attempts (0 = retry until released)")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "close sessions without traffic for this long (0 = never)")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", 30*time.Second, "interval for sweeping idle sessions")
	flag.Float64Var(&cfg.GlobalRate, "session-rate", 0, "new sessions per second across all peers (0 = unlimited)")
	flag.Float64Var(&cfg.PeerRate, "peer-session-rate", 0, "new sessions per second per peer (0 = unlimited)")
	flag.IntVar(&cfg.Burst, "session-burst", 10, "burst allowance for session admission")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "TLS CA file used to verify peers")
	flag.StringVar(&cfg.ControlAddr, "control", "127.0.0.1:9000", "operator control listen address (empty disables)")
	flag.StringVar(&cfg.Token, "token", "", "shared secret token; if set control requests must carry it")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.StringVar(&cfg.ServicesFile, "services", "", "JSON service catalog answered to remote gatekeepers")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
