package main

import (
	"flag"
	"time"
)

// Config holds relayctl runtime configuration.
type Config struct {
	ControlAddr   string
	Token         string
	PeerCN        string
	PeerPublicKey string
	Service       string
	Consumer      string
	SessionID     string
	Timeout       time.Duration
}

var cfg Config

// init registers all relayctl flags into the default flag set. The operation is the first
// positional argument.
func init() {
	flag.StringVar(&cfg.ControlAddr, "control", "127.0.0.1:9000", "gateway control address")
	flag.StringVar(&cfg.Token, "token", "", "shared secret token")
	flag.StringVar(&cfg.PeerCN, "peer", "", "common name of the remote gateway")
	flag.StringVar(&cfg.PeerPublicKey, "peer-key", "", "relay public key of the remote gateway (base64)")
	flag.StringVar(&cfg.Service, "service", "", "service definition to poll or consume")
	flag.StringVar(&cfg.Consumer, "consumer", "", "local consumer system name")
	flag.StringVar(&cfg.SessionID, "session", "", "session id for close")
	flag.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "time to wait for the gateway's answer")
}
