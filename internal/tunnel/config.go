package tunnel

import (
	"time"

	"github.com/matst80/relaygate/internal/httpx"
)

// Config tunes tunnel sessions.
type Config struct {
	BindHost      string
	BufferSize    int
	AckTimeout    time.Duration // relay receive timeout for the session
	AcceptTimeout time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	DialTimeout   time.Duration
	MaxHeaderSize int
	MaxBodySize   int

	TeardownDelay time.Duration
	// MaxTeardownAttempts bounds teardown retries; zero retries until the peer lets go.
	MaxTeardownAttempts int
}

// DefaultConfig returns the settings used by cmd/relaygate when no flag overrides them.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		AckTimeout:    5 * time.Second,
		AcceptTimeout: 30 * time.Second,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  10 * time.Second,
		DialTimeout:   10 * time.Second,
		MaxHeaderSize: httpx.DefaultMaxHeaderSize,
		MaxBodySize:   httpx.DefaultMaxBodySize,
		TeardownDelay: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = d.AcceptTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = d.MaxHeaderSize
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.TeardownDelay <= 0 {
		c.TeardownDelay = d.TeardownDelay
	}
	return c
}
