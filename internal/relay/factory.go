package relay

import "github.com/matst80/relaygate/internal/obs"

// TransportConfig selects and configures the broker backend.
type TransportConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// NewTransport creates either an in-memory or a redis-backed broker based on configuration.
func NewTransport(cfg TransportConfig) (Transport, error) {
	if cfg.RedisAddr == "" {
		obs.Info("relay.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryTransport(), nil
	}
	obs.Info("relay.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	return NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
}
