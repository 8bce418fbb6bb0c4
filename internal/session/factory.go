package session

import (
	"github.com/redis/go-redis/v9"

	"github.com/strandtv/strand/internal/config"
	"github.com/strandtv/strand/internal/log"
)

// NewStoreFromConfig picks the session backend: redis when an address is
// configured, in-process memory otherwise.
func NewStoreFromConfig(cfg config.Config) Store {
	if cfg.SessionRedisAddr == "" {
		return NewMemoryStore(cfg.SessionGrace, cfg.SessionIdleTimeout)
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.SessionRedisAddr,
		DB:   cfg.SessionRedisDB,
	})
	logger := log.WithComponent("session")
	logger.Info().
		Str(log.FieldAddr, cfg.SessionRedisAddr).
		Msg("using redis session store")
	return NewRedisStore(client, cfg.SessionGrace, cfg.SessionIdleTimeout)
}
