package cache

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"
)

// limiterDBOffset keeps rate limit counters out of the database used by
// billing locks and the job queue.
const limiterDBOffset = 1

// NewLimiterStorage returns a fiber.Storage on Redis so every instance
// behind the load balancer shares the same rate limit counters.
func NewLimiterStorage(cfg Config) (storage fiber.Storage, err error) {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid cache port %q: %w", cfg.Port, err)
	}
	// redis.New panics when the server does not answer its ping.
	defer func() {
		if r := recover(); r != nil {
			storage, err = nil, fmt.Errorf("limiter storage at %s: %v", cfg.Addr(), r)
		}
	}()
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: cfg.DB + limiterDBOffset,
		Reset:    false,
	}), nil
}
