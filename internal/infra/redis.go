// README: Redis client initialization for GEO, offer bookkeeping and realtime fan-out.
package infra

import "github.com/redis/go-redis/v9"

func NewRedis(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}
