package eventbus

import (
	"encoding/json"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// Redis publishes events with PUBLISH so subscribers attached to other
// processes (the API, the UI gateway) receive them. Channel names are the
// event channel with an optional prefix.
type Redis struct {
	pool   *redis.Pool
	prefix string
}

func NewRedis(pool *redis.Pool, prefix string) *Redis {
	return &Redis{pool: pool, prefix: prefix}
}

func (r *Redis) Publish(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Str("channel", e.Channel).Msg("encode event")
		return
	}
	conn := r.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", r.prefix+e.Channel, b); err != nil {
		log.Warn().Err(err).Str("channel", e.Channel).Msg("publish event")
	}
}
