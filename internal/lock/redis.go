package lock

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
)

// renewScript extends the key's expiry only if it still carries our holder value.
var renewScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// NewPool creates a redis connection pool.
func NewPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(url)
		},
	}
}

type Redis struct {
	pool   *redis.Pool
	prefix string
}

func NewRedis(pool *redis.Pool, prefix string) *Redis {
	if prefix == "" {
		prefix = "catalog-worker:lock:"
	}
	return &Redis{pool: pool, prefix: prefix}
}

func (l *Redis) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	conn := l.pool.Get()
	defer conn.Close()
	reply, err := redis.String(conn.Do("SET", l.prefix+key, holder, "NX", "PX", ttl.Milliseconds()))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reply == "OK", nil
}

func (l *Redis) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	conn := l.pool.Get()
	defer conn.Close()
	n, err := redis.Int(renewScript.Do(conn, l.prefix+key, holder, ttl.Milliseconds()))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Redis) Release(ctx context.Context, key string) error {
	conn := l.pool.Get()
	defer conn.Close()
	_, err := conn.Do("DEL", l.prefix+key)
	return err
}
