// Package lease holds short Redis leases so that overlapping ticks on
// different instances skip work another instance is already doing.
// Correctness never depends on a lease: a nil *Lease always grants.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "order-automation:lease:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Lease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Lease {
	return &Lease{client: client, prefix: defaultPrefix, ttl: ttl}
}

// NewFromURL connects using a redis:// URL and pings the server.
func NewFromURL(ctx context.Context, url string, ttl time.Duration) (*Lease, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, ttl), nil
}

// Acquire takes the named lease. When it is held elsewhere ok is false.
// release is never nil and is safe to call more than once.
func (l *Lease) Acquire(ctx context.Context, name string) (release func(), ok bool, err error) {
	if l == nil || l.client == nil {
		return func() {}, true, nil
	}

	key := l.prefix + name
	token := uuid.NewString()

	ok, err = l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	release = func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

func (l *Lease) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
