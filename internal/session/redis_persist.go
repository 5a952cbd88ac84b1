package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPersister is an alternate session backend for multi-process
// deployments, the same memory/Redis choice internal/cache.Cache offers for
// response caching (cache.Config.Backend == "redis"). The whole session set
// is stored under one key and rewritten wholesale on every mutation, same
// as FilePersister — Redis is a transport for the JSON blob here, not a
// per-session key/value store, so the "rewritten whole on every mutation"
// contract in §6 still holds.
type RedisPersister struct {
	client *redis.Client
	key    string
}

// NewRedisPersister connects to a Redis instance at addr.
func NewRedisPersister(addr, key string) *RedisPersister {
	return &RedisPersister{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

func (p *RedisPersister) Load() ([]*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := p.client.Get(ctx, p.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sessions []*Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *RedisPersister) Save(sessions []*Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, p.key, data, 0).Err()
}

func (p *RedisPersister) Close() error {
	return p.client.Close()
}
