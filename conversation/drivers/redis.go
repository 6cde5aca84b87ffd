package drivers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"voicegate/core"
)

const (
	// Redis key prefix for conversations
	conversationKeyPrefix = "voicegate:conversation:"
	defaultRedisTTL       = 24 * time.Hour
)

// RedisPersister stores each conversation as one JSON value with a TTL that
// is refreshed on every save.
type RedisPersister struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPersister wraps an existing client. A non-positive ttl uses 24h.
func NewRedisPersister(client *redis.Client, ttl time.Duration) *RedisPersister {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisPersister{
		client: client,
		ttl:    ttl,
	}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis persister: ping %s: %w", addr, err)
	}
	return NewRedisPersister(client, ttl), nil
}

// Load implements conversation.Persister.
func (p *RedisPersister) Load(ctx context.Context, session string) ([]core.Turn, error) {
	val, err := p.client.Get(ctx, p.key(session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis persister: get %q: %w", session, err)
	}

	var turns []core.Turn
	if err := sonic.Unmarshal(val, &turns); err != nil {
		return nil, fmt.Errorf("redis persister: decode %q: %w", session, err)
	}
	return turns, nil
}

// Save implements conversation.Persister. An empty history deletes the key.
func (p *RedisPersister) Save(ctx context.Context, session string, turns []core.Turn) error {
	if len(turns) == 0 {
		return p.Delete(ctx, session)
	}
	val, err := sonic.Marshal(turns)
	if err != nil {
		return fmt.Errorf("redis persister: encode %q: %w", session, err)
	}
	if err := p.client.Set(ctx, p.key(session), val, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis persister: set %q: %w", session, err)
	}
	return nil
}

// Delete implements conversation.Persister.
func (p *RedisPersister) Delete(ctx context.Context, session string) error {
	if err := p.client.Del(ctx, p.key(session)).Err(); err != nil {
		return fmt.Errorf("redis persister: del %q: %w", session, err)
	}
	return nil
}

// Close implements conversation.Persister.
func (p *RedisPersister) Close() error {
	return p.client.Close()
}

func (p *RedisPersister) key(session string) string {
	return conversationKeyPrefix + session
}
