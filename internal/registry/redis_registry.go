package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps agent links as Redis sets, one keyed by document and
// a reverse set keyed by agent. Selected over Postgres when REDIS_URL is
// configured.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryWithClient creates a registry from an existing client.
func NewRedisRegistryWithClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func documentKey(documentID string) string { return "links:doc:" + documentID }
func agentKey(agentID string) string       { return "links:agent:" + agentID }

func (r *RedisRegistry) LinksFor(ctx context.Context, documentID string) ([]string, error) {
	agents, err := r.client.SMembers(ctx, documentKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	sort.Strings(agents)
	return agents, nil
}

func (r *RedisRegistry) DocumentsFor(ctx context.Context, agentID string) ([]string, error) {
	docs, err := r.client.SMembers(ctx, agentKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list agent documents: %w", err)
	}
	sort.Strings(docs)
	return docs, nil
}

func (r *RedisRegistry) Attach(ctx context.Context, documentID, agentID string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, documentKey(documentID), agentID)
	pipe.SAdd(ctx, agentKey(agentID), documentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("attach link: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Detach(ctx context.Context, documentID, agentID string) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, documentKey(documentID), agentID)
	pipe.SRem(ctx, agentKey(agentID), documentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("detach link: %w", err)
	}
	return nil
}

func (r *RedisRegistry) IsInUse(ctx context.Context, documentID string) (bool, error) {
	count, err := r.client.SCard(ctx, documentKey(documentID)).Result()
	if err != nil {
		return false, fmt.Errorf("check in use: %w", err)
	}
	return count > 0, nil
}

func (r *RedisRegistry) RemoveDocument(ctx context.Context, documentID string) error {
	agents, err := r.client.SMembers(ctx, documentKey(documentID)).Result()
	if err != nil {
		return fmt.Errorf("remove document links: %w", err)
	}
	pipe := r.client.TxPipeline()
	for _, agentID := range agents {
		pipe.SRem(ctx, agentKey(agentID), documentID)
	}
	pipe.Del(ctx, documentKey(documentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove document links: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
