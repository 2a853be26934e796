package access

import (
	"context"
	"encoding/json"
	"time"

	"dito/config"

	"github.com/redis/go-redis/v9"
)

const blacklistKey = "dito:blacklist"

// RedisStore persists blacklist entries in a Redis sorted set scored
// by expiry (0 meaning permanent is stored as a far-future score so
// ZRANGE ordering still works), repurposing the client the teacher
// wires up for middlewares/cache_redis.go's GET/SET cache pattern.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisStore builds a Store backed by client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ctx: context.Background()}
}

func (s *RedisStore) Load() ([]config.BlacklistEntry, error) {
	members, err := s.client.ZRange(s.ctx, blacklistKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]config.BlacklistEntry, 0, len(members))
	for _, m := range members {
		var e config.BlacklistEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Save(entry config.BlacklistEntry) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	score := float64(entry.ExpiresAt)
	if entry.ExpiresAt == 0 {
		score = 9.9e18 // permanent entries sort last
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.ZAdd(s.ctx, blacklistKey, redis.Z{Score: score, Member: string(data)}).Err()
}

func (s *RedisStore) Delete(ip string) error {
	members, err := s.client.ZRange(s.ctx, blacklistKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var e config.BlacklistEntry
		if err := json.Unmarshal([]byte(m), &e); err == nil && e.IP == ip {
			s.client.ZRem(s.ctx, blacklistKey, m)
		}
	}
	return nil
}
