package observe

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// recordListKey is the Redis list the sink pushes batches onto.
// Downstream consumers (external dashboards, the SQLite-backed
// original's equivalent) pop from it; it also doubles as the
// bounded fallback queue spec §4.L calls for when no consumer is
// draining it, trimmed with LTRIM below so it never grows unbounded.
const recordListKey = "dito:observer:records"

// maxQueuedRecords caps the Redis-side fallback queue independent of
// the in-process bounded channel Recorder already enforces.
const maxQueuedRecords = 50000

// RedisSink batches Recorder flushes into a Redis list, reusing the
// client the teacher wires for caching (client/redis) the same way
// access.RedisStore reuses it for the blacklist.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink builds a Sink backed by client.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Flush(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, recordListKey, data)
	}
	pipe.LTrim(ctx, recordListKey, -maxQueuedRecords, -1)
	_, err := pipe.Exec(ctx)
	return err
}
