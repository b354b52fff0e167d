package df

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache persists a point-in-time view of the catalog to Redis so a
// restarted df-service (or a second DF replica) can warm its candidate list
// instead of waiting out a full heartbeat cycle. It never gates discovery on
// Redis availability: writes and reads are best-effort, logged by the
// caller, never returned as a hard error from Catalog operations.
type SnapshotCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSnapshotCache dials addr and verifies connectivity with a short-lived
// Ping, mirroring the teacher's RedisClient construction.
func NewSnapshotCache(ctx context.Context, addr string) (*SnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("df: unable to connect to Redis: %w", err)
	}

	return &SnapshotCache{client: client, prefix: "masfed:df:profile:", ttl: 24 * time.Hour}, nil
}

func (s *SnapshotCache) Close() error {
	return s.client.Close()
}

// Put writes p under its jid, refreshing the TTL on every Catalog.Upsert
// (heartbeats do not call it), so a profile that is not re-registered
// eventually ages out of Redis too, independent of the in-memory catalog's
// own GC.
func (s *SnapshotCache) Put(ctx context.Context, p Profile) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+p.JID, body, s.ttl).Err()
}

// Delete drops jid's snapshot, called alongside Catalog.Remove.
func (s *SnapshotCache) Delete(ctx context.Context, jid string) error {
	return s.client.Del(ctx, s.prefix+jid).Err()
}

// WarmCatalog scans every snapshot key and upserts it into cat, used once at
// startup before the catalog has received any REGISTER frames of its own.
func (s *SnapshotCache) WarmCatalog(ctx context.Context, cat *Catalog) (int, error) {
	var cursor uint64
	var warmed int
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return warmed, err
		}
		for _, key := range keys {
			raw, err := s.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var p Profile
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				continue
			}
			if _, err := cat.Upsert(p); err == nil {
				warmed++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return warmed, nil
}
