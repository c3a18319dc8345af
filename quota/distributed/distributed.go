// Package distributed is the Redis-backed quota.Store: it replaces the
// in-process sliding windows and override map quota.Manager otherwise keeps
// in memory, so several engine nodes enforce one tenant's limits
// consistently across a cluster.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evalgo/actiondrive/quota"
)

// Store implements quota.Store against a Redis (or Redis-protocol
// compatible, e.g. DragonflyDB/Valkey) deployment.
type Store struct {
	client *redis.Client
	ctx    context.Context
}

// NewStore parses url (a redis:// connection string) and verifies
// connectivity with a short ping before returning.
func NewStore(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("distributed quota: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("distributed quota: connect to redis: %w", err)
	}

	return &Store{client: client, ctx: ctx}, nil
}

func quotaKey(tenantID string) string    { return "quota:tenant:" + tenantID }
func actionsKey(tenantID string) string  { return "quota:actions:" + tenantID }
func artifactsKey(tenantID string) string { return "quota:artifacts:" + tenantID }

// SetQuota stores tenantID's quota override as a JSON blob.
func (s *Store) SetQuota(tenantID string, q quota.TenantQuota) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("distributed quota: marshal quota: %w", err)
	}
	return s.client.Set(s.ctx, quotaKey(tenantID), data, 0).Err()
}

// GetQuota returns tenantID's stored quota override, if any.
func (s *Store) GetQuota(tenantID string) (quota.TenantQuota, bool, error) {
	raw, err := s.client.Get(s.ctx, quotaKey(tenantID)).Bytes()
	if err == redis.Nil {
		return quota.TenantQuota{}, false, nil
	}
	if err != nil {
		return quota.TenantQuota{}, false, fmt.Errorf("distributed quota: get quota: %w", err)
	}
	var q quota.TenantQuota
	if err := json.Unmarshal(raw, &q); err != nil {
		return quota.TenantQuota{}, false, fmt.Errorf("distributed quota: unmarshal quota: %w", err)
	}
	return q, true, nil
}

// CountRecentActions counts action timestamps recorded after since, using a
// sorted set keyed by tenant with the timestamp (as a float score) also
// serving as the member, so repeated identical timestamps collapse rather
// than double-counting.
func (s *Store) CountRecentActions(tenantID string, since time.Time) (int, error) {
	count, err := s.client.ZCount(s.ctx, actionsKey(tenantID),
		fmt.Sprintf("(%d", since.UnixNano()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("distributed quota: count recent actions: %w", err)
	}
	return int(count), nil
}

// RegisterAction adds ts to tenantID's action sorted set.
func (s *Store) RegisterAction(tenantID string, ts time.Time) error {
	member := fmt.Sprintf("%d", ts.UnixNano())
	return s.client.ZAdd(s.ctx, actionsKey(tenantID), redis.Z{
		Score:  float64(ts.UnixNano()),
		Member: member,
	}).Err()
}

// actionsKeyPattern matches every tenant's action sorted set, used by
// PruneActionEvents to sweep all of them since pruning has no single
// tenant scope.
const actionsKeyPattern = "quota:actions:*"

// PruneActionEvents removes action entries older than before from every
// tenant's action sorted set.
func (s *Store) PruneActionEvents(before time.Time) error {
	cutoff := fmt.Sprintf("%d", before.UnixNano())

	iter := s.client.Scan(s.ctx, 0, actionsKeyPattern, 100).Iterator()
	for iter.Next(s.ctx) {
		key := iter.Val()
		if err := s.client.ZRemRangeByScore(s.ctx, key, "-inf", cutoff).Err(); err != nil {
			return fmt.Errorf("distributed quota: prune %s: %w", key, err)
		}
	}
	return iter.Err()
}

// GetArtifactBytes returns tenantID's cumulative artifact usage.
func (s *Store) GetArtifactBytes(tenantID string) (int64, error) {
	n, err := s.client.Get(s.ctx, artifactsKey(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("distributed quota: get artifact bytes: %w", err)
	}
	return n, nil
}

// AddArtifactBytes atomically increments tenantID's cumulative artifact
// usage by delta.
func (s *Store) AddArtifactBytes(tenantID string, delta int64) error {
	return s.client.IncrBy(s.ctx, artifactsKey(tenantID), delta).Err()
}
