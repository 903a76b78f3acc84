// Package configresolver answers the two questions every acquire needs
// resolved: which limits apply to (entity, resource), and what is the
// system's on_unavailable policy. Resolution always walks entity -> resource
// -> system -> caller default, with a process-local cache in front of the
// store so repeated acquires for the same (entity, resource) pair do not
// pay a store round trip every time.
package configresolver

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/vitaliisemenov/zae-limiter/internal/bucket"
	"github.com/vitaliisemenov/zae-limiter/internal/metrics"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// DefaultTTL is the expiry stamped on looked-up entries when Config.TTL is
// zero. A zero Config.TTL disables caching, so such entries are never
// stored; New does not substitute DefaultTTL for a zero TTL.
const DefaultTTL = 60 * time.Second

// DefaultOnUnavailable is used when no system config row sets the policy.
const DefaultOnUnavailable = "fail_closed"

const defaultShardSize = 4096

type entry struct {
	found     bool
	record    store.ConfigRecord
	expiresAt time.Time
}

// Resolver implements the three-tier resolution order with a sharded,
// TTL'd, singleflight-guarded cache. Shards are sharded by key SHAPE
// (entity-scope vs resource-scope vs system-scope), not by hash bucket:
// each scope has a fundamentally different key cardinality and miss rate,
// so giving each its own LRU avoids one scope's churn evicting another's.
type Resolver struct {
	repo store.Repository
	ttl  time.Duration

	entityCache   *lru.Cache[string, entry]
	resourceCache *lru.Cache[string, entry]
	systemCache   *lru.Cache[string, entry]

	entitySF   singleflight.Group
	resourceSF singleflight.Group
	systemSF   singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// Config configures a Resolver. TTL of zero disables caching entirely (every
// lookup goes to the store). ShardSize bounds each of the three per-scope
// LRUs independently; it defaults to 4096 entries.
type Config struct {
	TTL       time.Duration
	ShardSize int
}

func New(repo store.Repository, cfg Config) *Resolver {
	shardSize := cfg.ShardSize
	if shardSize <= 0 {
		shardSize = defaultShardSize
	}
	entityCache, _ := lru.New[string, entry](shardSize)
	resourceCache, _ := lru.New[string, entry](shardSize)
	systemCache, _ := lru.New[string, entry](shardSize)

	return &Resolver{
		repo:          repo,
		ttl:           cfg.TTL,
		entityCache:   entityCache,
		resourceCache: resourceCache,
		systemCache:   systemCache,
	}
}

// Stats reports cache hit/miss counters and combined size, for operational
// visibility.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Size:   r.entityCache.Len() + r.resourceCache.Len() + r.systemCache.Len(),
	}
}

// Invalidate clears the whole cache. Coarse by design: configuration
// mutations are rare relative to acquires, so a full flush costs little.
func (r *Resolver) Invalidate() {
	r.entityCache.Purge()
	r.resourceCache.Purge()
	r.systemCache.Purge()
}

// ResolveLimits returns the effective limit set for (entityID, resource),
// walking entity -> resource -> system config, in millitoken Params ready
// for internal/bucket. If useStoredLimits is false, the stored chain is
// skipped entirely and callerDefault is returned as-is. If useStoredLimits
// is true and no config exists at any scope, an empty set is returned
// (meaning: no limits enforced for this pair), not an error — NotFound is
// reserved for explicit entity/namespace lookups, not absence of config.
func (r *Resolver) ResolveLimits(ctx context.Context, namespace, entityID, resource string, callerDefault map[string]bucket.Params, useStoredLimits bool) (map[string]bucket.Params, error) {
	if !useStoredLimits {
		return callerDefault, nil
	}

	if rec, ok, err := r.lookup(ctx, namespace, store.ScopeEntity, resource, entityID, r.entityCache, &r.entitySF); err != nil {
		return nil, err
	} else if ok {
		return countersToParams(rec.Limits), nil
	}

	if rec, ok, err := r.lookup(ctx, namespace, store.ScopeResource, resource, "", r.resourceCache, &r.resourceSF); err != nil {
		return nil, err
	} else if ok {
		return countersToParams(rec.Limits), nil
	}

	if rec, ok, err := r.lookup(ctx, namespace, store.ScopeSystem, "", "", r.systemCache, &r.systemSF); err != nil {
		return nil, err
	} else if ok {
		return countersToParams(rec.Limits), nil
	}

	return map[string]bucket.Params{}, nil
}

// ResolveOnUnavailable returns the system-level on_unavailable policy,
// defaulting to fail_closed when no system config row sets one.
func (r *Resolver) ResolveOnUnavailable(ctx context.Context, namespace string) (string, error) {
	rec, ok, err := r.lookup(ctx, namespace, store.ScopeSystem, "", "", r.systemCache, &r.systemSF)
	if err != nil {
		return "", err
	}
	if !ok || rec.OnUnavailable == "" {
		return DefaultOnUnavailable, nil
	}
	return rec.OnUnavailable, nil
}

func countersToParams(limits map[string]store.BucketCounters) map[string]bucket.Params {
	out := make(map[string]bucket.Params, len(limits))
	for name, c := range limits {
		out[name] = bucket.Params{
			CapacityMilli:     c.CapacityMilli,
			BurstMilli:        c.BurstMilli,
			RefillAmountMilli: c.RefillAmountMilli,
			RefillPeriodMs:    c.RefillPeriodMs,
		}
	}
	return out
}

func cacheKey(namespace string, scope store.ConfigScope, resource, entityID string) string {
	return string(scope) + "|" + namespace + "|" + resource + "|" + entityID
}

// lookup is the shared cache-then-store-then-singleflight path for one
// scope. Every call site passes its own cache/singleflight pair so each
// scope's entries never compete with another scope's for LRU slots.
func (r *Resolver) lookup(ctx context.Context, namespace string, scope store.ConfigScope, resource, entityID string, cache *lru.Cache[string, entry], sf *singleflight.Group) (store.ConfigRecord, bool, error) {
	key := cacheKey(namespace, scope, resource, entityID)

	if r.ttl > 0 {
		if e, ok := cache.Get(key); ok && time.Now().Before(e.expiresAt) {
			r.hits.Add(1)
			metrics.RecordCacheLookup(string(scope), "hit")
			return e.record, e.found, nil
		}
	}
	r.misses.Add(1)
	metrics.RecordCacheLookup(string(scope), "miss")

	result, err, _ := sf.Do(key, func() (interface{}, error) {
		rec, found, err := r.repo.GetConfig(ctx, namespace, scope, resource, entityID)
		if err != nil {
			return nil, err
		}
		e := entry{found: found, expiresAt: time.Now().Add(r.effectiveTTL())}
		if found {
			e.record = *rec
		}
		if r.ttl > 0 {
			cache.Add(key, e)
		}
		return e, nil
	})
	if err != nil {
		return store.ConfigRecord{}, false, err
	}

	e := result.(entry)
	return e.record, e.found, nil
}

func (r *Resolver) effectiveTTL() time.Duration {
	if r.ttl > 0 {
		return r.ttl
	}
	return DefaultTTL
}
