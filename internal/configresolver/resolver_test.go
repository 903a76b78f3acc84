package configresolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vitaliisemenov/zae-limiter/internal/bucket"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// fakeRepo implements only the slice of store.Repository this package calls;
// every other method panics if invoked, which would indicate the resolver
// reached for something out of scope.
type fakeRepo struct {
	store.Repository
	mu        sync.Mutex
	configs   map[string]store.ConfigRecord
	callCount atomic.Int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{configs: map[string]store.ConfigRecord{}}
}

func (f *fakeRepo) key(scope store.ConfigScope, resource, entityID string) string {
	return string(scope) + "|" + resource + "|" + entityID
}

func (f *fakeRepo) set(scope store.ConfigScope, resource, entityID string, rec store.ConfigRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[f.key(scope, resource, entityID)] = rec
}

func (f *fakeRepo) GetConfig(ctx context.Context, namespace string, scope store.ConfigScope, resource, entityID string) (*store.ConfigRecord, bool, error) {
	f.callCount.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.configs[f.key(scope, resource, entityID)]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func TestResolveLimitsPrecedenceEntityBeatsResourceBeatsSystem(t *testing.T) {
	repo := newFakeRepo()
	repo.set(store.ScopeSystem, "", "", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 1}}})
	repo.set(store.ScopeResource, "api", "", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 2}}})
	repo.set(store.ScopeEntity, "api", "user-1", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 3}}})

	r := New(repo, Config{TTL: time.Minute})
	limits, err := r.ResolveLimits(context.Background(), "ns1", "user-1", "api", nil, true)
	if err != nil {
		t.Fatalf("ResolveLimits: %v", err)
	}
	if limits["rpm"].CapacityMilli != 3 {
		t.Errorf("CapacityMilli = %d, want 3 (entity-level should win)", limits["rpm"].CapacityMilli)
	}
}

func TestResolveLimitsFallsBackToResourceThenSystem(t *testing.T) {
	repo := newFakeRepo()
	repo.set(store.ScopeSystem, "", "", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 1}}})
	repo.set(store.ScopeResource, "api", "", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 2}}})

	r := New(repo, Config{TTL: time.Minute})
	limits, err := r.ResolveLimits(context.Background(), "ns1", "user-1", "api", nil, true)
	if err != nil {
		t.Fatalf("ResolveLimits: %v", err)
	}
	if limits["rpm"].CapacityMilli != 2 {
		t.Errorf("CapacityMilli = %d, want 2 (resource-level fallback)", limits["rpm"].CapacityMilli)
	}
}

func TestResolveLimitsEmptyWhenNothingConfigured(t *testing.T) {
	r := New(newFakeRepo(), Config{TTL: time.Minute})
	limits, err := r.ResolveLimits(context.Background(), "ns1", "user-1", "api", nil, true)
	if err != nil {
		t.Fatalf("ResolveLimits: %v", err)
	}
	if len(limits) != 0 {
		t.Errorf("expected empty limit set, got %v", limits)
	}
}

func TestResolveLimitsSkipsStoreWhenNotUsingStoredLimits(t *testing.T) {
	repo := newFakeRepo()
	repo.set(store.ScopeSystem, "", "", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 1}}})

	r := New(repo, Config{TTL: time.Minute})
	caller := map[string]bucket.Params{"rpm": {CapacityMilli: 99}}
	limits, err := r.ResolveLimits(context.Background(), "ns1", "user-1", "api", caller, false)
	if err != nil {
		t.Fatalf("ResolveLimits: %v", err)
	}
	if limits["rpm"].CapacityMilli != 99 {
		t.Errorf("expected caller default to win, got %v", limits)
	}
	if repo.callCount.Load() != 0 {
		t.Errorf("expected zero store calls when useStoredLimits=false, got %d", repo.callCount.Load())
	}
}

func TestResolveLimitsCachesPositiveAndNegativeResults(t *testing.T) {
	repo := newFakeRepo()
	repo.set(store.ScopeEntity, "api", "user-1", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 3}}})

	r := New(repo, Config{TTL: time.Minute})
	ctx := context.Background()

	if _, err := r.ResolveLimits(ctx, "ns1", "user-1", "api", nil, true); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	callsAfterFirst := repo.callCount.Load()
	if callsAfterFirst == 0 {
		t.Fatalf("expected at least one store call on cold cache")
	}

	if _, err := r.ResolveLimits(ctx, "ns1", "user-1", "api", nil, true); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if repo.callCount.Load() != callsAfterFirst {
		t.Errorf("expected no additional store calls on warm cache, calls went %d -> %d", callsAfterFirst, repo.callCount.Load())
	}

	// Negative result (no config for this entity/resource) must also be
	// cached: repeated misses should not repeat the full three-scope walk.
	if _, err := r.ResolveLimits(ctx, "ns1", "user-2", "other", nil, true); err != nil {
		t.Fatalf("negative resolve: %v", err)
	}
	callsAfterNegative := repo.callCount.Load()
	if _, err := r.ResolveLimits(ctx, "ns1", "user-2", "other", nil, true); err != nil {
		t.Fatalf("negative resolve (cached): %v", err)
	}
	if repo.callCount.Load() != callsAfterNegative {
		t.Errorf("expected negative cache hit, calls went %d -> %d", callsAfterNegative, repo.callCount.Load())
	}
}

func TestResolveLimitsSingleflightCollapsesConcurrentMisses(t *testing.T) {
	repo := newFakeRepo()
	repo.set(store.ScopeSystem, "", "", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 1}}})

	r := New(repo, Config{TTL: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ResolveLimits(ctx, "ns1", "same-user", "same-resource", nil, true); err != nil {
				t.Errorf("ResolveLimits: %v", err)
			}
		}()
	}
	wg.Wait()

	// Three scopes are walked once each regardless of concurrency: entity
	// miss, resource miss, system hit.
	if repo.callCount.Load() != 3 {
		t.Errorf("callCount = %d, want 3 (singleflight should collapse concurrent misses)", repo.callCount.Load())
	}
}

func TestInvalidateClearsCache(t *testing.T) {
	repo := newFakeRepo()
	repo.set(store.ScopeSystem, "", "", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 1}}})

	r := New(repo, Config{TTL: time.Minute})
	ctx := context.Background()
	if _, err := r.ResolveLimits(ctx, "ns1", "user-1", "api", nil, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	before := repo.callCount.Load()

	r.Invalidate()
	if _, err := r.ResolveLimits(ctx, "ns1", "user-1", "api", nil, true); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if repo.callCount.Load() == before {
		t.Errorf("expected invalidate to force a fresh store call")
	}
}

func TestResolveOnUnavailableDefaultsToFailClosed(t *testing.T) {
	r := New(newFakeRepo(), Config{TTL: time.Minute})
	policy, err := r.ResolveOnUnavailable(context.Background(), "ns1")
	if err != nil {
		t.Fatalf("ResolveOnUnavailable: %v", err)
	}
	if policy != DefaultOnUnavailable {
		t.Errorf("policy = %q, want %q", policy, DefaultOnUnavailable)
	}
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	repo := newFakeRepo()
	repo.set(store.ScopeSystem, "", "", store.ConfigRecord{Limits: map[string]store.BucketCounters{"rpm": {CapacityMilli: 1}}})
	r := New(repo, Config{TTL: time.Minute})
	ctx := context.Background()

	r.ResolveLimits(ctx, "ns1", "user-1", "api", nil, true)
	r.ResolveLimits(ctx, "ns1", "user-1", "api", nil, true)

	stats := r.Stats()
	if stats.Misses == 0 {
		t.Errorf("expected at least one miss")
	}
	if stats.Hits == 0 {
		t.Errorf("expected at least one hit on the second resolve")
	}
}
