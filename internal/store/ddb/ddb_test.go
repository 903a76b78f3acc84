package ddb

import (
	"context"
	"testing"
	"time"

	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

func newTestClient() (*Client, *fakeAPI) {
	api := newFakeAPI()
	return New(api, Config{Table: "zae-limiter"}), api
}

func TestPing(t *testing.T) {
	c, api := newTestClient()
	if !c.Ping(context.Background()) {
		t.Fatalf("expected Ping to succeed")
	}
	api.describeErr = context.DeadlineExceeded
	if c.Ping(context.Background()) {
		t.Fatalf("expected Ping to fail once DescribeTable errors")
	}
}

func TestEntityRoundTrip(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()
	rec := store.EntityRecord{ID: "user-1", ParentID: "tenant-1", CreatedAt: time.Unix(1_700_000_000, 0).UTC()}

	if err := c.PutEntity(ctx, "ns1", rec); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	got, ok, err := c.GetEntity(ctx, "ns1", "user-1")
	if err != nil || !ok {
		t.Fatalf("GetEntity: %v, ok=%v", err, ok)
	}
	if got.ParentID != rec.ParentID {
		t.Errorf("ParentID = %q, want %q", got.ParentID, rec.ParentID)
	}

	_, ok, err = c.GetEntity(ctx, "ns1", "no-such-entity")
	if err != nil || ok {
		t.Fatalf("expected (nil, false, nil) for missing entity, got ok=%v err=%v", ok, err)
	}
}

func TestBatchGetBucketsDedupsAndChunks(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	item := store.BucketItem{
		EntityID: "user-1", Resource: "rpm", Shard: 0, RefillMs: 1000,
		Limits: map[string]store.BucketCounters{"rpm": {TokensMilli: 5000, CapacityMilli: 10000, BurstMilli: 10000, RefillAmountMilli: 10000, RefillPeriodMs: 60000}},
	}
	write := store.BucketWrite{
		Key:   store.BucketKey{EntityID: item.EntityID, Resource: item.Resource, Shard: item.Shard},
		Fresh: true,
		NewRefillMs: item.RefillMs,
		Deltas: map[string]store.BucketDelta{
			"rpm": {TokensMilliDelta: 5000, CapacityMilli: 10000, BurstMilli: 10000, RefillAmountMilli: 10000, RefillPeriodMs: 60000},
		},
	}
	if err := c.WriteTransaction(ctx, "ns1", []store.BucketWrite{write}, nil); err != nil {
		t.Fatalf("WriteTransaction: %v", err)
	}

	keys := []store.BucketKey{
		{EntityID: "user-1", Resource: "rpm", Shard: 0},
		{EntityID: "user-1", Resource: "rpm", Shard: 0}, // duplicate, must not double-count
		{EntityID: "user-1", Resource: "missing", Shard: 0},
	}
	got, err := c.BatchGetBuckets(ctx, "ns1", keys)
	if err != nil {
		t.Fatalf("BatchGetBuckets: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	bi, ok := got[store.BucketKey{EntityID: "user-1", Resource: "rpm", Shard: 0}]
	if !ok {
		t.Fatalf("expected key present in result")
	}
	if bi.Limits["rpm"].TokensMilli != 5000 {
		t.Errorf("TokensMilli = %d, want 5000", bi.Limits["rpm"].TokensMilli)
	}
}

func TestWriteTransactionConditionalUpdateSucceedsThenConflicts(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	fresh := store.BucketWrite{
		Key: store.BucketKey{EntityID: "user-2", Resource: "rpm", Shard: 0}, Fresh: true,
		NewRefillMs: 0,
		Deltas: map[string]store.BucketDelta{"rpm": {TokensMilliDelta: 10000, CapacityMilli: 10000, BurstMilli: 10000, RefillAmountMilli: 10000, RefillPeriodMs: 60000}},
	}
	if err := c.WriteTransaction(ctx, "ns1", []store.BucketWrite{fresh}, nil); err != nil {
		t.Fatalf("fresh write: %v", err)
	}

	update := store.BucketWrite{
		Key: store.BucketKey{EntityID: "user-2", Resource: "rpm", Shard: 0}, Fresh: false,
		PrevRefillMs: 0, NewRefillMs: 1000,
		Deltas: map[string]store.BucketDelta{"rpm": {TokensMilliDelta: -4000, TotalConsumedDelta: 4000}},
	}
	if err := c.WriteTransaction(ctx, "ns1", []store.BucketWrite{update}, nil); err != nil {
		t.Fatalf("conditional update: %v", err)
	}

	got, err := c.BatchGetBuckets(ctx, "ns1", []store.BucketKey{update.Key})
	if err != nil {
		t.Fatalf("BatchGetBuckets: %v", err)
	}
	bi := got[update.Key]
	if bi.RefillMs != 1000 {
		t.Errorf("RefillMs = %d, want 1000", bi.RefillMs)
	}
	if bi.Limits["rpm"].TokensMilli != 6000 {
		t.Errorf("TokensMilli = %d, want 6000", bi.Limits["rpm"].TokensMilli)
	}
	if bi.Limits["rpm"].TotalConsumedMilli != 4000 {
		t.Errorf("TotalConsumedMilli = %d, want 4000", bi.Limits["rpm"].TotalConsumedMilli)
	}

	// Retrying the same update with the now-stale PrevRefillMs must conflict.
	stale := update
	err = c.WriteTransaction(ctx, "ns1", []store.BucketWrite{stale}, nil)
	if err == nil {
		t.Fatalf("expected conflict on stale rf")
	}
	var conflict *rlerrors.ConflictError
	if !isConflict(err, &conflict) {
		t.Fatalf("expected *rlerrors.ConflictError, got %T: %v", err, err)
	}
}

func isConflict(err error, target **rlerrors.ConflictError) bool {
	c, ok := err.(*rlerrors.ConflictError)
	if !ok {
		return false
	}
	*target = c
	return true
}

func TestRegisterNamespaceIsIdempotent(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	id1, err := c.RegisterNamespace(ctx, "acme")
	if err != nil {
		t.Fatalf("RegisterNamespace: %v", err)
	}
	id2, err := c.RegisterNamespace(ctx, "acme")
	if err != nil {
		t.Fatalf("RegisterNamespace (second call): %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ across idempotent register: %q != %q", id1, id2)
	}
}

func TestRegisterNamespaceRejectsReservedName(t *testing.T) {
	c, _ := newTestClient()
	_, err := c.RegisterNamespace(context.Background(), "_")
	if err == nil {
		t.Fatalf("expected error for reserved namespace name")
	}
}

func TestSoftDeleteAndRecoverNamespace(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	id, err := c.RegisterNamespace(ctx, "acme")
	if err != nil {
		t.Fatalf("RegisterNamespace: %v", err)
	}

	if err := c.SoftDeleteNamespace(ctx, id); err != nil {
		t.Fatalf("SoftDeleteNamespace: %v", err)
	}
	if _, ok, _ := c.GetNamespaceByName(ctx, "acme"); ok {
		t.Fatalf("forward record should be gone after soft delete")
	}
	rec, ok, err := c.GetNamespaceByID(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetNamespaceByID: %v, ok=%v", err, ok)
	}
	if rec.Status != store.NamespaceDeleted {
		t.Errorf("Status = %q, want deleted", rec.Status)
	}

	if err := c.RecoverNamespace(ctx, id); err != nil {
		t.Fatalf("RecoverNamespace: %v", err)
	}
	recoveredID, ok, err := c.GetNamespaceByName(ctx, "acme")
	if err != nil || !ok || recoveredID != id {
		t.Fatalf("expected forward record restored to id %q, got %q ok=%v err=%v", id, recoveredID, ok, err)
	}
}

func TestRecoverNamespaceFailsIfNameReregistered(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	id, err := c.RegisterNamespace(ctx, "acme")
	if err != nil {
		t.Fatalf("RegisterNamespace: %v", err)
	}
	if err := c.SoftDeleteNamespace(ctx, id); err != nil {
		t.Fatalf("SoftDeleteNamespace: %v", err)
	}
	if _, err := c.RegisterNamespace(ctx, "acme"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if err := c.RecoverNamespace(ctx, id); err == nil {
		t.Fatalf("expected RecoverNamespace to fail: name already re-registered to a different id")
	}
}

func TestQueryResourceEntitiesIsolatesByNamespace(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	canonical := store.BucketItem{
		EntityID: "user-1", Resource: "api", Shard: 0,
		Limits: map[string]store.BucketCounters{
			"rpm": {TokensMilli: 1000, CapacityMilli: 1000, BurstMilli: 1000, RefillAmountMilli: 1000, RefillPeriodMs: 60_000},
		},
	}
	if err := c.CreateBucketShards(ctx, "ns1", canonical, 0, 1, 0); err != nil {
		t.Fatalf("CreateBucketShards ns1: %v", err)
	}
	canonical.EntityID = "user-2"
	if err := c.CreateBucketShards(ctx, "ns2", canonical, 0, 1, 0); err != nil {
		t.Fatalf("CreateBucketShards ns2: %v", err)
	}

	got, err := c.QueryResourceEntities(ctx, "ns1", "api")
	if err != nil {
		t.Fatalf("QueryResourceEntities: %v", err)
	}
	if len(got) != 1 || got[0] != "user-1" {
		t.Fatalf("QueryResourceEntities(ns1, api) = %v, want [user-1]; namespace leaked across GSI2", got)
	}

	shards, err := c.QueryEntityShards(ctx, "ns2", "user-2")
	if err != nil {
		t.Fatalf("QueryEntityShards: %v", err)
	}
	if len(shards) != 1 || shards[0].Resource != "api" {
		t.Fatalf("QueryEntityShards(ns2, user-2) = %v, want one api shard", shards)
	}
	if shards, err := c.QueryEntityShards(ctx, "ns1", "user-2"); err != nil || len(shards) != 0 {
		t.Fatalf("QueryEntityShards(ns1, user-2) = %v, err %v; want no shards, user-2 belongs to ns2", shards, err)
	}
}

func TestPurgeNamespaceRemovesEverything(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	id, err := c.RegisterNamespace(ctx, "acme")
	if err != nil {
		t.Fatalf("RegisterNamespace: %v", err)
	}
	if err := c.PutEntity(ctx, id, store.EntityRecord{ID: "user-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	if err := c.PurgeNamespace(ctx, id); err != nil {
		t.Fatalf("PurgeNamespace: %v", err)
	}
	if _, ok, _ := c.GetEntity(ctx, id, "user-1"); ok {
		t.Errorf("entity should be gone after purge")
	}
	if _, ok, _ := c.GetNamespaceByID(ctx, id); ok {
		t.Errorf("reverse namespace record should be gone after purge")
	}
}
