package applier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

type configKey struct {
	scope    store.ConfigScope
	resource string
	entityID string
}

// fakeRepo is a minimal in-memory store.Repository covering exactly what
// the applier touches: config put/delete and provisioner state read/write.
type fakeRepo struct {
	store.Repository
	mu         sync.Mutex
	configs    map[configKey]store.ConfigRecord
	provisioner *store.ProvisionerState
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{configs: map[configKey]store.ConfigRecord{}}
}

func (f *fakeRepo) PutConfig(ctx context.Context, namespace string, rec store.ConfigRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[configKey{rec.Scope, rec.Resource, rec.EntityID}] = rec
	return nil
}

func (f *fakeRepo) DeleteConfig(ctx context.Context, namespace string, scope store.ConfigScope, resource, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.configs, configKey{scope, resource, entityID})
	return nil
}

func (f *fakeRepo) GetProvisionerState(ctx context.Context, namespace string) (*store.ProvisionerState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisioner == nil {
		return nil, false, nil
	}
	cp := *f.provisioner
	return &cp, true, nil
}

func (f *fakeRepo) PutProvisionerState(ctx context.Context, namespace string, state store.ProvisionerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := state
	f.provisioner = &cp
	return nil
}

const firstManifest = `
namespace: acme
system:
  on_unavailable: fail_open
  limits:
    rpm:
      capacity: 100
      refill_period: 60
resources:
  uploads:
    limits:
      rpm:
        burst: 50
entities:
  user-1:
    resources:
      uploads:
        limits:
          rpm:
            capacity: 10
`

func TestParseManifestAppliesBurstAliasAndDefaults(t *testing.T) {
	m, err := ParseManifest([]byte(firstManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Namespace != "acme" {
		t.Fatalf("namespace = %q, want acme", m.Namespace)
	}
	sys := m.System.Limits["rpm"]
	if sys.Capacity != 100 || sys.Burst != 100 || sys.RefillAmount != 100 {
		t.Fatalf("system rpm decl = %+v, want capacity/burst/refill_amount all 100", sys)
	}

	uploads := m.Resources["uploads"]["rpm"]
	if uploads.Capacity != 50 || uploads.Burst != 50 {
		t.Fatalf("resource rpm decl = %+v, want burst-as-capacity-alias to resolve to 50/50", uploads)
	}
	if uploads.RefillPeriodSeconds != defaultRefillPeriodSeconds {
		t.Fatalf("refill_period default = %d, want %d", uploads.RefillPeriodSeconds, defaultRefillPeriodSeconds)
	}
}

func TestParseManifestRequiresNamespace(t *testing.T) {
	if _, err := ParseManifest([]byte("system:\n  limits: {}\n")); err == nil {
		t.Fatal("expected error for missing namespace")
	}
}

func TestParseManifestRequiresCapacityOrBurst(t *testing.T) {
	doc := "namespace: acme\nresources:\n  r:\n    limits:\n      rpm: {}\n"
	if _, err := ParseManifest([]byte(doc)); err == nil {
		t.Fatal("expected error when neither capacity nor burst is set")
	}
}

func TestComputeDiffFirstApplyIsAllCreates(t *testing.T) {
	m, err := ParseManifest([]byte(firstManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	changes := ComputeDiff(m, nil)
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes (system, resource, entity), got %d: %+v", len(changes), changes)
	}
	for _, c := range changes {
		if c.Action != ActionCreate {
			t.Fatalf("expected all-create on first apply, got %s for %s/%s", c.Action, c.Level, c.Target)
		}
	}
}

func TestApplyThenReapplyIsZeroChanges(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	m, err := ParseManifest([]byte(firstManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	result, changes, err := Apply(ctx, repo, "acme", m, time.Unix(1000, 0), nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Created != 3 || result.Updated != 0 || result.Deleted != 0 {
		t.Fatalf("first apply result = %+v, want 3 creates", result)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}

	m2, err := ParseManifest([]byte(firstManifest))
	if err != nil {
		t.Fatalf("ParseManifest (reparse): %v", err)
	}
	result2, changes2, err := Apply(ctx, repo, "acme", m2, time.Unix(2000, 0), nil)
	if err != nil {
		t.Fatalf("Apply (second): %v", err)
	}
	if result2.Created != 0 || result2.Updated != 3 || result2.Deleted != 0 {
		t.Fatalf("second apply result = %+v, want 3 updates, 0 creates, 0 deletes", result2)
	}
	_ = changes2
}

func TestComputeDiffDropsRemovedResource(t *testing.T) {
	m, err := ParseManifest([]byte(firstManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	previous := []string{"system", "resource:uploads", "resource:legacy", "entity:user-1:uploads"}
	changes := ComputeDiff(m, previous)

	var sawDelete bool
	for _, c := range changes {
		if c.Action == ActionDelete {
			sawDelete = true
			if c.Level != LevelResource || c.Target != "legacy" {
				t.Fatalf("unexpected delete change: %+v", c)
			}
		}
	}
	if !sawDelete {
		t.Fatalf("expected a delete change for resource:legacy, got %+v", changes)
	}
}

func TestAppliedHashStableAcrossReparse(t *testing.T) {
	m1, err := ParseManifest([]byte(firstManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	m2, err := ParseManifest([]byte(firstManifest))
	if err != nil {
		t.Fatalf("ParseManifest (again): %v", err)
	}
	h1, err := m1.AppliedHash()
	if err != nil {
		t.Fatalf("AppliedHash: %v", err)
	}
	h2, err := m2.AppliedHash()
	if err != nil {
		t.Fatalf("AppliedHash (again): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable across reparse: %s != %s", h1, h2)
	}
}

func TestLimitDeclConvertsToMilliUnits(t *testing.T) {
	decl := LimitDecl{Capacity: 10, Burst: 20, RefillAmount: 5, RefillPeriodSeconds: 60}
	counters := decl.toBucketCounters()
	if counters.CapacityMilli != 10000 || counters.BurstMilli != 20000 || counters.RefillAmountMilli != 5000 || counters.RefillPeriodMs != 60000 {
		t.Fatalf("unexpected milli conversion: %+v", counters)
	}
}
