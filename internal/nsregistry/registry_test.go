package nsregistry

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"strings"
	"testing"
	"time"

	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// fakeRepo is a minimal in-memory store.Repository covering exactly the
// namespace-registry surface nsregistry calls.
type fakeRepo struct {
	store.Repository
	byName map[string]string
	byID   map[string]store.NamespaceRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byName: map[string]string{}, byID: map[string]store.NamespaceRecord{}}
}

func mintID() string {
	buf := make([]byte, 5)
	rand.Read(buf)
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf))
}

func (f *fakeRepo) RegisterNamespace(ctx context.Context, name string) (string, error) {
	if name == "_" {
		return "", &rlerrors.ValidationError{Field: "name", Reason: "reserved namespace cannot be registered"}
	}
	if id, ok := f.byName[name]; ok {
		return id, nil
	}
	id := mintID()
	f.byName[name] = id
	f.byID[id] = store.NamespaceRecord{ID: id, Name: name, Status: store.NamespaceActive, CreatedAt: time.Now()}
	return id, nil
}

func (f *fakeRepo) GetNamespaceByID(ctx context.Context, id string) (*store.NamespaceRecord, bool, error) {
	rec, ok := f.byID[id]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (f *fakeRepo) ListNamespaces(ctx context.Context) ([]store.NamespaceRecord, error) {
	var out []store.NamespaceRecord
	for _, rec := range f.byID {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRepo) SoftDeleteNamespace(ctx context.Context, id string) error {
	rec, ok := f.byID[id]
	if !ok {
		return &rlerrors.NotFoundError{Kind_: "namespace", ID: id}
	}
	delete(f.byName, rec.Name)
	rec.Status = store.NamespaceDeleted
	rec.DeletedAt = time.Now()
	f.byID[id] = rec
	return nil
}

func (f *fakeRepo) RecoverNamespace(ctx context.Context, id string) error {
	rec, ok := f.byID[id]
	if !ok {
		return &rlerrors.NotFoundError{Kind_: "namespace", ID: id}
	}
	if rec.Status != store.NamespaceDeleted {
		return nil
	}
	if existingID, taken := f.byName[rec.Name]; taken && existingID != id {
		return &rlerrors.ConflictError{Resource: "namespace name " + rec.Name}
	}
	f.byName[rec.Name] = id
	rec.Status = store.NamespaceActive
	rec.DeletedAt = time.Time{}
	f.byID[id] = rec
	return nil
}

func (f *fakeRepo) PurgeNamespace(ctx context.Context, id string) error {
	rec, ok := f.byID[id]
	if !ok {
		return nil
	}
	delete(f.byName, rec.Name)
	delete(f.byID, id)
	return nil
}

func TestRegisterIsIdempotent(t *testing.T) {
	svc := New(newFakeRepo())
	ctx := context.Background()

	id1, err := svc.Register(ctx, "tenant-alpha")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	id2, err := svc.Register(ctx, "tenant-alpha")
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("Register not idempotent: %s != %s", id1, id2)
	}
}

func TestRegisterRejectsReservedNamespace(t *testing.T) {
	svc := New(newFakeRepo())
	if _, err := svc.Register(context.Background(), "_"); err == nil {
		t.Fatal("expected error registering reserved namespace")
	}
}

func TestRegisterBatchIdempotent(t *testing.T) {
	svc := New(newFakeRepo())
	ctx := context.Background()

	first, err := svc.RegisterBatch(ctx, []string{"ns-x", "ns-y"})
	if err != nil {
		t.Fatalf("RegisterBatch: %v", err)
	}
	second, err := svc.RegisterBatch(ctx, []string{"ns-x", "ns-y"})
	if err != nil {
		t.Fatalf("RegisterBatch again: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 entries each, got %d and %d", len(first), len(second))
	}
	for name, id := range first {
		if second[name] != id {
			t.Fatalf("id for %s changed between batches: %s != %s", name, id, second[name])
		}
	}
}

func TestListExcludesDeleted(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ns-active"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	deletedID, err := svc.Register(ctx, "ns-deleted")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Delete(ctx, deletedID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Name != "ns-active" {
		t.Fatalf("expected only ns-active in list, got %+v", list)
	}
}

func TestOrphansReturnsDeletedOnly(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ns-active"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	orphanID, err := svc.Register(ctx, "ns-orphan")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Delete(ctx, orphanID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	orphans, err := svc.Orphans(ctx)
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != orphanID || orphans[0].Name != "ns-orphan" {
		t.Fatalf("expected ns-orphan alone, got %+v", orphans)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Name != "ns-active" {
		t.Fatalf("orphans leaked into list: %+v", list)
	}
}

func TestRecoverFailsAfterNameReregistered(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo)
	ctx := context.Background()

	id, err := svc.Register(ctx, "ns-collision")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Register(ctx, "ns-collision"); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if err := svc.Recover(ctx, id); err == nil {
		t.Fatal("expected Recover to fail after name re-registered to a different id")
	}
}

func TestPurgeRemovesNamespace(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo)
	ctx := context.Background()

	id, err := svc.Register(ctx, "ns-purge")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Purge(ctx, id); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if _, err := svc.Show(ctx, id); err == nil {
		t.Fatal("expected Show to fail after purge")
	}
}
