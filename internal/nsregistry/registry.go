// Package nsregistry is the business-logic face of the namespace registry
// (C7): it wraps store.Repository's namespace CRUD primitives with the
// policy decisions spec.md attaches to them — list excludes soft-deleted
// tenants by default, orphan detection surfaces what list hides, and batch
// register is a thin idempotent loop rather than its own transaction.
// Everything here is stateless; all state lives in the Repository.
package nsregistry

import (
	"context"
	"sort"

	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// Service exposes namespace lifecycle operations to callers (the CLI,
// chiefly) without leaking Repository's lower-level method set.
type Service struct {
	repo store.Repository
}

func New(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Register is idempotent: registering an already-registered name returns
// its existing id rather than erroring.
func (s *Service) Register(ctx context.Context, name string) (string, error) {
	return s.repo.RegisterNamespace(ctx, name)
}

// RegisterBatch registers every name, idempotently, and returns the full
// name->id map. A single name's failure does not block the rest of the
// batch; it aborts with that error once every other name has been
// attempted, so a partial batch failure still leaves as much progress as
// possible recorded in the store.
func (s *Service) RegisterBatch(ctx context.Context, names []string) (map[string]string, error) {
	ids := make(map[string]string, len(names))
	var firstErr error
	for _, name := range names {
		id, err := s.repo.RegisterNamespace(ctx, name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ids[name] = id
	}
	return ids, firstErr
}

// Show returns a namespace record by id regardless of its lifecycle state,
// so a deleted-but-not-purged namespace can still be inspected or
// recovered by id.
func (s *Service) Show(ctx context.Context, id string) (*store.NamespaceRecord, error) {
	rec, ok, err := s.repo.GetNamespaceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &rlerrors.NotFoundError{Kind_: "namespace", ID: id}
	}
	return rec, nil
}

// List returns only active namespaces, sorted by name. Soft-deleted
// tenants are deliberately excluded here; see Orphans.
func (s *Service) List(ctx context.Context) ([]store.NamespaceRecord, error) {
	return s.filteredList(ctx, store.NamespaceActive)
}

// Orphans returns namespaces that have been soft-deleted but never purged:
// their reverse registry row (and any data rows GSI4 still indexes) remain
// in the table until an operator runs Purge. Surfaced so deleted tenants
// do not silently accumulate unpurged state.
func (s *Service) Orphans(ctx context.Context) ([]store.NamespaceRecord, error) {
	return s.filteredList(ctx, store.NamespaceDeleted)
}

func (s *Service) filteredList(ctx context.Context, status store.NamespaceStatus) ([]store.NamespaceRecord, error) {
	all, err := s.repo.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]store.NamespaceRecord, 0, len(all))
	for _, rec := range all {
		if rec.Status == status {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Delete soft-deletes a namespace by id: its forward (name->id) record is
// removed and its reverse record is marked deleted, but data rows are
// untouched until Purge.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.SoftDeleteNamespace(ctx, id)
}

// Recover restores a soft-deleted namespace by id. It fails with a
// ConflictError if the original name has since been re-registered to a
// different id.
func (s *Service) Recover(ctx context.Context, id string) error {
	return s.repo.RecoverNamespace(ctx, id)
}

// Purge hard-deletes every row GSI4 reports under id, then the reverse
// registry record itself. A no-op if id is already unregistered.
func (s *Service) Purge(ctx context.Context, id string) error {
	return s.repo.PurgeNamespace(ctx, id)
}
