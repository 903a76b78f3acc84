package applier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// Result summarises one apply pass. Errors accumulate per change rather
// than aborting: one bad write should not block the rest of the manifest
// from taking effect.
type Result struct {
	Created int
	Updated int
	Deleted int
	Errors  []string
}

// applyOne writes or deletes a single change against repo. It mirrors
// the provisioner's own PutConfig/DeleteConfig key derivation: system and
// resource changes need no parsing, entity changes split Target on '/'.
func applyOne(ctx context.Context, repo store.Repository, namespace string, c Change) error {
	switch c.Action {
	case ActionDelete:
		scope, resource, entityID, err := changeKey(c)
		if err != nil {
			return err
		}
		return repo.DeleteConfig(ctx, namespace, scope, resource, entityID)
	case ActionCreate, ActionUpdate:
		scope, resource, entityID, err := changeKey(c)
		if err != nil {
			return err
		}
		return repo.PutConfig(ctx, namespace, store.ConfigRecord{
			Scope:         scope,
			Resource:      resource,
			EntityID:      entityID,
			Limits:        c.Limits,
			OnUnavailable: c.OnUnavailable,
		})
	default:
		return fmt.Errorf("applier: unknown change action %q", c.Action)
	}
}

func changeKey(c Change) (scope store.ConfigScope, resource, entityID string, err error) {
	switch c.Level {
	case LevelSystem:
		return store.ScopeSystem, "", "", nil
	case LevelResource:
		return store.ScopeResource, c.Target, "", nil
	case LevelEntity:
		entityID, resource, ok := strings.Cut(c.Target, "/")
		if !ok {
			return "", "", "", fmt.Errorf("applier: malformed entity change target %q", c.Target)
		}
		return store.ScopeEntity, resource, entityID, nil
	default:
		return "", "", "", fmt.Errorf("applier: unknown change level %q", c.Level)
	}
}

// ApplyChanges applies every change one at a time, accumulating per-change
// failures into Result.Errors instead of stopping at the first one.
func ApplyChanges(ctx context.Context, repo store.Repository, namespace string, changes []Change, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}
	var result Result
	for _, c := range changes {
		if err := applyOne(ctx, repo, namespace, c); err != nil {
			logger.Warn("applier: change failed", "action", c.Action, "level", c.Level, "target", c.Target, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s %s: %v", c.Action, c.Level, c.Target, err))
			continue
		}
		switch c.Action {
		case ActionCreate:
			result.Created++
		case ActionUpdate:
			result.Updated++
		case ActionDelete:
			result.Deleted++
		}
	}
	return result
}

// Apply runs the full provisioner pass for one manifest: read the previous
// managed set, diff, apply one change at a time, then rewrite the managed
// set and applied hash. This is the only entry point that mutates
// #PROVISIONER state. ComputeDiff is exposed separately for a dry-run
// "plan" that never writes; ApplyChanges writes config rows but leaves
// #PROVISIONER state untouched.
func Apply(ctx context.Context, repo store.Repository, namespace string, manifest *Manifest, now time.Time, logger *slog.Logger) (Result, []Change, error) {
	previous, _, err := repo.GetProvisionerState(ctx, namespace)
	if err != nil {
		return Result{}, nil, fmt.Errorf("applier: reading provisioner state: %w", err)
	}
	var previousSet []string
	if previous != nil {
		previousSet = previous.ManagedSet
	}

	changes := ComputeDiff(manifest, previousSet)
	result := ApplyChanges(ctx, repo, namespace, changes, logger)

	hash, err := manifest.AppliedHash()
	if err != nil {
		return result, changes, fmt.Errorf("applier: hashing manifest: %w", err)
	}

	managed := manifest.managedIdentities()
	if err := repo.PutProvisionerState(ctx, namespace, store.ProvisionerState{
		ManagedSet:  managed,
		AppliedHash: hash,
		UpdatedAt:   now,
	}); err != nil {
		return result, changes, fmt.Errorf("applier: writing provisioner state: %w", err)
	}

	return result, changes, nil
}
