package applier

import (
	"sort"
	"strings"

	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// ChangeAction is the kind of mutation one Change represents.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// ChangeLevel is the config scope a Change targets.
type ChangeLevel string

const (
	LevelSystem   ChangeLevel = "system"
	LevelResource ChangeLevel = "resource"
	LevelEntity   ChangeLevel = "entity"
)

// Change is one create/update/delete to apply to the store. Target is the
// resource name, "entityID/resource", or empty for the system scope.
// Limits and OnUnavailable are only meaningful for create/update.
type Change struct {
	Action        ChangeAction
	Level         ChangeLevel
	Target        string
	Limits        map[string]store.BucketCounters
	OnUnavailable string
}

// ComputeDiff compares manifest against previousManagedSet (the identity
// strings recorded in store.ProvisionerState.ManagedSet from the last
// apply) and returns a sorted list of changes: every identity the manifest
// currently declares is a create (new) or update (previously managed);
// every previously managed identity the manifest no longer declares is a
// delete. The order is deterministic: creates and updates come first (system,
// then resources by name, then entities by (entity, resource)), followed by
// every delete sorted by its identity string.
func ComputeDiff(manifest *Manifest, previousManagedSet []string) []Change {
	prev := make(map[string]struct{}, len(previousManagedSet))
	for _, id := range previousManagedSet {
		prev[id] = struct{}{}
	}

	var changes []Change
	seen := map[string]struct{}{}

	if manifest.System != nil {
		id := "system"
		seen[id] = struct{}{}
		action := ActionCreate
		if _, ok := prev[id]; ok {
			action = ActionUpdate
		}
		changes = append(changes, Change{
			Action:        action,
			Level:         LevelSystem,
			Limits:        toBucketCounterMap(manifest.System.Limits),
			OnUnavailable: manifest.System.OnUnavailable,
		})
	}

	resourceNames := make([]string, 0, len(manifest.Resources))
	for name := range manifest.Resources {
		resourceNames = append(resourceNames, name)
	}
	sort.Strings(resourceNames)
	for _, name := range resourceNames {
		id := "resource:" + name
		seen[id] = struct{}{}
		action := ActionCreate
		if _, ok := prev[id]; ok {
			action = ActionUpdate
		}
		changes = append(changes, Change{
			Action: action,
			Level:  LevelResource,
			Target: name,
			Limits: toBucketCounterMap(manifest.Resources[name]),
		})
	}

	type entityResource struct{ entityID, resource string }
	var entityResources []entityResource
	for entityID, ent := range manifest.Entities {
		for resource := range ent.Resources {
			entityResources = append(entityResources, entityResource{entityID, resource})
		}
	}
	sort.Slice(entityResources, func(i, j int) bool {
		if entityResources[i].entityID != entityResources[j].entityID {
			return entityResources[i].entityID < entityResources[j].entityID
		}
		return entityResources[i].resource < entityResources[j].resource
	})
	for _, er := range entityResources {
		id := "entity:" + er.entityID + ":" + er.resource
		seen[id] = struct{}{}
		action := ActionCreate
		if _, ok := prev[id]; ok {
			action = ActionUpdate
		}
		changes = append(changes, Change{
			Action: action,
			Level:  LevelEntity,
			Target: er.entityID + "/" + er.resource,
			Limits: toBucketCounterMap(manifest.Entities[er.entityID].Resources[er.resource]),
		})
	}

	var deleted []string
	for id := range prev {
		if _, ok := seen[id]; !ok {
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	for _, id := range deleted {
		changes = append(changes, changeFromDeletedIdentity(id))
	}

	return changes
}

func changeFromDeletedIdentity(id string) Change {
	switch {
	case id == "system":
		return Change{Action: ActionDelete, Level: LevelSystem}
	case strings.HasPrefix(id, "resource:"):
		return Change{Action: ActionDelete, Level: LevelResource, Target: strings.TrimPrefix(id, "resource:")}
	case strings.HasPrefix(id, "entity:"):
		rest := strings.TrimPrefix(id, "entity:")
		entityID, resource, _ := strings.Cut(rest, ":")
		return Change{Action: ActionDelete, Level: LevelEntity, Target: entityID + "/" + resource}
	default:
		return Change{Action: ActionDelete, Level: LevelResource, Target: id}
	}
}

func toBucketCounterMap(limits map[string]LimitDecl) map[string]store.BucketCounters {
	out := make(map[string]store.BucketCounters, len(limits))
	for name, decl := range limits {
		out[name] = decl.toBucketCounters()
	}
	return out
}
