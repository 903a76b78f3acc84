// Package applier implements the declarative limits provisioner (C8): parse
// a YAML manifest, diff it against the previously managed set, apply the
// difference one item at a time, then rewrite the managed set and a content
// hash of the manifest actually applied.
package applier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// defaultRefillPeriodSeconds matches the manifest parser's default when a
// limit declares no refill_period.
const defaultRefillPeriodSeconds = 60

// rawLimit mirrors the manifest's YAML shape for one named limit before
// defaults are resolved. Pointer fields distinguish "absent" from "zero".
type rawLimit struct {
	Capacity      *int64 `yaml:"capacity"`
	Burst         *int64 `yaml:"burst"`
	RefillAmount  *int64 `yaml:"refill_amount"`
	RefillPeriod  *int64 `yaml:"refill_period"`
}

// LimitDecl is one named limit's declaration after defaults are resolved:
// capacity is required, burst defaults to capacity, refill_amount defaults
// to capacity, refill_period defaults to 60 seconds. All fields are in
// whole tokens / whole seconds, the manifest's human-facing units; callers
// convert to milli units at the store boundary.
type LimitDecl struct {
	Capacity           int64
	Burst              int64
	RefillAmount       int64
	RefillPeriodSeconds int64
}

func (r rawLimit) resolve(name string) (LimitDecl, error) {
	capacity := r.Capacity
	// burst is a back-compat alias for capacity when capacity is absent.
	if capacity == nil {
		capacity = r.Burst
	}
	if capacity == nil {
		return LimitDecl{}, &rlerrors.ValidationError{Field: "limits." + name + ".capacity", Reason: "capacity (or burst, as a back-compat alias) is required"}
	}
	decl := LimitDecl{Capacity: *capacity, Burst: *capacity, RefillAmount: *capacity, RefillPeriodSeconds: defaultRefillPeriodSeconds}
	if r.Burst != nil {
		decl.Burst = *r.Burst
	}
	if r.RefillAmount != nil {
		decl.RefillAmount = *r.RefillAmount
	}
	if r.RefillPeriod != nil {
		decl.RefillPeriodSeconds = *r.RefillPeriod
	}
	return decl, nil
}

func (d LimitDecl) toBucketCounters() store.BucketCounters {
	const milli = 1000
	return store.BucketCounters{
		CapacityMilli:     d.Capacity * milli,
		BurstMilli:        d.Burst * milli,
		RefillAmountMilli: d.RefillAmount * milli,
		RefillPeriodMs:    d.RefillPeriodSeconds * milli,
	}
}

func resolveLimits(raw map[string]rawLimit) (map[string]LimitDecl, error) {
	limits := make(map[string]LimitDecl, len(raw))
	for name, rl := range raw {
		decl, err := rl.resolve(name)
		if err != nil {
			return nil, err
		}
		limits[name] = decl
	}
	return limits, nil
}

type rawSystem struct {
	Limits        map[string]rawLimit `yaml:"limits"`
	OnUnavailable string              `yaml:"on_unavailable"`
}

type rawResource struct {
	Limits map[string]rawLimit `yaml:"limits"`
}

type rawEntityResource struct {
	Limits map[string]rawLimit `yaml:"limits"`
}

type rawEntity struct {
	Resources map[string]rawEntityResource `yaml:"resources"`
}

type rawManifest struct {
	Namespace string                 `yaml:"namespace"`
	System    *rawSystem             `yaml:"system"`
	Resources map[string]rawResource `yaml:"resources"`
	Entities  map[string]rawEntity   `yaml:"entities"`
}

// SystemDecl is the system-level scope of a manifest: a named limit set
// plus the on_unavailable policy.
type SystemDecl struct {
	Limits        map[string]LimitDecl
	OnUnavailable string
}

// EntityDecl is one entity's per-resource limit declarations.
type EntityDecl struct {
	Resources map[string]map[string]LimitDecl // resource -> limit name -> decl
}

// Manifest is a fully parsed and validated YAML limits manifest.
type Manifest struct {
	Namespace string
	System    *SystemDecl
	Resources map[string]map[string]LimitDecl // resource -> limit name -> decl
	Entities  map[string]EntityDecl

	raw rawManifest // retained for AppliedHash's canonical re-encoding
}

// ParseManifest parses and validates a YAML limits manifest. namespace is
// required; every other block is optional.
func ParseManifest(yamlDoc []byte) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(yamlDoc, &raw); err != nil {
		return nil, fmt.Errorf("applier: parsing manifest: %w", err)
	}
	if raw.Namespace == "" {
		return nil, &rlerrors.ValidationError{Field: "namespace", Reason: "namespace is required in limits manifest"}
	}

	m := &Manifest{Namespace: raw.Namespace, raw: raw}

	if raw.System != nil {
		limits, err := resolveLimits(raw.System.Limits)
		if err != nil {
			return nil, err
		}
		m.System = &SystemDecl{Limits: limits, OnUnavailable: raw.System.OnUnavailable}
	}

	if len(raw.Resources) > 0 {
		m.Resources = make(map[string]map[string]LimitDecl, len(raw.Resources))
		for name, res := range raw.Resources {
			limits, err := resolveLimits(res.Limits)
			if err != nil {
				return nil, fmt.Errorf("applier: resource %q: %w", name, err)
			}
			m.Resources[name] = limits
		}
	}

	if len(raw.Entities) > 0 {
		m.Entities = make(map[string]EntityDecl, len(raw.Entities))
		for entityID, ent := range raw.Entities {
			resources := make(map[string]map[string]LimitDecl, len(ent.Resources))
			for resourceName, res := range ent.Resources {
				limits, err := resolveLimits(res.Limits)
				if err != nil {
					return nil, fmt.Errorf("applier: entity %q resource %q: %w", entityID, resourceName, err)
				}
				resources[resourceName] = limits
			}
			m.Entities[entityID] = EntityDecl{Resources: resources}
		}
	}

	return m, nil
}

// AppliedHash returns "sha256:<hex>" of the manifest's canonical JSON
// encoding (map keys sorted, as encoding/json already does for map[string]
// types). Used so an operator, or the CloudFormation custom-resource path,
// can detect "this exact manifest was already applied" without
// recomputing the diff.
func (m *Manifest) AppliedHash() (string, error) {
	canonical := map[string]any{"namespace": m.Namespace}
	if m.System != nil {
		canonical["system"] = rawSystem{Limits: toRawLimits(m.System.Limits), OnUnavailable: m.System.OnUnavailable}
	}
	if len(m.Resources) > 0 {
		resources := make(map[string]rawResource, len(m.Resources))
		for name, limits := range m.Resources {
			resources[name] = rawResource{Limits: toRawLimits(limits)}
		}
		canonical["resources"] = resources
	}
	if len(m.Entities) > 0 {
		entities := make(map[string]rawEntity, len(m.Entities))
		for entityID, ent := range m.Entities {
			resources := make(map[string]rawEntityResource, len(ent.Resources))
			for name, limits := range ent.Resources {
				resources[name] = rawEntityResource{Limits: toRawLimits(limits)}
			}
			entities[entityID] = rawEntity{Resources: resources}
		}
		canonical["entities"] = entities
	}

	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("applier: encoding manifest for hashing: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func toRawLimits(limits map[string]LimitDecl) map[string]rawLimit {
	out := make(map[string]rawLimit, len(limits))
	for name, decl := range limits {
		capacity, burst, refillAmount, refillPeriod := decl.Capacity, decl.Burst, decl.RefillAmount, decl.RefillPeriodSeconds
		out[name] = rawLimit{Capacity: &capacity, Burst: &burst, RefillAmount: &refillAmount, RefillPeriod: &refillPeriod}
	}
	return out
}

// managedIdentities returns the sorted, stable identity strings this
// manifest declares: "system" for the system block, "resource:<name>" per
// resource, "entity:<id>:<resource>" per entity-resource pair. This is the
// flat set form persisted in store.ProvisionerState.ManagedSet.
func (m *Manifest) managedIdentities() []string {
	var ids []string
	if m.System != nil {
		ids = append(ids, "system")
	}
	for name := range m.Resources {
		ids = append(ids, "resource:"+name)
	}
	for entityID, ent := range m.Entities {
		for resource := range ent.Resources {
			ids = append(ids, "entity:"+entityID+":"+resource)
		}
	}
	sort.Strings(ids)
	return ids
}
