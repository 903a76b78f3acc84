// Package keys is the single source of truth for every partition key, sort
// key, and attribute name written to the store. No other package may build
// a key by hand: doing so risks the primary table and its GSIs drifting out
// of agreement.
package keys

import (
	"strconv"
	"strings"
)

// SharedNamespace is the reserved namespace id for records that are not
// tenant-scoped: system/resource configs, the version record, and the
// namespace registry itself.
const SharedNamespace = "_"

// Sort-key prefixes. Unexported: other packages build sort keys through the
// SK* functions below.
const (
	skMeta         = "#META"
	skBucketPrefix = "#BUCKET#"
	skStatePrefix  = "#STATE"
	skConfigPrefix = "#CONFIG"
	skConfigRes    = "#CONFIG_RESOURCES"
	skUsagePrefix  = "#USAGE#"
	skAuditPrefix  = "#AUDIT#"
	skNamespace    = "#NAMESPACE#"
	skNSID         = "#NSID#"
	skVersion      = "#VERSION"
	skProvisioner  = "#PROVISIONER"
)

// PKEntity returns the partition key for an entity's metadata and every
// row it owns under this PK (bucket shards, entity configs, usage
// snapshots), so a single query on the PK enumerates them. Audit history is
// kept under PKAudit instead.
func PKEntity(namespace, entityID string) string {
	return namespace + "/ENTITY#" + entityID
}

// PKResource returns the partition key for a resource-level config record.
func PKResource(namespace, resource string) string {
	return namespace + "/RESOURCE#" + resource
}

// PKSystem returns the partition key for the namespace-wide system record
// (system config, config-resource registry, provisioner state).
func PKSystem(namespace string) string {
	return namespace + "/SYSTEM"
}

// PKAudit returns the partition key for an entity's audit trail.
func PKAudit(namespace, entityID string) string {
	return namespace + "/AUDIT#" + entityID
}

// PKSharedSystem returns the partition key for shared, non-tenant records:
// the namespace registry and the version record.
func PKSharedSystem() string {
	return SharedNamespace + "/SYSTEM"
}

// SKMeta is the sort key of an entity metadata record.
func SKMeta() string { return skMeta }

// SKBucket returns the sort key of a composite bucket shard item.
func SKBucket(resource string, shard int) string {
	return skBucketPrefix + resource + "#" + strconv.Itoa(shard) + skStatePrefix
}

// BucketResourceFromSK extracts the resource name from a bucket sort key,
// stripping the shard suffix and #STATE marker. Used by the aggregator,
// which only ever sees the already-written SK in stream images.
func BucketResourceFromSK(sk string) (resource string, shard int, ok bool) {
	if !strings.HasPrefix(sk, skBucketPrefix) {
		return "", 0, false
	}
	rest := strings.TrimPrefix(sk, skBucketPrefix)
	rest = strings.TrimSuffix(rest, skStatePrefix)
	idx := strings.LastIndex(rest, "#")
	if idx < 0 {
		return "", 0, false
	}
	shard, err := strconv.Atoi(rest[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:idx], shard, true
}

// SKConfig is the sort key of a system- or resource-level config record.
// The resource dimension is already carried by the partition key
// (PKResource), so no suffix is needed at this level.
func SKConfig() string { return skConfigPrefix }

// SKConfigEntity returns the sort key of an entity-level config record,
// suffixed with the resource name since one entity PK can own configs for
// several resources.
func SKConfigEntity(resource string) string {
	return skConfigPrefix + "#" + resource
}

// SKConfigResourceRegistry is the sort key of the per-namespace registry
// that counts how many entities have a custom config for each resource.
func SKConfigResourceRegistry() string { return skConfigRes }

// SKUsage returns the sort key of a usage snapshot for a given window.
func SKUsage(resource, windowStart string) string {
	return skUsagePrefix + resource + "#" + windowStart
}

// SKAudit returns the sort key of an audit record, suffixed with a ULID so
// that lexical SK order equals creation order.
func SKAudit(ulid string) string { return skAuditPrefix + ulid }

// IsAuditSK reports whether sk addresses an audit record. Used by the
// aggregator to recognise audit REMOVE events (TTL expiry) as archival
// candidates.
func IsAuditSK(sk string) bool { return strings.HasPrefix(sk, skAuditPrefix) }

// AuditULIDFromSK extracts the ULID suffix from an audit sort key, the
// inverse of SKAudit.
func AuditULIDFromSK(sk string) (string, bool) {
	if !strings.HasPrefix(sk, skAuditPrefix) {
		return "", false
	}
	return strings.TrimPrefix(sk, skAuditPrefix), true
}

// SKNamespaceForward returns the forward namespace-registry sort key
// (name -> id).
func SKNamespaceForward(name string) string { return skNamespace + name }

// SKNamespaceReverse returns the reverse namespace-registry sort key
// (id -> {name, status}).
func SKNamespaceReverse(id string) string { return skNSID + id }

// SKVersion is the sort key of the schema/client/aggregator version record.
func SKVersion() string { return skVersion }

// SKProvisioner is the sort key of the declarative-applier managed-set
// state record.
func SKProvisioner() string { return skProvisioner }

// Attribute name prefixes/suffixes for the flat composite bucket item.
// Every per-limit counter is named b_{limitName}_{field}; field is one of
// tk (tokens_milli), cp (capacity_milli), bx (burst_milli),
// ra (refill_amount_milli), rp (refill_period_ms), tc (total_consumed_milli).
const (
	bucketAttrPrefix = "b_"

	FieldTokens        = "tk"
	FieldCapacity      = "cp"
	FieldBurst         = "bx"
	FieldRefillAmount  = "ra"
	FieldRefillPeriod  = "rp"
	FieldTotalConsumed = "tc"

	AttrRefillTimestamp = "rf"
	AttrShardCount      = "shard_count"
	AttrEntityID        = "entity_id"
	AttrResource        = "resource"
)

var bucketFields = [...]string{
	FieldTokens, FieldCapacity, FieldBurst, FieldRefillAmount, FieldRefillPeriod, FieldTotalConsumed,
}

// BucketAttr returns the flat attribute name for one (limit, field) pair,
// e.g. BucketAttr("rpm", FieldTokens) == "b_rpm_tk".
func BucketAttr(limitName, field string) string {
	return bucketAttrPrefix + limitName + "_" + field
}

// ParseBucketAttr decodes a flat attribute name back into its limit name
// and field, the inverse of BucketAttr. It is used by the aggregator to
// enumerate every b_* attribute on a stream image without knowing the set
// of limit names in advance.
func ParseBucketAttr(attr string) (limitName, field string, ok bool) {
	if !strings.HasPrefix(attr, bucketAttrPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(attr, bucketAttrPrefix)
	for _, f := range bucketFields {
		suffix := "_" + f
		if strings.HasSuffix(rest, suffix) {
			name := strings.TrimSuffix(rest, suffix)
			if name == "" {
				continue
			}
			return name, f, true
		}
	}
	return "", "", false
}

// GSI2 indexes (namespace, resource) -> entity, for "who is touching
// resource R" queries. Namespace-prefixed like every other partition key in
// this file: two tenants both naming a resource "api" must not collide.
func GSI2PKResource(namespace, resource string) string { return namespace + "/RESOURCE#" + resource }
func GSI2SKEntity(entityID string) string              { return "ENTITY#" + entityID }
func GSI2SKUsage(windowStart, entityID string) string {
	return "USAGE#" + windowStart + "#" + entityID
}

// GSI3 indexes (namespace, entity) -> bucket shards, for "all shards of
// entity E" discovery without a table scan. Namespace-prefixed for the same
// reason as GSI2: entity ids are only unique within a namespace.
func GSI3PKEntity(namespace, entityID string) string { return namespace + "/ENTITY#" + entityID }
func GSI3SKBucket(resource string, shard int) string {
	return "BUCKET#" + resource + "#" + strconv.Itoa(shard)
}

// GSI4 indexes namespace -> every item in it, used only by purge.
func GSI4PK(namespaceID string) string { return namespaceID }
