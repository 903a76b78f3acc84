// Package store defines the typed I/O contract over the wide-row store.
// Nothing in this package or its ddb subpackage carries rate-limiting
// business logic; it is thin, typed plumbing over conditional writes,
// transactions, batch-get, and GSI queries. Callers pass a namespace id with
// every call; this package prepends it to every key.
package store

import (
	"context"
	"time"
)

// BucketCounters holds one named limit's static params and live counters
// within a composite bucket item. Field names mirror the flat attribute
// suffixes in internal/keys (tk, cp, bx, ra, rp, tc).
type BucketCounters struct {
	TokensMilli        int64
	CapacityMilli      int64
	BurstMilli         int64
	RefillAmountMilli  int64
	RefillPeriodMs     int64
	TotalConsumedMilli int64
}

// BucketItem is one composite bucket row: a single (entity, resource, shard)
// triple sharing one refill timestamp across every named limit it holds.
type BucketItem struct {
	EntityID        string
	Resource        string
	Shard           int
	RefillMs        int64 // rf: the optimistic-lock field
	ShardCount      int
	Limits          map[string]BucketCounters // limit name -> counters
}

// BucketKey addresses one composite bucket row for batch-get.
type BucketKey struct {
	EntityID string
	Resource string
	Shard    int
}

// BucketWrite describes one bucket's half of an acquire/adjust transaction:
// either an Update guarded by the previous rf (the common case) or, when
// Fresh is true, a Put of a brand new item (the bucket did not exist yet,
// so there is no precondition to guard on).
type BucketWrite struct {
	Key       BucketKey
	Fresh     bool      // true: Put a new item; false: conditional Update
	PrevRefillMs int64  // ignored when Fresh
	NewRefillMs  int64
	Deltas    map[string]BucketDelta // limit name -> delta to ADD
	ShardCount int                   // only meaningful on Fresh
}

// BucketDelta is the per-limit portion of a transactional write: ADD these
// amounts to tk and tc, and on Fresh also SET the static params.
type BucketDelta struct {
	TokensMilliDelta    int64
	TotalConsumedDelta  int64
	CapacityMilli       int64 // only used when the write is Fresh
	BurstMilli          int64
	RefillAmountMilli   int64
	RefillPeriodMs      int64
}

// AuditRecord is one entry in an entity's audit trail, ULID-ordered.
type AuditRecord struct {
	EntityID  string
	ULID      string
	Timestamp time.Time
	Action    string
	Principal string
	Resource  string
	Details   map[string]string
	TTL       time.Time
}

// EntityRecord is an entity's metadata row: its cascade parent and
// creation time. Fetches of this record are cached by the config resolver.
type EntityRecord struct {
	ID        string
	ParentID  string // empty at cascade root
	CreatedAt time.Time
}

// ConfigScope distinguishes the three levels the resolver walks.
type ConfigScope string

const (
	ScopeSystem   ConfigScope = "system"
	ScopeResource ConfigScope = "resource"
	ScopeEntity   ConfigScope = "entity"
)

// ConfigRecord holds the named-limit set and (system scope only) the
// on_unavailable policy for one (scope, resource?, entity?) point.
type ConfigRecord struct {
	Scope         ConfigScope
	Resource      string // empty for ScopeSystem
	EntityID      string // only for ScopeEntity
	Limits        map[string]BucketCounters
	OnUnavailable string // "fail_closed" | "fail_open"; ScopeSystem only
}

// NamespaceStatus is the lifecycle state of a registered namespace.
type NamespaceStatus string

const (
	NamespaceActive  NamespaceStatus = "active"
	NamespaceDeleted NamespaceStatus = "deleted"
)

// NamespaceRecord is the reverse (id -> name/status) registry row. The
// forward row (name -> id) has no record type: GetNamespaceByName reads it
// and returns only the id.
type NamespaceRecord struct {
	ID        string
	Name      string
	Status    NamespaceStatus
	CreatedAt time.Time
	DeletedAt time.Time
}

// ProvisionerState is the `#PROVISIONER` managed-set bookkeeping row: the
// set of resource identities the applier currently owns, and a hash of the
// manifest last applied to them.
type ProvisionerState struct {
	ManagedSet  []string // sorted, stable target identities, e.g. "resource:name", "entity:id:resource:name"
	AppliedHash string
	UpdatedAt   time.Time
}

// VersionRecord is the shared schema/client/aggregator compatibility record.
type VersionRecord struct {
	SchemaVersion     int
	AggregatorVersion int
}

// Repository is the full store contract. Implementations must be safe for
// concurrent use.
type Repository interface {
	// Ping returns false on any client error; used by health checks, never
	// by the hot acquire path.
	Ping(ctx context.Context) bool

	// GetEntity returns (nil, false, nil) if the entity has no metadata row.
	GetEntity(ctx context.Context, namespace, entityID string) (*EntityRecord, bool, error)
	PutEntity(ctx context.Context, namespace string, rec EntityRecord) error
	DeleteEntityCascade(ctx context.Context, namespace, entityID string) error

	// GetConfig returns (nil, false, nil) for "no custom config at this
	// scope" — a negative result the config cache must remember.
	GetConfig(ctx context.Context, namespace string, scope ConfigScope, resource, entityID string) (*ConfigRecord, bool, error)
	PutConfig(ctx context.Context, namespace string, rec ConfigRecord) error
	DeleteConfig(ctx context.Context, namespace string, scope ConfigScope, resource, entityID string) error

	// BatchGetBuckets fetches up to any number of keys, chunking at 100 and
	// deduplicating internally. Missing keys are simply absent from the
	// returned map.
	BatchGetBuckets(ctx context.Context, namespace string, keys []BucketKey) (map[BucketKey]BucketItem, error)

	// WriteTransaction submits one all-or-nothing transaction covering every
	// affected bucket (conditional Update or fresh Put) plus an optional
	// audit Put. Returns an *rlerrors.ConflictError when any bucket's rf
	// precondition did not hold.
	WriteTransaction(ctx context.Context, namespace string, writes []BucketWrite, audit *AuditRecord) error

	// QueryResourceEntities is the GSI2 query: every entity that has ever
	// touched resource in namespace.
	QueryResourceEntities(ctx context.Context, namespace, resource string) ([]string, error)

	// QueryEntityShards is the GSI3 query: every bucket shard belonging to
	// entityID, across all resources.
	QueryEntityShards(ctx context.Context, namespace, entityID string) ([]BucketKey, error)

	// QueryNamespaceItems is the GSI4 query used only by purge.
	QueryNamespaceItems(ctx context.Context, namespaceID string) ([]ItemRef, error)
	BatchDeleteItems(ctx context.Context, refs []ItemRef) error

	RegisterNamespace(ctx context.Context, name string) (id string, err error)
	GetNamespaceByName(ctx context.Context, name string) (id string, ok bool, err error)
	GetNamespaceByID(ctx context.Context, id string) (*NamespaceRecord, bool, error)
	ListNamespaces(ctx context.Context) ([]NamespaceRecord, error)
	SoftDeleteNamespace(ctx context.Context, id string) error
	RecoverNamespace(ctx context.Context, id string) error
	PurgeNamespace(ctx context.Context, id string) error

	GetProvisionerState(ctx context.Context, namespace string) (*ProvisionerState, bool, error)
	PutProvisionerState(ctx context.Context, namespace string, state ProvisionerState) error

	GetVersion(ctx context.Context, namespace string) (*VersionRecord, bool, error)
	PutVersion(ctx context.Context, namespace string, v VersionRecord) error

	// UpsertUsageSnapshot atomically creates-or-updates one rolling usage
	// snapshot row: identity and GSI2 attributes SET-if-absent, the named
	// limit's counter and the shared event counter ADD.
	UpsertUsageSnapshot(ctx context.Context, namespace string, d UsageSnapshotDelta) error

	// RefillBucket adds refillAmountsMilli (per limit, milli) to a composite
	// bucket's token counters, guarded by the bucket's rf at prevRefillMs. A
	// guard mismatch is reported via RefillResult.Applied=false, not an
	// error: refill is commutative with concurrent consumes, so losing the
	// race to a newer write is a no-op, never retried.
	RefillBucket(ctx context.Context, namespace string, key BucketKey, prevRefillMs int64, refillAmountsMilli map[string]int64) (RefillResult, error)

	// CreateBucketShards copies canonical's static per-limit params into new
	// shard rows [fromShard, toShard), each starting at a full burst with
	// zero consumption. Used when the aggregator doubles a hot resource's
	// shard_count.
	CreateBucketShards(ctx context.Context, namespace string, canonical BucketItem, fromShard, toShard int, nowMs int64) error

	// GrowShardCount sets shard_count to newShardCount, guarded by the
	// bucket's rf at prevRefillMs. Like RefillBucket, a guard mismatch is
	// reported as RefillResult.Applied=false rather than an error: another
	// aggregator invocation already acted on this bucket, so skipping is
	// correct, not a retry candidate.
	GrowShardCount(ctx context.Context, namespace string, key BucketKey, prevRefillMs int64, newShardCount int) (RefillResult, error)
}

// ItemRef is an opaque (PK, SK) pair used only by the purge path, which must
// delete items it never otherwise deserialises.
type ItemRef struct {
	PK string
	SK string
}

// UsageSnapshotDelta is one window's worth of accumulated consumption for an
// (entity, resource, limit), applied as a single atomic upsert. Identity and
// GSI attributes are set only if the row does not already exist; counters
// are always added. TokensDelta is in whole tokens, not milli: snapshots are
// a human-facing rollup, not an input to bucket arithmetic.
type UsageSnapshotDelta struct {
	EntityID    string
	Resource    string
	Window      string // "hourly" | "daily" | "monthly"
	WindowStart string // ISO 8601, already truncated to the window boundary
	LimitName   string
	TokensDelta int64
	TTL         time.Time
}

// RefillResult reports whether a proactive refill actually applied.
type RefillResult struct {
	Applied bool // false means the rf guard did not hold; treat as a no-op
}

// Repository is the full store contract. Implementations must be safe for
// concurrent use.
