// Package limiter implements the acquire-commit-adjust lease protocol: the
// single entry point every caller goes through to consume rate-limited
// tokens. An Acquire resolves the cascade chain, speculatively refills and
// consumes every affected bucket, and submits one transactional write. The
// returned Lease lets the caller later adjust its actual usage and commits
// or rolls back exactly once.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid"

	"github.com/vitaliisemenov/zae-limiter/internal/bucket"
	"github.com/vitaliisemenov/zae-limiter/internal/configresolver"
	"github.com/vitaliisemenov/zae-limiter/internal/metrics"
	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
	"github.com/vitaliisemenov/zae-limiter/pkg/logger"
)

const (
	maxCascadeDepth    = 32
	defaultMaxAttempts = 5
	defaultBaseDelay   = 5 * time.Millisecond
)

// OnUnavailable values, matching the system config's on_unavailable column.
const (
	OnUnavailableFailClosed = "fail_closed"
	OnUnavailableFailOpen   = "fail_open"
)

// ErrUnavailable is returned when the store is unreachable and the
// effective on_unavailable policy is fail_closed.
var ErrUnavailable = &rlerrors.InfrastructureError{Op: "acquire", Cause: fmt.Errorf("rate limiter store unavailable")}

// RateLimitExceeded is the domain outcome of a rejected acquire. It is
// deliberately not constructed or returned as an error: Acquire returns it
// as a plain third value, next to a nil *Lease and a nil error.
type RateLimitExceeded struct {
	EntityID          string // the chain member whose limit was violated
	Resource          string
	Outcomes          []bucket.LimitOutcome
	RetryAfterSeconds float64
}

func (r *RateLimitExceeded) String() string {
	return fmt.Sprintf("rate limit exceeded for entity %q resource %q, retry after %.3fs", r.EntityID, r.Resource, r.RetryAfterSeconds)
}

// RetryAfterHeader rounds RetryAfterSeconds up to a whole second, matching
// the HTTP Retry-After header convention for a 429 response.
func (r *RateLimitExceeded) RetryAfterHeader() int {
	if math.IsInf(r.RetryAfterSeconds, 1) {
		return math.MaxInt32
	}
	return int(math.Ceil(r.RetryAfterSeconds))
}

// Request describes one acquire call.
type Request struct {
	Namespace string
	EntityID  string
	Resource  string
	Shard     int // bucket shard to address; 0 unless the caller routes explicitly

	// Consume maps limit name to the whole-token amount requested. Every
	// chain member (self plus ancestors under cascade) is checked against
	// whichever of these limit names it has configured; a chain member with
	// no configuration for a given limit name is not constrained by it.
	Consume map[string]int64

	// Limits, when UseStoredLimits is false, is used as every chain
	// member's limit set verbatim (no store lookup at all).
	Limits map[string]bucket.Params

	UseStoredLimits bool

	// CascadeOverride, when non-nil, replaces the parent_id walk with this
	// explicit chain (self first, root last).
	CascadeOverride []string
}

// Limiter is the acquire entry point. One Limiter is shared across all
// callers in a process; it is safe for concurrent use.
type Limiter struct {
	repo     store.Repository
	resolver *configresolver.Resolver
	now      func() int64 // current time in epoch milliseconds
	entropy  io.Reader
	logger   *slog.Logger
}

// New builds a Limiter. now defaults to the real wall clock; pass a fake in
// tests to control refill math deterministically. entropy feeds ULID
// generation for audit records; pass nil to disable audit writes entirely.
func New(repo store.Repository, resolver *configresolver.Resolver, now func() int64, entropy io.Reader, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Limiter{repo: repo, resolver: resolver, now: now, entropy: entropy, logger: logger}
}

type chainMember struct {
	entityID string
	limits   map[string]bucket.Params
	key      store.BucketKey
}

// Acquire resolves the cascade chain, speculatively consumes every affected
// bucket, and submits one transaction. Exactly one of (*Lease, non-nil),
// (*RateLimitExceeded, non-nil), or (error, non-nil) is returned.
func (l *Limiter) Acquire(ctx context.Context, req Request) (*Lease, *RateLimitExceeded, error) {
	start := time.Now()
	defer func() {
		metrics.AcquireDuration.WithLabelValues(req.Resource).Observe(time.Since(start).Seconds())
	}()

	chain, err := l.resolveChain(ctx, req.Namespace, req.EntityID, req.CascadeOverride)
	if err != nil {
		metrics.AcquireTotal.WithLabelValues(req.Resource, "error").Inc()
		return nil, nil, err
	}

	members := make([]chainMember, len(chain))
	for i, id := range chain {
		var limits map[string]bucket.Params
		limits, err = l.resolver.ResolveLimits(ctx, req.Namespace, id, req.Resource, req.Limits, req.UseStoredLimits)
		if err != nil {
			metrics.AcquireTotal.WithLabelValues(req.Resource, "error").Inc()
			return nil, nil, classifyStoreErr("resolve_limits", err)
		}
		members[i] = chainMember{
			entityID: id,
			limits:   limits,
			key:      store.BucketKey{EntityID: id, Resource: req.Resource, Shard: req.Shard},
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultBaseDelay
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0 // bounded by attempt count below, not elapsed time
	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(defaultMaxAttempts-1)), ctx)

	var lease *Lease
	var rle *RateLimitExceeded
	var auditULID string
	op := func() error {
		keys := make([]store.BucketKey, len(members))
		for i, m := range members {
			keys[i] = m.key
		}

		items, getErr := l.repo.BatchGetBuckets(ctx, req.Namespace, keys)
		if getErr != nil {
			return backoff.Permanent(classifyStoreErr("batch_get_buckets", getErr))
		}

		nowMs := l.now()
		writes, rejection, originalDeltas, refillMs := l.planWrites(members, items, req.Consume, nowMs)
		if rejection != nil {
			rle = rejection
			return nil
		}

		var audit *store.AuditRecord
		if l.entropy != nil {
			audit = l.buildAudit(req, nowMs)
			auditULID = audit.ULID
		}

		writeErr := l.repo.WriteTransaction(ctx, req.Namespace, writes, audit)
		if writeErr == nil {
			lease = &Lease{
				limiter:        l,
				namespace:      req.Namespace,
				resource:       req.Resource,
				primaryEntity:  req.EntityID,
				primaryKey:     chainMember{entityID: req.EntityID, key: store.BucketKey{EntityID: req.EntityID, Resource: req.Resource, Shard: req.Shard}, limits: members[0].limits},
				originalDeltas: originalDeltas,
				refillMs:       refillMs,
				pendingDeltas:  map[string]int64{},
				state:          StateActive,
			}
			return nil
		}

		if _, ok := writeErr.(*rlerrors.ConflictError); ok {
			return writeErr // retryable: refresh and try again
		}
		return backoff.Permanent(classifyStoreErr("write_transaction", writeErr))
	}

	if retryErr := backoff.Retry(op, retryPolicy); retryErr != nil {
		var infra *rlerrors.InfrastructureError
		if errors.As(retryErr, &infra) {
			if l.ResolveOnUnavailablePolicy(ctx, req.Namespace) == OnUnavailableFailOpen {
				leaseCtx := logger.WithLeaseID(ctx, auditULID)
				logger.FromContext(leaseCtx, l.logger).Warn("admitting acquire under fail_open policy",
					"namespace", req.Namespace, "entity_id", req.EntityID, "resource", req.Resource, "cause", infra)
				metrics.AcquireTotal.WithLabelValues(req.Resource, "degraded").Inc()
				return &Lease{
					limiter: l, namespace: req.Namespace, resource: req.Resource,
					primaryEntity: req.EntityID, degraded: true, state: StateActive,
					pendingDeltas: map[string]int64{},
				}, nil, nil
			}
			metrics.AcquireTotal.WithLabelValues(req.Resource, "error").Inc()
			return nil, nil, ErrUnavailable
		}
		metrics.AcquireTotal.WithLabelValues(req.Resource, "error").Inc()
		return nil, nil, retryErr
	}
	if rle != nil {
		metrics.AcquireTotal.WithLabelValues(req.Resource, "rejected").Inc()
		return nil, rle, nil
	}
	metrics.AcquireTotal.WithLabelValues(req.Resource, "admitted").Inc()
	return lease, nil, nil
}

// planWrites runs the speculative refill-and-consume pass over every chain
// member. It returns either the transaction's BucketWrite list, or (if any
// member's limit would be violated) a RateLimitExceeded describing the
// first violated member and nil writes. originalDeltas records, per entity
// per limit, the delta actually applied (both token balance and
// total-consumed), for later rollback.
func (l *Limiter) planWrites(members []chainMember, items map[store.BucketKey]store.BucketItem, consume map[string]int64, nowMs int64) ([]store.BucketWrite, *RateLimitExceeded, map[string]map[string]appliedDelta, map[string]int64) {
	writes := make([]store.BucketWrite, 0, len(members))
	originalDeltas := make(map[string]map[string]appliedDelta, len(members))
	refillMs := make(map[string]int64, len(members))

	for _, m := range members {
		existing, found := items[m.key]
		deltas := map[string]store.BucketDelta{}
		relativeDeltas := map[string]appliedDelta{}
		var outcomes []bucket.LimitOutcome
		allOK := true

		for limitName, requested := range consume {
			params, configured := m.limits[limitName]
			if !configured {
				continue
			}
			var state bucket.State
			if found {
				if c, ok := existing.Limits[limitName]; ok {
					state = bucket.State{TokensMilli: c.TokensMilli, LastRefillMs: existing.RefillMs}
				} else {
					state = bucket.State{TokensMilli: params.BurstMilli, LastRefillMs: nowMs}
				}
			} else {
				state = bucket.State{TokensMilli: params.BurstMilli, LastRefillMs: nowMs}
			}

			res := bucket.TryConsume(state, params, requested, nowMs)
			outcomes = append(outcomes, bucket.LimitOutcome{
				Name: limitName, Passed: res.OK, AvailableMilli: res.AvailableMilli,
				RequestedMilli: requested * 1000, RetryAfterSeconds: res.RetryAfterSeconds,
				CapacityMilli: params.CapacityMilli, BurstMilli: params.BurstMilli,
			})
			if !res.OK {
				allOK = false
				continue
			}

			// Non-fresh writes carry an ADD delta (relative to whatever the
			// store currently holds); fresh writes Put the item outright, so
			// TokensMilliDelta there is the absolute starting balance, not a
			// delta. tokensDelta (relative) still drives originalDeltas,
			// since Rollback always issues an ADD regardless of how the
			// entity's row was first created.
			tokensDelta := res.NewTokensMilli - state.TokensMilli
			bd := store.BucketDelta{
				TotalConsumedDelta: requested * 1000,
				CapacityMilli:      params.CapacityMilli,
				BurstMilli:         params.BurstMilli,
				RefillAmountMilli:  params.RefillAmountMilli,
				RefillPeriodMs:     params.RefillPeriodMs,
			}
			if found {
				bd.TokensMilliDelta = tokensDelta
			} else {
				bd.TokensMilliDelta = res.NewTokensMilli
			}
			deltas[limitName] = bd
			relativeDeltas[limitName] = appliedDelta{tokens: tokensDelta, consumed: requested * 1000}
		}

		if !allOK {
			return nil, &RateLimitExceeded{
				EntityID: m.entityID, Resource: m.key.Resource,
				Outcomes: outcomes, RetryAfterSeconds: bucket.MaxRetryAfter(outcomes),
			}, nil, nil
		}
		if len(deltas) == 0 {
			continue
		}

		originalDeltas[m.entityID] = relativeDeltas
		refillMs[m.entityID] = nowMs

		write := store.BucketWrite{Key: m.key, Deltas: deltas}
		if found {
			write.PrevRefillMs = existing.RefillMs
			write.NewRefillMs = nowMs
		} else {
			write.Fresh = true
			write.NewRefillMs = nowMs
			write.ShardCount = 1
		}
		writes = append(writes, write)
	}

	return writes, nil, originalDeltas, refillMs
}

func (l *Limiter) buildAudit(req Request, nowMs int64) *store.AuditRecord {
	var id ulid.ULID
	t := ulid.Timestamp(time.UnixMilli(nowMs))
	if generated, err := ulid.New(t, l.entropy); err == nil {
		id = generated
	}
	details := make(map[string]string, len(req.Consume))
	for name, amount := range req.Consume {
		details[name] = fmt.Sprintf("%d", amount)
	}
	return &store.AuditRecord{
		EntityID:  req.EntityID,
		ULID:      id.String(),
		Timestamp: time.UnixMilli(nowMs),
		Action:    "acquire",
		Resource:  req.Resource,
		Details:   details,
	}
}

// resolveChain returns the cascade chain, self first, root last. An
// explicit override is used verbatim (truncated to maxCascadeDepth);
// otherwise it walks parent_id, stopping at a cycle or missing parent.
func (l *Limiter) resolveChain(ctx context.Context, namespace, entityID string, override []string) ([]string, error) {
	if override != nil {
		chain := override
		if len(chain) > maxCascadeDepth {
			chain = chain[:maxCascadeDepth]
		}
		return chain, nil
	}

	chain := []string{entityID}
	seen := map[string]bool{entityID: true}
	current := entityID

	for depth := 0; depth < maxCascadeDepth; depth++ {
		rec, ok, err := l.repo.GetEntity(ctx, namespace, current)
		if err != nil {
			return nil, classifyStoreErr("get_entity", err)
		}
		if !ok || rec.ParentID == "" {
			break
		}
		if seen[rec.ParentID] {
			break // cycle: stop, do not loop forever
		}
		seen[rec.ParentID] = true
		chain = append(chain, rec.ParentID)
		current = rec.ParentID
	}
	return chain, nil
}

func classifyStoreErr(op string, err error) error {
	if _, ok := err.(*rlerrors.ConflictError); ok {
		return err
	}
	if _, ok := err.(*rlerrors.NotFoundError); ok {
		return err
	}
	return &rlerrors.InfrastructureError{Op: op, Cause: err}
}

// ResolveOnUnavailablePolicy exposes the system on_unavailable policy so an
// HTTP-facing caller can decide, on ErrUnavailable, whether to 5xx or admit.
func (l *Limiter) ResolveOnUnavailablePolicy(ctx context.Context, namespace string) string {
	policy, err := l.resolver.ResolveOnUnavailable(ctx, namespace)
	if err != nil {
		return OnUnavailableFailClosed
	}
	return policy
}
