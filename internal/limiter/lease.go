package limiter

import (
	"context"
	"fmt"

	"github.com/vitaliisemenov/zae-limiter/internal/bucket"
	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// appliedDelta is the per-limit delta the initiating acquire transaction
// wrote for one chain member, kept around so Rollback can reverse both the
// token balance and the total-consumed counter precisely.
type appliedDelta struct {
	tokens   int64
	consumed int64
}

// LeaseState is the lifecycle stage of a Lease, matching spec's
// INIT -> ACTIVE -> COMMITTED | RELEASED state machine. A Lease returned by
// Acquire is always already ACTIVE; INIT exists only to make the zero value
// visibly invalid.
type LeaseState int

const (
	StateInit LeaseState = iota
	StateActive
	StateCommitted
	StateReleased
)

func (s LeaseState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateReleased:
		return "released"
	default:
		return "init"
	}
}

// Lease is the scoped handle returned by a successful Acquire. The caller
// must end its scope with exactly one call to Commit or Rollback.
type Lease struct {
	limiter       *Limiter
	namespace     string
	resource      string
	primaryEntity string
	primaryKey    chainMember

	// originalDeltas is the per-limit delta actually written to every chain
	// member by the initiating acquire transaction; Rollback reverses
	// exactly these, regardless of any pending adjustments (which were
	// never persisted).
	originalDeltas map[string]map[string]appliedDelta

	// refillMs is the rf value the initiating transaction set for each
	// written entity, reused as both the precondition and the new value on
	// any follow-up conditional Update: no additional time needs to pass
	// between acquire and a same-scope Commit/Rollback for the guard to be
	// meaningful.
	refillMs map[string]int64

	// pendingDeltas accumulates Adjust/Consume calls on the primary entity
	// only, since the last write. Commit flushes them in one Update.
	pendingDeltas map[string]int64

	degraded bool // true if admitted under fail_open with no persisted state
	state    LeaseState
}

// State returns the lease's current lifecycle stage.
func (l *Lease) State() LeaseState { return l.state }

// Adjust records an unchecked delta (in whole tokens, positive or negative)
// against limitName on the primary entity, applied at Commit. It may push
// the bucket's token balance negative; that is the point of Adjust, used
// when an estimate turns out to undercount the real usage.
func (l *Lease) Adjust(limitName string, deltaTokens int64) error {
	if l.state != StateActive {
		return fmt.Errorf("limiter: Adjust called on a %s lease", l.state)
	}
	l.pendingDeltas[limitName] += deltaTokens * 1000
	return nil
}

// Consume is the checked counterpart to Adjust: it previews whether the
// primary entity's limitName bucket, as last observed plus any pending
// deltas, has headroom for deltaTokens before accumulating it. On
// insufficient headroom it returns a non-nil *RateLimitExceeded and leaves
// the lease's pending deltas unchanged.
func (l *Lease) Consume(ctx context.Context, limitName string, deltaTokens int64) (*RateLimitExceeded, error) {
	if l.state != StateActive {
		return nil, fmt.Errorf("limiter: Consume called on a %s lease", l.state)
	}
	params, configured := l.primaryKey.limits[limitName]
	if !configured {
		l.pendingDeltas[limitName] += deltaTokens * 1000
		return nil, nil
	}

	items, err := l.limiter.repo.BatchGetBuckets(ctx, l.namespace, []store.BucketKey{l.primaryKey.key})
	if err != nil {
		return nil, classifyStoreErr("consume_preview", err)
	}
	item, found := items[l.primaryKey.key]
	nowMs := l.limiter.now()

	var state bucket.State
	if found {
		if c, ok := item.Limits[limitName]; ok {
			state = bucket.State{TokensMilli: c.TokensMilli, LastRefillMs: item.RefillMs}
		} else {
			state = bucket.State{TokensMilli: params.BurstMilli, LastRefillMs: nowMs}
		}
	} else {
		state = bucket.State{TokensMilli: params.BurstMilli, LastRefillMs: nowMs}
	}
	state.TokensMilli += l.pendingDeltas[limitName]

	res := bucket.TryConsume(state, params, deltaTokens, nowMs)
	if !res.OK {
		return &RateLimitExceeded{
			EntityID: l.primaryEntity, Resource: l.resource,
			Outcomes: []bucket.LimitOutcome{{
				Name: limitName, Passed: false, AvailableMilli: res.AvailableMilli,
				RequestedMilli: deltaTokens * 1000, RetryAfterSeconds: res.RetryAfterSeconds,
				CapacityMilli: params.CapacityMilli, BurstMilli: params.BurstMilli,
			}},
			RetryAfterSeconds: res.RetryAfterSeconds,
		}, nil
	}

	l.pendingDeltas[limitName] += deltaTokens * 1000
	return nil, nil
}

// Commit flushes any pending Adjust/Consume deltas in a single conditional
// Update and transitions the lease to COMMITTED. If no adjustments were
// ever made, it writes nothing: the original acquire transaction already
// persisted the speculative consumption.
func (l *Lease) Commit(ctx context.Context) error {
	if l.state != StateActive {
		return fmt.Errorf("limiter: Commit called on a %s lease", l.state)
	}
	l.state = StateCommitted
	if l.degraded || !l.hasPendingDeltas() {
		return nil
	}

	deltas := map[string]store.BucketDelta{}
	for name, tokensDelta := range l.pendingDeltas {
		if tokensDelta == 0 {
			continue
		}
		consumed := tokensDelta
		if consumed < 0 {
			consumed = 0 // a net refund never counts as negative consumption
		}
		deltas[name] = store.BucketDelta{TokensMilliDelta: -tokensDelta, TotalConsumedDelta: consumed}
	}
	if len(deltas) == 0 {
		return nil
	}

	rf := l.refillMs[l.primaryEntity]
	write := store.BucketWrite{Key: l.primaryKey.key, Deltas: deltas, PrevRefillMs: rf, NewRefillMs: rf}
	if err := l.limiter.repo.WriteTransaction(ctx, l.namespace, []store.BucketWrite{write}, nil); err != nil {
		return classifyStoreErr("commit", err)
	}
	return nil
}

// Rollback issues a compensating Update reversing every delta the
// initiating acquire transaction wrote, restoring every chain member's
// bucket as if acquire never succeeded. Pending Adjust/Consume deltas are
// simply discarded, since they were never persisted. Best-effort: a
// failure here is returned but must not suppress the caller's own
// in-flight error.
func (l *Lease) Rollback(ctx context.Context) error {
	if l.state != StateActive {
		return fmt.Errorf("limiter: Rollback called on a %s lease", l.state)
	}
	l.state = StateReleased
	if l.degraded || len(l.originalDeltas) == 0 {
		return nil
	}

	writes := make([]store.BucketWrite, 0, len(l.originalDeltas))
	for entityID, limits := range l.originalDeltas {
		deltas := map[string]store.BucketDelta{}
		for name, applied := range limits {
			if applied.tokens == 0 && applied.consumed == 0 {
				continue
			}
			deltas[name] = store.BucketDelta{TokensMilliDelta: -applied.tokens, TotalConsumedDelta: -applied.consumed}
		}
		if len(deltas) == 0 {
			continue
		}
		key := store.BucketKey{EntityID: entityID, Resource: l.resource, Shard: l.primaryKey.key.Shard}
		rf := l.refillMs[entityID]
		writes = append(writes, store.BucketWrite{Key: key, Deltas: deltas, PrevRefillMs: rf, NewRefillMs: rf})
	}
	if len(writes) == 0 {
		return nil
	}

	if err := l.limiter.repo.WriteTransaction(ctx, l.namespace, writes, nil); err != nil {
		wrapped := &rlerrors.InfrastructureError{Op: "rollback", Cause: err}
		l.limiter.logger.Error("compensating rollback failed, bucket state may have drifted",
			"namespace", l.namespace, "entity_id", l.primaryEntity, "resource", l.resource, "error", wrapped)
		return wrapped
	}
	return nil
}

func (l *Lease) hasPendingDeltas() bool {
	for _, v := range l.pendingDeltas {
		if v != 0 {
			return true
		}
	}
	return false
}
