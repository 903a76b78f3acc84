package aggregator

import (
	"context"

	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// wcuLimitName is the reserved limit name a bucket's write-capacity
// consumption is tracked under, alongside its real named limits. It is not
// enforced against client requests; the aggregator reads it purely as a
// sharding signal.
const wcuLimitName = "__wcu__"

// dueShardGrowths filters bucket states down to those whose __wcu__
// consumption rate, projected over the next refill period, exceeds
// threshold of its provisioned capacity: sharding is one-way, so this never
// proposes shrinking shard_count.
func dueShardGrowths(states map[bucketKey]bucketState, threshold float64) map[bucketKey]int {
	due := map[bucketKey]int{}
	for bk, state := range states {
		if state.elapsedMs <= 0 {
			continue
		}
		wcu, ok := state.limits[wcuLimitName]
		if !ok || wcu.capacityMilli <= 0 || wcu.refillPeriodMs <= 0 {
			continue
		}
		rate := float64(wcu.tcDeltaMilli) / float64(state.elapsedMs)
		utilization := (rate * float64(wcu.refillPeriodMs)) / float64(wcu.capacityMilli)
		if utilization <= threshold {
			continue
		}
		current := state.shardCount
		if current < 1 {
			current = 1
		}
		due[bk] = current * 2
	}
	return due
}

// applyShardGrowths doubles shard_count for every bucket trending hot on
// __wcu__, then creates the new shard rows by copying the canonical bucket's
// static per-limit params. A conflicted GrowShardCount (another aggregator
// invocation already acted) skips shard creation for that bucket: whoever
// won the race is responsible for creating its own shards.
func applyShardGrowths(ctx context.Context, repo store.Repository, namespace string, states map[bucketKey]bucketState, threshold float64, nowMs int64) (created int, err error) {
	for bk, newCount := range dueShardGrowths(states, threshold) {
		state := states[bk]
		key := store.BucketKey{EntityID: bk.entityID, Resource: bk.resource, Shard: bk.shard}

		res, gerr := repo.GrowShardCount(ctx, namespace, key, state.rfMs, newCount)
		if gerr != nil {
			if err == nil {
				err = gerr
			}
			continue
		}
		if !res.Applied {
			continue
		}

		canonical := store.BucketItem{
			EntityID:   bk.entityID,
			Resource:   bk.resource,
			ShardCount: newCount,
			Limits:     make(map[string]store.BucketCounters, len(state.limits)),
		}
		for limitName, ls := range state.limits {
			canonical.Limits[limitName] = store.BucketCounters{
				CapacityMilli:     ls.capacityMilli,
				BurstMilli:        ls.burstMilli,
				RefillAmountMilli: ls.refillAmountMilli,
				RefillPeriodMs:    ls.refillPeriodMs,
			}
		}

		if cerr := repo.CreateBucketShards(ctx, namespace, canonical, state.shardCount, newCount, nowMs); cerr != nil {
			if err == nil {
				err = cerr
			}
			continue
		}
		created += newCount - state.shardCount
	}
	return created, err
}
