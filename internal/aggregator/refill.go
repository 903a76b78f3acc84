package aggregator

import (
	"context"

	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// dueRefills filters bucket states down to limits trending toward empty:
// the consumption rate observed this batch, projected over the next refill
// period, would exceed the tokens currently available.
func dueRefills(states map[bucketKey]bucketState) map[bucketKey]map[string]int64 {
	due := map[bucketKey]map[string]int64{}
	for bk, state := range states {
		if state.elapsedMs <= 0 {
			continue
		}
		amounts := map[string]int64{}
		for limitName, ls := range state.limits {
			if ls.refillPeriodMs <= 0 || ls.refillAmountMilli <= 0 {
				continue
			}
			rate := float64(ls.tcDeltaMilli) / float64(state.elapsedMs) // milli per ms
			projectedNextPeriod := rate * float64(ls.refillPeriodMs)
			if projectedNextPeriod <= float64(ls.tokensMilli) {
				continue // headroom covers the next period; nothing to do
			}
			amounts[limitName] = state.elapsedMs * ls.refillAmountMilli / ls.refillPeriodMs
		}
		if len(amounts) > 0 {
			due[bk] = amounts
		}
	}
	return due
}

// applyRefills issues one conditional RefillBucket call per bucket trending
// toward empty. A guard mismatch (RefillResult.Applied=false) is not an
// error and is not retried: the ADD is commutative with any concurrent
// client consume that already advanced rf past what this batch observed.
func applyRefills(ctx context.Context, repo store.Repository, namespace string, states map[bucketKey]bucketState) (applied int, err error) {
	for bk, amounts := range dueRefills(states) {
		state := states[bk]
		key := store.BucketKey{EntityID: bk.entityID, Resource: bk.resource, Shard: bk.shard}
		res, rerr := repo.RefillBucket(ctx, namespace, key, state.rfMs, amounts)
		if rerr != nil {
			if err == nil {
				err = rerr
			}
			continue
		}
		if res.Applied {
			applied++
		}
	}
	return applied, err
}
