package aggregator

import "github.com/vitaliisemenov/zae-limiter/internal/keys"

type bucketKey struct {
	entityID string
	resource string
	shard    int
}

// limitState is everything the refill and sharding decisions need about one
// named limit on a bucket, as of the last MODIFY this batch saw for it.
type limitState struct {
	tcDeltaMilli      int64
	tokensMilli       int64
	capacityMilli     int64
	burstMilli        int64
	refillAmountMilli int64
	refillPeriodMs    int64
}

// bucketState folds every MODIFY record this batch saw for one bucket shard
// down to its last observed image, plus how much time elapsed since the
// previous rf on that same record (the aggregator only ever sees one event
// at a time; it does not stitch together elapsed time across records).
type bucketState struct {
	key        bucketKey
	rfMs       int64
	elapsedMs  int64
	shardCount int
	limits     map[string]limitState
}

// planBucketStates groups every MODIFY record in the batch by bucket shard,
// keeping the last-observed image per bucket: refill and sharding decisions
// are made once per bucket per batch, not once per consumption event.
func planBucketStates(records []Record) map[bucketKey]bucketState {
	states := map[bucketKey]bucketState{}
	for _, rec := range records {
		if rec.EventName != EventModify {
			continue
		}
		sk := rec.NewImage["sk"].S
		resource, shard, ok := keys.BucketResourceFromSK(sk)
		if !ok {
			continue
		}
		entityID := rec.NewImage[keys.AttrEntityID].S
		if entityID == "" {
			continue
		}
		newRf, ok := parseN(rec.NewImage[keys.AttrRefillTimestamp])
		if !ok {
			continue
		}
		oldRf, _ := parseN(rec.OldImage[keys.AttrRefillTimestamp])
		shardCount, _ := parseN(rec.NewImage[keys.AttrShardCount])

		state := bucketState{
			key:        bucketKey{entityID: entityID, resource: resource, shard: shard},
			rfMs:       newRf,
			elapsedMs:  newRf - oldRf,
			shardCount: int(shardCount),
			limits:     map[string]limitState{},
		}
		for attr, newVal := range rec.NewImage {
			limitName, field, ok := keys.ParseBucketAttr(attr)
			if !ok {
				continue
			}
			ls := state.limits[limitName]
			num, _ := parseN(newVal)
			switch field {
			case keys.FieldTokens:
				ls.tokensMilli = num
			case keys.FieldCapacity:
				ls.capacityMilli = num
			case keys.FieldBurst:
				ls.burstMilli = num
			case keys.FieldRefillAmount:
				ls.refillAmountMilli = num
			case keys.FieldRefillPeriod:
				ls.refillPeriodMs = num
			case keys.FieldTotalConsumed:
				if oldVal, present := rec.OldImage[attr]; present {
					oldNum, _ := parseN(oldVal)
					ls.tcDeltaMilli = num - oldNum
				}
			}
			state.limits[limitName] = ls
		}
		states[state.key] = state // last MODIFY per bucket in the batch wins
	}
	return states
}
