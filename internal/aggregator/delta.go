package aggregator

import (
	"strconv"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
)

// ExtractDeltas enumerates every b_{limit}_tc attribute present in both the
// old and new image of a MODIFY record on a composite bucket item, emitting
// one ConsumptionDelta per limit whose total-consumed counter actually
// changed. Records that are not bucket shards, or that are missing the
// counter on either side, are skipped rather than treated as errors: a
// newly created bucket's first MODIFY (if it ever has one) and records from
// unrelated item kinds are both routine, not malformed input.
func ExtractDeltas(rec Record) []ConsumptionDelta {
	if rec.EventName != EventModify {
		return nil
	}
	sk := rec.NewImage["sk"].S
	resource, shard, ok := keys.BucketResourceFromSK(sk)
	if !ok {
		return nil
	}
	entityID := rec.NewImage[keys.AttrEntityID].S
	if entityID == "" {
		return nil
	}
	newRf, ok := parseN(rec.NewImage[keys.AttrRefillTimestamp])
	if !ok {
		return nil
	}

	var deltas []ConsumptionDelta
	for attr, newVal := range rec.NewImage {
		limitName, field, ok := keys.ParseBucketAttr(attr)
		if !ok || field != keys.FieldTotalConsumed {
			continue
		}
		oldVal, present := rec.OldImage[attr]
		if !present || !oldVal.IsSet || !newVal.IsSet {
			continue
		}
		newTC, ok1 := parseN(newVal)
		oldTC, ok2 := parseN(oldVal)
		if !ok1 || !ok2 {
			continue
		}
		delta := newTC - oldTC
		if delta == 0 {
			continue
		}
		deltas = append(deltas, ConsumptionDelta{
			EntityID:    entityID,
			Resource:    resource,
			Shard:       shard,
			LimitName:   limitName,
			TokensDelta: delta,
			TimestampMs: newRf,
		})
	}
	return deltas
}

func parseN(v Value) (int64, bool) {
	if !v.IsSet || v.N == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v.N, 10, 64)
	return n, err == nil
}
