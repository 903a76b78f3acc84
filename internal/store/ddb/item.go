package ddb

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

func n(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func s(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func asN(av types.AttributeValue) (int64, bool) {
	m, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(m.Value, 10, 64)
	return v, err == nil
}

func asS(av types.AttributeValue) (string, bool) {
	m, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return m.Value, true
}

// bucketItemToAV renders a store.BucketItem as the flat composite attribute
// map described in internal/keys: one rf/shard_count/entity_id/resource
// plus b_{limit}_{field} per limit.
func bucketItemToAV(namespace string, item store.BucketItem) map[string]types.AttributeValue {
	av := map[string]types.AttributeValue{
		"pk":                     s(keys.PKEntity(namespace, item.EntityID)),
		"sk":                     s(keys.SKBucket(item.Resource, item.Shard)),
		keys.AttrEntityID:        s(item.EntityID),
		keys.AttrResource:        s(item.Resource),
		keys.AttrRefillTimestamp: n(item.RefillMs),
		keys.AttrShardCount:      n(int64(item.ShardCount)),
		"gsi3pk":                 s(keys.GSI3PKEntity(namespace, item.EntityID)),
		"gsi3sk":                 s(keys.GSI3SKBucket(item.Resource, item.Shard)),
		"gsi2pk":                 s(keys.GSI2PKResource(namespace, item.Resource)),
		"gsi2sk":                 s(keys.GSI2SKEntity(item.EntityID)),
		"gsi4pk":                 s(keys.GSI4PK(namespace)),
	}
	for limitName, c := range item.Limits {
		av[keys.BucketAttr(limitName, keys.FieldTokens)] = n(c.TokensMilli)
		av[keys.BucketAttr(limitName, keys.FieldCapacity)] = n(c.CapacityMilli)
		av[keys.BucketAttr(limitName, keys.FieldBurst)] = n(c.BurstMilli)
		av[keys.BucketAttr(limitName, keys.FieldRefillAmount)] = n(c.RefillAmountMilli)
		av[keys.BucketAttr(limitName, keys.FieldRefillPeriod)] = n(c.RefillPeriodMs)
		av[keys.BucketAttr(limitName, keys.FieldTotalConsumed)] = n(c.TotalConsumedMilli)
	}
	return av
}

// bucketItemFromAV is the inverse of bucketItemToAV, used to decode
// batch-get results. It is not used by internal/aggregator, which runs its
// own b_* scan over the generic stream-image map.
func bucketItemFromAV(av map[string]types.AttributeValue) (store.BucketItem, bool) {
	entityID, ok := asS(av[keys.AttrEntityID])
	if !ok {
		return store.BucketItem{}, false
	}
	resource, _ := asS(av[keys.AttrResource])
	rf, _ := asN(av[keys.AttrRefillTimestamp])
	shardCount, _ := asN(av[keys.AttrShardCount])

	sk, _ := asS(av["sk"])
	_, shard, _ := keys.BucketResourceFromSK(sk)

	limits := map[string]store.BucketCounters{}
	for attr, value := range av {
		limitName, field, ok := keys.ParseBucketAttr(attr)
		if !ok {
			continue
		}
		c := limits[limitName]
		num, _ := asN(value)
		switch field {
		case keys.FieldTokens:
			c.TokensMilli = num
		case keys.FieldCapacity:
			c.CapacityMilli = num
		case keys.FieldBurst:
			c.BurstMilli = num
		case keys.FieldRefillAmount:
			c.RefillAmountMilli = num
		case keys.FieldRefillPeriod:
			c.RefillPeriodMs = num
		case keys.FieldTotalConsumed:
			c.TotalConsumedMilli = num
		}
		limits[limitName] = c
	}

	return store.BucketItem{
		EntityID:   entityID,
		Resource:   resource,
		Shard:      shard,
		RefillMs:   rf,
		ShardCount: int(shardCount),
		Limits:     limits,
	}, true
}
