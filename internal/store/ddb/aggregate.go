package ddb

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// UpsertUsageSnapshot writes one rolling usage-snapshot row in a single
// UpdateItem: identity and GSI2 attributes are SET only if absent, the named
// limit's counter and the shared event counter are ADDed. Both clauses must
// live in one expression, since DynamoDB rejects a SET on a map path and an
// ADD on a path within it in the same UpdateExpression; this item has no
// such nested paths precisely to keep that legal.
func (c *Client) UpsertUsageSnapshot(ctx context.Context, namespace string, d store.UsageSnapshotDelta) error {
	pk := keys.PKEntity(namespace, d.EntityID)
	sk := keys.SKUsage(d.Resource, d.WindowStart)

	upd := expression.UpdateBuilder{}
	upd = upd.Set(expression.Name(keys.AttrEntityID), expression.IfNotExists(expression.Name(keys.AttrEntityID), expression.Value(d.EntityID)))
	upd = upd.Set(expression.Name(keys.AttrResource), expression.IfNotExists(expression.Name(keys.AttrResource), expression.Value(d.Resource)))
	upd = upd.Set(expression.Name("window"), expression.IfNotExists(expression.Name("window"), expression.Value(d.Window)))
	upd = upd.Set(expression.Name("window_start"), expression.IfNotExists(expression.Name("window_start"), expression.Value(d.WindowStart)))
	upd = upd.Set(expression.Name("ttl"), expression.IfNotExists(expression.Name("ttl"), expression.Value(d.TTL.Unix())))
	upd = upd.Set(expression.Name("gsi2pk"), expression.IfNotExists(expression.Name("gsi2pk"), expression.Value(keys.GSI2PKResource(namespace, d.Resource))))
	upd = upd.Set(expression.Name("gsi2sk"), expression.IfNotExists(expression.Name("gsi2sk"), expression.Value(keys.GSI2SKUsage(d.WindowStart, d.EntityID))))
	upd = upd.Set(expression.Name("gsi4pk"), expression.IfNotExists(expression.Name("gsi4pk"), expression.Value(keys.GSI4PK(namespace))))
	upd = upd.Add(expression.Name("u_"+d.LimitName), expression.Value(d.TokensDelta))
	upd = upd.Add(expression.Name("total_events"), expression.Value(int64(1)))

	expr, err := expression.NewBuilder().WithUpdate(upd).Build()
	if err != nil {
		return infraErr("UpdateItem(snapshot): build expression", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &c.table,
		Key:                       map[string]types.AttributeValue{"pk": s(pk), "sk": s(sk)},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return infraErr("UpdateItem(snapshot)", err)
}

// RefillBucket issues a single conditional Update adding refillAmountsMilli
// to tk per limit, guarded by rf = prevRefillMs. It does not advance rf: the
// write is meant to commute with concurrent client consumes, which do
// advance rf, so a stale guard here correctly degrades to a no-op instead of
// clobbering newer state.
func (c *Client) RefillBucket(ctx context.Context, namespace string, key store.BucketKey, prevRefillMs int64, refillAmountsMilli map[string]int64) (store.RefillResult, error) {
	if len(refillAmountsMilli) == 0 {
		return store.RefillResult{Applied: true}, nil
	}
	pk := keys.PKEntity(namespace, key.EntityID)
	sk := keys.SKBucket(key.Resource, key.Shard)

	upd := expression.UpdateBuilder{}
	for limitName, amount := range refillAmountsMilli {
		upd = upd.Add(expression.Name(keys.BucketAttr(limitName, keys.FieldTokens)), expression.Value(amount))
	}
	cond := expression.Name(keys.AttrRefillTimestamp).Equal(expression.Value(prevRefillMs))
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return store.RefillResult{}, infraErr("UpdateItem(refill): build expression", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &c.table,
		Key:                       map[string]types.AttributeValue{"pk": s(pk), "sk": s(sk)},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return store.RefillResult{Applied: true}, nil
	}

	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return store.RefillResult{Applied: false}, nil
	}
	return store.RefillResult{}, infraErr("UpdateItem(refill)", err)
}

// CreateBucketShards Puts one fresh composite item per new shard, each
// seeded at a full burst with zero consumption and canonical's static
// per-limit params. Issued as chunked BatchWriteItem calls, same pattern as
// BatchDeleteItems, since these are brand-new items with nothing to guard.
func (c *Client) CreateBucketShards(ctx context.Context, namespace string, canonical store.BucketItem, fromShard, toShard int, nowMs int64) error {
	if toShard <= fromShard {
		return nil
	}

	items := make([]store.BucketItem, 0, toShard-fromShard)
	for shard := fromShard; shard < toShard; shard++ {
		fresh := store.BucketItem{
			EntityID:   canonical.EntityID,
			Resource:   canonical.Resource,
			Shard:      shard,
			RefillMs:   nowMs,
			ShardCount: canonical.ShardCount,
			Limits:     make(map[string]store.BucketCounters, len(canonical.Limits)),
		}
		for limitName, counters := range canonical.Limits {
			fresh.Limits[limitName] = store.BucketCounters{
				TokensMilli:       counters.BurstMilli,
				CapacityMilli:     counters.CapacityMilli,
				BurstMilli:        counters.BurstMilli,
				RefillAmountMilli: counters.RefillAmountMilli,
				RefillPeriodMs:    counters.RefillPeriodMs,
			}
		}
		items = append(items, fresh)
	}

	for start := 0; start < len(items); start += batchWriteChunkSize {
		end := start + batchWriteChunkSize
		if end > len(items) {
			end = len(items)
		}
		if err := c.putBucketItemsChunk(ctx, namespace, items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// GrowShardCount sets shard_count to newShardCount guarded by rf =
// prevRefillMs, mirroring RefillBucket's no-op-on-conflict contract.
func (c *Client) GrowShardCount(ctx context.Context, namespace string, key store.BucketKey, prevRefillMs int64, newShardCount int) (store.RefillResult, error) {
	pk := keys.PKEntity(namespace, key.EntityID)
	sk := keys.SKBucket(key.Resource, key.Shard)

	upd := expression.UpdateBuilder{}
	upd = upd.Set(expression.Name(keys.AttrShardCount), expression.Value(int64(newShardCount)))
	cond := expression.Name(keys.AttrRefillTimestamp).Equal(expression.Value(prevRefillMs))
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return store.RefillResult{}, infraErr("UpdateItem(grow_shard_count): build expression", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &c.table,
		Key:                       map[string]types.AttributeValue{"pk": s(pk), "sk": s(sk)},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return store.RefillResult{Applied: true}, nil
	}

	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return store.RefillResult{Applied: false}, nil
	}
	return store.RefillResult{}, infraErr("UpdateItem(grow_shard_count)", err)
}

func (c *Client) putBucketItemsChunk(ctx context.Context, namespace string, chunk []store.BucketItem) error {
	writeReqs := make([]types.WriteRequest, 0, len(chunk))
	for _, item := range chunk {
		writeReqs = append(writeReqs, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: bucketItemToAV(namespace, item)},
		})
	}

	req := map[string][]types.WriteRequest{c.table: writeReqs}
	for len(req) > 0 {
		ctx, cancel := c.withTimeout(ctx)
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: req})
		cancel()
		if err != nil {
			return infraErr("BatchWriteItem(shards)", err)
		}
		req = out.UnprocessedItems
	}
	return nil
}
