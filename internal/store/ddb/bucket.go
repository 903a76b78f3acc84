package ddb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
	"github.com/vitaliisemenov/zae-limiter/internal/metrics"
	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

const batchGetChunkSize = 100

// BatchGetBuckets chunks keys at 100, deduplicates, and issues one
// BatchGetItem per chunk, retrying UnprocessedKeys until drained.
func (c *Client) BatchGetBuckets(ctx context.Context, namespace string, wantKeys []store.BucketKey) (map[store.BucketKey]store.BucketItem, error) {
	opStart := time.Now()
	var opErr error
	defer func() {
		kind := ""
		if opErr != nil {
			kind = string(rlerrors.ClassifyKind(opErr))
		}
		metrics.RecordStoreOperation("batch_get_buckets", time.Since(opStart).Seconds(), kind)
	}()

	result := make(map[store.BucketKey]store.BucketItem, len(wantKeys))
	if len(wantKeys) == 0 {
		return result, nil
	}

	seen := make(map[store.BucketKey]struct{}, len(wantKeys))
	unique := make([]store.BucketKey, 0, len(wantKeys))
	for _, k := range wantKeys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	for start := 0; start < len(unique); start += batchGetChunkSize {
		end := start + batchGetChunkSize
		if end > len(unique) {
			end = len(unique)
		}
		if err := c.batchGetChunk(ctx, namespace, unique[start:end], result); err != nil {
			opErr = err
			return nil, err
		}
	}
	return result, nil
}

func (c *Client) batchGetChunk(ctx context.Context, namespace string, chunk []store.BucketKey, out map[store.BucketKey]store.BucketItem) error {
	byPKSK := make(map[[2]string]store.BucketKey, len(chunk))
	itemKeys := make([]map[string]types.AttributeValue, 0, len(chunk))
	for _, k := range chunk {
		pk := keys.PKEntity(namespace, k.EntityID)
		sk := keys.SKBucket(k.Resource, k.Shard)
		byPKSK[[2]string{pk, sk}] = k
		itemKeys = append(itemKeys, map[string]types.AttributeValue{"pk": s(pk), "sk": s(sk)})
	}

	req := map[string]types.KeysAndAttributes{c.table: {Keys: itemKeys}}
	for len(req) > 0 {
		ctx, cancel := c.withTimeout(ctx)
		out2, err := c.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: req})
		cancel()
		if err != nil {
			return infraErr("BatchGetItem", err)
		}
		for _, items := range out2.Responses {
			for _, item := range items {
				pk, _ := asS(item["pk"])
				sk, _ := asS(item["sk"])
				bk, ok := byPKSK[[2]string{pk, sk}]
				if !ok {
					continue
				}
				bi, ok := bucketItemFromAV(item)
				if !ok {
					continue
				}
				out[bk] = bi
			}
		}
		req = out2.UnprocessedKeys
	}
	return nil
}

// WriteTransaction submits one TransactWriteItems call covering every
// affected bucket plus an optional audit Put. Up to 25 items total, per the
// store contract.
func (c *Client) WriteTransaction(ctx context.Context, namespace string, writes []store.BucketWrite, audit *store.AuditRecord) (opErr error) {
	opStart := time.Now()
	defer func() {
		kind := ""
		if opErr != nil {
			kind = string(rlerrors.ClassifyKind(opErr))
		}
		metrics.RecordStoreOperation("write_transaction", time.Since(opStart).Seconds(), kind)
	}()

	items := make([]types.TransactWriteItem, 0, len(writes)+1)

	for _, w := range writes {
		item, err := c.bucketTransactItem(namespace, w)
		if err != nil {
			opErr = err
			return opErr
		}
		items = append(items, item)
	}

	if audit != nil {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: &c.table,
				Item:      auditItemToAV(namespace, *audit),
			},
		})
	}

	if len(items) == 0 {
		return nil
	}
	if len(items) > 25 {
		opErr = &rlerrors.ValidationError{Field: "writes", Reason: "transaction exceeds 25 items"}
		return opErr
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}

	var cancelled *types.TransactionCanceledException
	if errors.As(err, &cancelled) {
		for _, reason := range cancelled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				opErr = &rlerrors.ConflictError{Resource: "bucket", Cause: err}
				return opErr
			}
		}
	}
	opErr = infraErr("TransactWriteItems", err)
	return opErr
}

func (c *Client) bucketTransactItem(namespace string, w store.BucketWrite) (types.TransactWriteItem, error) {
	pk := keys.PKEntity(namespace, w.Key.EntityID)
	sk := keys.SKBucket(w.Key.Resource, w.Key.Shard)

	if w.Fresh {
		fresh := store.BucketItem{
			EntityID:   w.Key.EntityID,
			Resource:   w.Key.Resource,
			Shard:      w.Key.Shard,
			RefillMs:   w.NewRefillMs,
			ShardCount: w.ShardCount,
			Limits:     map[string]store.BucketCounters{},
		}
		for limitName, d := range w.Deltas {
			fresh.Limits[limitName] = store.BucketCounters{
				TokensMilli:        d.TokensMilliDelta,
				CapacityMilli:      d.CapacityMilli,
				BurstMilli:         d.BurstMilli,
				RefillAmountMilli:  d.RefillAmountMilli,
				RefillPeriodMs:     d.RefillPeriodMs,
				TotalConsumedMilli: d.TotalConsumedDelta,
			}
		}
		return types.TransactWriteItem{
			Put: &types.Put{
				TableName: &c.table,
				Item:      bucketItemToAV(namespace, fresh),
			},
		}, nil
	}

	upd := expression.UpdateBuilder{}
	upd = upd.Set(expression.Name(keys.AttrRefillTimestamp), expression.Value(w.NewRefillMs))
	for limitName, d := range w.Deltas {
		upd = upd.Add(expression.Name(keys.BucketAttr(limitName, keys.FieldTokens)), expression.Value(d.TokensMilliDelta))
		upd = upd.Add(expression.Name(keys.BucketAttr(limitName, keys.FieldTotalConsumed)), expression.Value(d.TotalConsumedDelta))
	}
	cond := expression.Name(keys.AttrRefillTimestamp).Equal(expression.Value(w.PrevRefillMs))
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("building update expression: %w", err)
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 &c.table,
			Key:                       map[string]types.AttributeValue{"pk": s(pk), "sk": s(sk)},
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, nil
}

func auditItemToAV(namespace string, a store.AuditRecord) map[string]types.AttributeValue {
	av := map[string]types.AttributeValue{
		"pk":          s(keys.PKAudit(namespace, a.EntityID)),
		"sk":          s(keys.SKAudit(a.ULID)),
		"entity_id":   s(a.EntityID),
		"action":      s(a.Action),
		"principal":   s(a.Principal),
		"resource":    s(a.Resource),
		"timestamp":   s(a.Timestamp.Format(rfc3339Milli)),
		"ttl":         n(a.TTL.Unix()),
		"gsi4pk":      s(keys.GSI4PK(namespace)),
	}
	if len(a.Details) > 0 {
		detailsMap := make(map[string]types.AttributeValue, len(a.Details))
		for k, v := range a.Details {
			detailsMap[k] = s(v)
		}
		av["details"] = &types.AttributeValueMemberM{Value: detailsMap}
	}
	return av
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"
