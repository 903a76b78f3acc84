package ddb

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// QueryResourceEntities is the GSI2 query: every distinct entity id that has
// a bucket or usage row under resource.
func (c *Client) QueryResourceEntities(ctx context.Context, namespace, resource string) ([]string, error) {
	seen := map[string]struct{}{}
	var entities []string
	var exclusiveStart map[string]types.AttributeValue

	for {
		qctx, cancel := c.withTimeout(ctx)
		out, err := c.api.Query(qctx, &dynamodb.QueryInput{
			TableName:              &c.table,
			IndexName:              &c.gsi2,
			KeyConditionExpression: strPtr("gsi2pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": s(keys.GSI2PKResource(namespace, resource)),
			},
			ExclusiveStartKey: exclusiveStart,
		})
		cancel()
		if err != nil {
			return nil, infraErr("Query(gsi2)", err)
		}
		for _, item := range out.Items {
			if entityID, ok := asS(item[keys.AttrEntityID]); ok {
				if _, dup := seen[entityID]; !dup {
					seen[entityID] = struct{}{}
					entities = append(entities, entityID)
				}
			}
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		exclusiveStart = out.LastEvaluatedKey
	}
	return entities, nil
}

// QueryEntityShards is the GSI3 query: every bucket shard belonging to
// entityID across all resources.
func (c *Client) QueryEntityShards(ctx context.Context, namespace, entityID string) ([]store.BucketKey, error) {
	var result []store.BucketKey
	var exclusiveStart map[string]types.AttributeValue

	for {
		qctx, cancel := c.withTimeout(ctx)
		out, err := c.api.Query(qctx, &dynamodb.QueryInput{
			TableName:              &c.table,
			IndexName:              &c.gsi3,
			KeyConditionExpression: strPtr("gsi3pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": s(keys.GSI3PKEntity(namespace, entityID)),
			},
			ExclusiveStartKey: exclusiveStart,
		})
		cancel()
		if err != nil {
			return nil, infraErr("Query(gsi3)", err)
		}
		for _, item := range out.Items {
			sk, _ := asS(item["sk"])
			resource, shard, ok := keys.BucketResourceFromSK(sk)
			if !ok {
				continue
			}
			result = append(result, store.BucketKey{EntityID: entityID, Resource: resource, Shard: shard})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		exclusiveStart = out.LastEvaluatedKey
	}
	return result, nil
}

// QueryNamespaceItems is the GSI4 query used only by purge: every item ever
// written under namespaceID, regardless of kind.
func (c *Client) QueryNamespaceItems(ctx context.Context, namespaceID string) ([]store.ItemRef, error) {
	var refs []store.ItemRef
	var exclusiveStart map[string]types.AttributeValue

	for {
		qctx, cancel := c.withTimeout(ctx)
		out, err := c.api.Query(qctx, &dynamodb.QueryInput{
			TableName:              &c.table,
			IndexName:              &c.gsi4,
			KeyConditionExpression: strPtr("gsi4pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": s(keys.GSI4PK(namespaceID)),
			},
			ExclusiveStartKey: exclusiveStart,
		})
		cancel()
		if err != nil {
			return nil, infraErr("Query(gsi4)", err)
		}
		for _, item := range out.Items {
			pk, _ := asS(item["pk"])
			sk, _ := asS(item["sk"])
			refs = append(refs, store.ItemRef{PK: pk, SK: sk})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		exclusiveStart = out.LastEvaluatedKey
	}
	return refs, nil
}

const batchWriteChunkSize = 25

// BatchDeleteItems issues chunked 25-item BatchWriteItem deletes, retrying
// UnprocessedItems until drained. Used by both cascade entity delete and
// namespace purge.
func (c *Client) BatchDeleteItems(ctx context.Context, refs []store.ItemRef) error {
	for start := 0; start < len(refs); start += batchWriteChunkSize {
		end := start + batchWriteChunkSize
		if end > len(refs) {
			end = len(refs)
		}
		if err := c.batchDeleteChunk(ctx, refs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) batchDeleteChunk(ctx context.Context, chunk []store.ItemRef) error {
	writeReqs := make([]types.WriteRequest, 0, len(chunk))
	for _, ref := range chunk {
		writeReqs = append(writeReqs, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{"pk": s(ref.PK), "sk": s(ref.SK)},
			},
		})
	}

	req := map[string][]types.WriteRequest{c.table: writeReqs}
	for len(req) > 0 {
		ctx, cancel := c.withTimeout(ctx)
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: req})
		cancel()
		if err != nil {
			return infraErr("BatchWriteItem(delete)", err)
		}
		req = out.UnprocessedItems
	}
	return nil
}
