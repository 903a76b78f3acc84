package ddb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

func (c *Client) GetEntity(ctx context.Context, namespace, entityID string) (*store.EntityRecord, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &c.table,
		Key: map[string]types.AttributeValue{
			"pk": s(keys.PKEntity(namespace, entityID)),
			"sk": s(keys.SKMeta()),
		},
	})
	if err != nil {
		return nil, false, infraErr("GetItem(entity)", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	rec := &store.EntityRecord{ID: entityID}
	if parentID, ok := asS(out.Item["parent_id"]); ok {
		rec.ParentID = parentID
	}
	if createdAtStr, ok := asS(out.Item["created_at"]); ok {
		if t, err := time.Parse(rfc3339Milli, createdAtStr); err == nil {
			rec.CreatedAt = t
		}
	}
	return rec, true, nil
}

func (c *Client) PutEntity(ctx context.Context, namespace string, rec store.EntityRecord) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	item := map[string]types.AttributeValue{
		"pk":         s(keys.PKEntity(namespace, rec.ID)),
		"sk":         s(keys.SKMeta()),
		"entity_id":  s(rec.ID),
		"created_at": s(rec.CreatedAt.Format(rfc3339Milli)),
		"gsi4pk":     s(keys.GSI4PK(namespace)),
	}
	if rec.ParentID != "" {
		item["parent_id"] = s(rec.ParentID)
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &c.table,
		Item:      item,
	})
	return infraErr("PutItem(entity)", err)
}

// DeleteEntityCascade removes the entity's metadata row and every bucket
// shard, config, and audit record it owns, querying the entity partition
// and then the audit partition page by page and issuing chunked 25-item
// batch-writes until drained.
func (c *Client) DeleteEntityCascade(ctx context.Context, namespace, entityID string) error {
	pks := []string{keys.PKEntity(namespace, entityID), keys.PKAudit(namespace, entityID)}
	pk := pks[0]
	var exclusiveStart map[string]types.AttributeValue

	for {
		qctx, cancel := c.withTimeout(ctx)
		out, err := c.api.Query(qctx, &dynamodb.QueryInput{
			TableName:              &c.table,
			KeyConditionExpression: strPtr("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": s(pk),
			},
			ExclusiveStartKey: exclusiveStart,
		})
		cancel()
		if err != nil {
			return infraErr("Query(cascade delete)", err)
		}

		refs := make([]store.ItemRef, 0, len(out.Items))
		for _, item := range out.Items {
			sk, _ := asS(item["sk"])
			refs = append(refs, store.ItemRef{PK: pk, SK: sk})
		}
		if err := c.BatchDeleteItems(ctx, refs); err != nil {
			return err
		}

		if out.LastEvaluatedKey == nil {
			pks = pks[1:]
			if len(pks) == 0 {
				break
			}
			pk, exclusiveStart = pks[0], nil
			continue
		}
		exclusiveStart = out.LastEvaluatedKey
	}
	return nil
}

func strPtr(v string) *string { return &v }
