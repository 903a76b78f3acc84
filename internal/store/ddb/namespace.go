package ddb

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

// newNamespaceID mints an 8-character opaque token. Base32 (lowercase,
// unpadded) keeps it URL- and CLI-friendly without the visual ambiguity of
// base64's '+'/'/'.
func newNamespaceID() (string, error) {
	buf := make([]byte, 5) // 5 bytes -> 8 base32 chars
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return strings.ToLower(enc), nil
}

// RegisterNamespace is idempotent: if the forward record already exists its
// id is returned unchanged; otherwise a fresh id is minted and both the
// forward and reverse records are written in one transaction.
func (c *Client) RegisterNamespace(ctx context.Context, name string) (string, error) {
	if name == keys.SharedNamespace {
		return "", &rlerrors.ValidationError{Field: "name", Reason: "reserved namespace cannot be registered"}
	}

	if id, ok, err := c.GetNamespaceByName(ctx, name); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	id, err := newNamespaceID()
	if err != nil {
		return "", infraErr("RegisterNamespace(rand)", err)
	}

	now := time.Now()
	forward := map[string]types.AttributeValue{
		"pk":     s(keys.PKSharedSystem()),
		"sk":     s(keys.SKNamespaceForward(name)),
		"name":   s(name),
		"nsid":   s(id),
		"gsi4pk": s(keys.GSI4PK(id)),
	}
	reverse := map[string]types.AttributeValue{
		"pk":         s(keys.PKSharedSystem()),
		"sk":         s(keys.SKNamespaceReverse(id)),
		"name":       s(name),
		"nsid":       s(id),
		"status":     s(string(store.NamespaceActive)),
		"created_at": s(now.Format(rfc3339Milli)),
		"gsi4pk":     s(keys.GSI4PK(id)),
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: &c.table, Item: forward, ConditionExpression: strPtr("attribute_not_exists(pk)")}},
			{Put: &types.Put{TableName: &c.table, Item: reverse}},
		},
	})
	if err != nil {
		return "", infraErr("RegisterNamespace(transact)", err)
	}
	return id, nil
}

func (c *Client) GetNamespaceByName(ctx context.Context, name string) (string, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &c.table,
		Key: map[string]types.AttributeValue{
			"pk": s(keys.PKSharedSystem()),
			"sk": s(keys.SKNamespaceForward(name)),
		},
	})
	if err != nil {
		return "", false, infraErr("GetItem(namespace forward)", err)
	}
	if len(out.Item) == 0 {
		return "", false, nil
	}
	id, _ := asS(out.Item["nsid"])
	return id, true, nil
}

func (c *Client) GetNamespaceByID(ctx context.Context, id string) (*store.NamespaceRecord, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &c.table,
		Key: map[string]types.AttributeValue{
			"pk": s(keys.PKSharedSystem()),
			"sk": s(keys.SKNamespaceReverse(id)),
		},
	})
	if err != nil {
		return nil, false, infraErr("GetItem(namespace reverse)", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	return namespaceRecordFromAV(id, out.Item), true, nil
}

func namespaceRecordFromAV(id string, item map[string]types.AttributeValue) *store.NamespaceRecord {
	rec := &store.NamespaceRecord{ID: id}
	rec.Name, _ = asS(item["name"])
	status, _ := asS(item["status"])
	rec.Status = store.NamespaceStatus(status)
	if createdAt, ok := asS(item["created_at"]); ok {
		rec.CreatedAt, _ = time.Parse(rfc3339Milli, createdAt)
	}
	if deletedAt, ok := asS(item["deleted_at"]); ok {
		rec.DeletedAt, _ = time.Parse(rfc3339Milli, deletedAt)
	}
	return rec
}

// ListNamespaces scans every reverse registry row under the shared system
// partition. The registry is expected to be small (one row per tenant), so
// a single Query with begins_with(sk, #NSID#) is sufficient without paging
// through a GSI.
func (c *Client) ListNamespaces(ctx context.Context) ([]store.NamespaceRecord, error) {
	var result []store.NamespaceRecord
	var exclusiveStart map[string]types.AttributeValue

	for {
		qctx, cancel := c.withTimeout(ctx)
		out, err := c.api.Query(qctx, &dynamodb.QueryInput{
			TableName:              &c.table,
			KeyConditionExpression: strPtr("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     s(keys.PKSharedSystem()),
				":prefix": s("#NSID#"),
			},
			ExclusiveStartKey: exclusiveStart,
		})
		cancel()
		if err != nil {
			return nil, infraErr("Query(list namespaces)", err)
		}
		for _, item := range out.Items {
			nsid, _ := asS(item["nsid"])
			result = append(result, *namespaceRecordFromAV(nsid, item))
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		exclusiveStart = out.LastEvaluatedKey
	}
	return result, nil
}

// SoftDeleteNamespace removes the forward record and marks the reverse
// record deleted; bucket/config/audit data rows are left untouched.
func (c *Client) SoftDeleteNamespace(ctx context.Context, id string) error {
	rec, ok, err := c.GetNamespaceByID(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &rlerrors.NotFoundError{Kind_: "namespace", ID: id}
	}

	now := time.Now()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName: &c.table,
				Key:       map[string]types.AttributeValue{"pk": s(keys.PKSharedSystem()), "sk": s(keys.SKNamespaceForward(rec.Name))},
			}},
			{Update: &types.Update{
				TableName: &c.table,
				Key:       map[string]types.AttributeValue{"pk": s(keys.PKSharedSystem()), "sk": s(keys.SKNamespaceReverse(id))},
				UpdateExpression:          strPtr("SET #status = :deleted, deleted_at = :ts"),
				ExpressionAttributeNames:  map[string]string{"#status": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":deleted": s(string(store.NamespaceDeleted)), ":ts": s(now.Format(rfc3339Milli))},
			}},
		},
	})
	return infraErr("SoftDeleteNamespace(transact)", err)
}

// RecoverNamespace restores a soft-deleted namespace by id. It fails if the
// original name has since been re-registered to a different id.
func (c *Client) RecoverNamespace(ctx context.Context, id string) error {
	rec, ok, err := c.GetNamespaceByID(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &rlerrors.NotFoundError{Kind_: "namespace", ID: id}
	}
	if rec.Status != store.NamespaceDeleted {
		return nil
	}

	if existingID, taken, err := c.GetNamespaceByName(ctx, rec.Name); err != nil {
		return err
	} else if taken && existingID != id {
		return &rlerrors.ConflictError{Resource: "namespace name " + rec.Name}
	}

	forward := map[string]types.AttributeValue{
		"pk":     s(keys.PKSharedSystem()),
		"sk":     s(keys.SKNamespaceForward(rec.Name)),
		"name":   s(rec.Name),
		"nsid":   s(id),
		"gsi4pk": s(keys.GSI4PK(id)),
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: &c.table, Item: forward, ConditionExpression: strPtr("attribute_not_exists(pk)")}},
			{Update: &types.Update{
				TableName:                 &c.table,
				Key:                       map[string]types.AttributeValue{"pk": s(keys.PKSharedSystem()), "sk": s(keys.SKNamespaceReverse(id))},
				UpdateExpression:          strPtr("SET #status = :active REMOVE deleted_at"),
				ExpressionAttributeNames:  map[string]string{"#status": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":active": s(string(store.NamespaceActive))},
			}},
		},
	})
	return infraErr("RecoverNamespace(transact)", err)
}

// PurgeNamespace hard-deletes every row under id (via GSI4) then the reverse
// registry record itself.
func (c *Client) PurgeNamespace(ctx context.Context, id string) error {
	refs, err := c.QueryNamespaceItems(ctx, id)
	if err != nil {
		return err
	}
	if err := c.BatchDeleteItems(ctx, refs); err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &c.table,
		Key:       map[string]types.AttributeValue{"pk": s(keys.PKSharedSystem()), "sk": s(keys.SKNamespaceReverse(id))},
	})
	return infraErr("PurgeNamespace(delete reverse)", err)
}
