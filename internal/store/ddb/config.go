package ddb

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

func configKey(namespace string, scope store.ConfigScope, resource, entityID string) (pk, sk string) {
	switch scope {
	case store.ScopeSystem:
		return keys.PKSystem(namespace), keys.SKConfig()
	case store.ScopeResource:
		return keys.PKResource(namespace, resource), keys.SKConfig()
	default: // ScopeEntity
		return keys.PKEntity(namespace, entityID), keys.SKConfigEntity(resource)
	}
}

func (c *Client) GetConfig(ctx context.Context, namespace string, scope store.ConfigScope, resource, entityID string) (*store.ConfigRecord, bool, error) {
	pk, sk := configKey(namespace, scope, resource, entityID)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &c.table,
		Key: map[string]types.AttributeValue{
			"pk": s(pk),
			"sk": s(sk),
		},
	})
	if err != nil {
		return nil, false, infraErr("GetItem(config)", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	rec := &store.ConfigRecord{Scope: scope, Resource: resource, EntityID: entityID, Limits: map[string]store.BucketCounters{}}
	if policy, ok := asS(out.Item["on_unavailable"]); ok {
		rec.OnUnavailable = policy
	}
	for attr, value := range out.Item {
		limitName, field, ok := keys.ParseBucketAttr(attr)
		if !ok {
			continue
		}
		lc := rec.Limits[limitName]
		num, _ := asN(value)
		switch field {
		case keys.FieldCapacity:
			lc.CapacityMilli = num
		case keys.FieldBurst:
			lc.BurstMilli = num
		case keys.FieldRefillAmount:
			lc.RefillAmountMilli = num
		case keys.FieldRefillPeriod:
			lc.RefillPeriodMs = num
		}
		rec.Limits[limitName] = lc
	}
	return rec, true, nil
}

func (c *Client) PutConfig(ctx context.Context, namespace string, rec store.ConfigRecord) error {
	pk, sk := configKey(namespace, rec.Scope, rec.Resource, rec.EntityID)

	item := map[string]types.AttributeValue{
		"pk":     s(pk),
		"sk":     s(sk),
		"gsi4pk": s(keys.GSI4PK(namespace)),
	}
	if rec.Scope == store.ScopeSystem && rec.OnUnavailable != "" {
		item["on_unavailable"] = s(rec.OnUnavailable)
	}
	for limitName, lc := range rec.Limits {
		item[keys.BucketAttr(limitName, keys.FieldCapacity)] = n(lc.CapacityMilli)
		item[keys.BucketAttr(limitName, keys.FieldBurst)] = n(lc.BurstMilli)
		item[keys.BucketAttr(limitName, keys.FieldRefillAmount)] = n(lc.RefillAmountMilli)
		item[keys.BucketAttr(limitName, keys.FieldRefillPeriod)] = n(lc.RefillPeriodMs)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: &c.table, Item: item})
	return infraErr("PutItem(config)", err)
}

func (c *Client) DeleteConfig(ctx context.Context, namespace string, scope store.ConfigScope, resource, entityID string) error {
	pk, sk := configKey(namespace, scope, resource, entityID)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &c.table,
		Key: map[string]types.AttributeValue{
			"pk": s(pk),
			"sk": s(sk),
		},
	})
	return infraErr("DeleteItem(config)", err)
}
