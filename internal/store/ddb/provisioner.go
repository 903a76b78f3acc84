package ddb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vitaliisemenov/zae-limiter/internal/keys"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

func (c *Client) GetProvisionerState(ctx context.Context, namespace string) (*store.ProvisionerState, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &c.table,
		Key: map[string]types.AttributeValue{
			"pk": s(keys.PKSystem(namespace)),
			"sk": s(keys.SKProvisioner()),
		},
	})
	if err != nil {
		return nil, false, infraErr("GetItem(provisioner)", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	state := &store.ProvisionerState{}
	state.AppliedHash, _ = asS(out.Item["applied_hash"])
	if updatedAt, ok := asS(out.Item["updated_at"]); ok {
		state.UpdatedAt, _ = time.Parse(rfc3339Milli, updatedAt)
	}
	if list, ok := out.Item["managed_set"].(*types.AttributeValueMemberSS); ok {
		state.ManagedSet = list.Value
	}
	return state, true, nil
}

func (c *Client) PutProvisionerState(ctx context.Context, namespace string, state store.ProvisionerState) error {
	item := map[string]types.AttributeValue{
		"pk":           s(keys.PKSystem(namespace)),
		"sk":           s(keys.SKProvisioner()),
		"applied_hash": s(state.AppliedHash),
		"updated_at":   s(state.UpdatedAt.Format(rfc3339Milli)),
		"gsi4pk":       s(keys.GSI4PK(namespace)),
	}
	if len(state.ManagedSet) > 0 {
		item["managed_set"] = &types.AttributeValueMemberSS{Value: state.ManagedSet}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: &c.table, Item: item})
	return infraErr("PutItem(provisioner)", err)
}

func (c *Client) GetVersion(ctx context.Context, namespace string) (*store.VersionRecord, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &c.table,
		Key: map[string]types.AttributeValue{
			"pk": s(keys.PKSystem(namespace)),
			"sk": s(keys.SKVersion()),
		},
	})
	if err != nil {
		return nil, false, infraErr("GetItem(version)", err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	v := &store.VersionRecord{}
	if schemaVer, ok := asN(out.Item["schema_version"]); ok {
		v.SchemaVersion = int(schemaVer)
	}
	if aggVer, ok := asN(out.Item["aggregator_version"]); ok {
		v.AggregatorVersion = int(aggVer)
	}
	return v, true, nil
}

func (c *Client) PutVersion(ctx context.Context, namespace string, v store.VersionRecord) error {
	item := map[string]types.AttributeValue{
		"pk":                 s(keys.PKSystem(namespace)),
		"sk":                 s(keys.SKVersion()),
		"schema_version":     n(int64(v.SchemaVersion)),
		"aggregator_version": n(int64(v.AggregatorVersion)),
		"gsi4pk":             s(keys.GSI4PK(namespace)),
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: &c.table, Item: item})
	return infraErr("PutItem(version)", err)
}
