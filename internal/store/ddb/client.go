// Package ddb implements store.Repository against Amazon DynamoDB: a single
// table keyed by (PK, SK) plus three GSIs (gsi2, gsi3, gsi4), exactly as described in
// internal/keys. Every exported method here is thin glue between the typed
// store.Repository surface and the AWS SDK's attribute-value world; business
// logic belongs in internal/limiter, internal/aggregator, and friends, not
// here.
package ddb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
)

// Client wraps a DynamoDB API client bound to one table and its GSI names.
type Client struct {
	api       DynamoDBAPI
	table     string
	gsi2      string
	gsi3      string
	gsi4      string
	callTimeout time.Duration
}

// DynamoDBAPI is the subset of *dynamodb.Client this package calls, so tests
// can substitute a fake without spinning up a real table.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config configures a Client. GSI names default to gsi2/gsi3/gsi4 matching
// the provisioner's table-creation defaults if left blank.
type Config struct {
	Table       string
	GSI2Name    string
	GSI3Name    string
	GSI4Name    string
	CallTimeout time.Duration
}

// New builds a Client over an already-configured SDK client (see
// aws-sdk-go-v2/config.LoadDefaultConfig for how callers typically build api).
func New(api DynamoDBAPI, cfg Config) *Client {
	c := &Client{
		api:         api,
		table:       cfg.Table,
		gsi2:        cfg.GSI2Name,
		gsi3:        cfg.GSI3Name,
		gsi4:        cfg.GSI4Name,
		callTimeout: cfg.CallTimeout,
	}
	if c.gsi2 == "" {
		c.gsi2 = "gsi2"
	}
	if c.gsi3 == "" {
		c.gsi3 = "gsi3"
	}
	if c.gsi4 == "" {
		c.gsi4 = "gsi4"
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 3 * time.Second
	}
	return c
}

// Ping issues a lightweight DescribeTable to confirm the table is reachable.
// It never returns an error; callers only care about the bool.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	_, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &c.table})
	return err == nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func infraErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &rlerrors.InfrastructureError{Op: op, Cause: err}
}
