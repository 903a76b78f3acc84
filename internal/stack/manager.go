package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
)

// CloudFormationAPI is the subset of *cloudformation.Client the stack
// manager calls, mirroring ddb.DynamoDBAPI's narrow-interface shape so
// tests can substitute a fake instead of a real AWS endpoint.
type CloudFormationAPI interface {
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// DeployOptions configures one deploy invocation.
type DeployOptions struct {
	TableName       string
	StackName       string
	Region          string
	SnapshotWindows string
	RetentionDays   int
	WithAggregator  bool
	ArchiveBucket   string
	// Local, when true, skips CloudFormation entirely: the caller is
	// pointed at a local DynamoDB (docker-compose / test harness) where
	// standing up a CloudFormation stack makes no sense.
	Local bool
}

// DeployResult mirrors the three shapes a deploy can end in: a stack that
// reached CREATE_COMPLETE, one still in progress, or a skipped local run.
type DeployResult struct {
	Status    string
	StackID   string
	Message   string
}

// Manager drives the CloudFormation stack lifecycle for one rate limiter
// deployment. Unlike ddb.Client it does not also own the data-plane table
// client: deploy/delete/status only ever talk to CloudFormation.
type Manager struct {
	api          CloudFormationAPI
	pollInterval time.Duration
}

// New builds a Manager over an already-configured CloudFormation client.
func New(api CloudFormationAPI) *Manager {
	return &Manager{api: api, pollInterval: 3 * time.Second}
}

// StackName derives the default stack name from a table name, matching the
// naming the admin CLI reports back to the operator.
func StackName(tableName string) string {
	return "zae-limiter-" + tableName
}

// CreateStack deploys (or updates, for CloudFormation's own purposes,
// though this path only ever creates) the rate limiter stack described by
// opts. Local deploys never touch CloudFormation.
func (m *Manager) CreateStack(ctx context.Context, opts DeployOptions) (DeployResult, error) {
	if opts.TableName == "" {
		return DeployResult{}, &rlerrors.ValidationError{Field: "table_name", Reason: "table name is required"}
	}
	stackName := opts.StackName
	if stackName == "" {
		stackName = StackName(opts.TableName)
	}
	if opts.Local {
		return DeployResult{Status: "skipped_local", Message: "CloudFormation skipped for local DynamoDB"}, nil
	}

	body, err := Render(TemplateOptions{
		TableName:       opts.TableName,
		SnapshotWindows: opts.SnapshotWindows,
		RetentionDays:   opts.RetentionDays,
		WithAggregator:  opts.WithAggregator,
		ArchiveBucket:   opts.ArchiveBucket,
	})
	if err != nil {
		return DeployResult{}, err
	}

	out, err := m.api.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    &stackName,
		TemplateBody: &body,
		Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityNamedIam},
	})
	if err != nil {
		return DeployResult{}, &rlerrors.StackCreationError{Stage: "create_stack", Cause: err}
	}

	stackID := ""
	if out.StackId != nil {
		stackID = *out.StackId
	}
	return DeployResult{Status: "CREATE_IN_PROGRESS", StackID: stackID}, nil
}

// DeleteStack tears down stackName and, if wait is true, blocks until
// CloudFormation reports the stack gone (or a delete failure surfaces).
func (m *Manager) DeleteStack(ctx context.Context, stackName string, wait bool) error {
	_, err := m.api.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: &stackName})
	if err != nil {
		return &rlerrors.StackCreationError{Stage: "delete_stack", Cause: err}
	}
	if !wait {
		return nil
	}
	return m.waitForDeletion(ctx, stackName)
}

func (m *Manager) waitForDeletion(ctx context.Context, stackName string) error {
	for {
		status, found, err := m.GetStackStatus(ctx, stackName)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if status == string(cfntypes.StackStatusDeleteFailed) {
			return &rlerrors.StackCreationError{Stage: "delete_stack", Cause: fmt.Errorf("stack entered DELETE_FAILED")}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// GetStackStatus returns the stack's current CloudFormation status, or
// found=false if no such stack exists.
func (m *Manager) GetStackStatus(ctx context.Context, stackName string) (status string, found bool, err error) {
	out, err := m.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: &stackName})
	if err != nil {
		if stackNotFound(err) {
			return "", false, nil
		}
		return "", false, &rlerrors.InfrastructureError{Op: "DescribeStacks", Cause: err}
	}
	if len(out.Stacks) == 0 {
		return "", false, nil
	}
	return string(out.Stacks[0].StackStatus), true, nil
}

// stackNotFound recognises CloudFormation's "does not exist" error, which
// the SDK surfaces as a generic smithy API error rather than a typed one.
func stackNotFound(err error) bool {
	var apiErr interface{ ErrorMessage() string }
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.ErrorMessage(), "does not exist")
	}
	return false
}
