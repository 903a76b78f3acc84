package stack

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

type fakeAPIError struct{ msg string }

func (e *fakeAPIError) Error() string        { return e.msg }
func (e *fakeAPIError) ErrorMessage() string { return e.msg }

type fakeCFN struct {
	createErr   error
	createID    string
	deleteErr   error
	stacks      []string // statuses returned in order, one per DescribeStacks call
	describeErr error
	calls       int
}

func (f *fakeCFN) CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := f.createID
	return &cloudformation.CreateStackOutput{StackId: &id}, nil
}

func (f *fakeCFN) DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, opts ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	return &cloudformation.DeleteStackOutput{}, f.deleteErr
}

func (f *fakeCFN) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if f.calls >= len(f.stacks) {
		return nil, &fakeAPIError{msg: "Stack with id test does not exist"}
	}
	status := f.stacks[f.calls]
	f.calls++
	return &cloudformation.DescribeStacksOutput{Stacks: []cfntypes.Stack{{StackStatus: cfntypes.StackStatus(status)}}}, nil
}

func TestRenderIncludesCoreTableShape(t *testing.T) {
	body, err := Render(TemplateOptions{TableName: "rate_limits"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"AWSTemplateFormatVersion", "AWS::DynamoDB::Table", "rate_limits", "gsi2pk", "gsi3pk", "gsi4pk"} {
		if !strings.Contains(body, want) {
			t.Fatalf("rendered template missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "AggregatorFunction") {
		t.Fatalf("expected no aggregator resources when WithAggregator is false")
	}
}

func TestRenderWithAggregatorIncludesLambda(t *testing.T) {
	body, err := Render(TemplateOptions{TableName: "rate_limits", WithAggregator: true, ArchiveBucket: "audit-bucket"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"AggregatorFunction", "AggregatorEventSourceMapping", "audit-bucket"} {
		if !strings.Contains(body, want) {
			t.Fatalf("rendered template missing %q", want)
		}
	}
}

func TestRenderRequiresTableName(t *testing.T) {
	if _, err := Render(TemplateOptions{}); err == nil {
		t.Fatal("expected error for empty table name")
	}
}

func TestCreateStackSkipsLocal(t *testing.T) {
	m := New(&fakeCFN{})
	result, err := m.CreateStack(context.Background(), DeployOptions{TableName: "t", Local: true})
	if err != nil {
		t.Fatalf("CreateStack: %v", err)
	}
	if result.Status != "skipped_local" {
		t.Fatalf("status = %q, want skipped_local", result.Status)
	}
}

func TestCreateStackReturnsStackID(t *testing.T) {
	m := New(&fakeCFN{createID: "arn:aws:cloudformation:us-east-1:123:stack/zae-limiter-t/abc"})
	result, err := m.CreateStack(context.Background(), DeployOptions{TableName: "t"})
	if err != nil {
		t.Fatalf("CreateStack: %v", err)
	}
	if result.StackID == "" {
		t.Fatal("expected a stack id")
	}
}

func TestCreateStackWrapsFailure(t *testing.T) {
	m := New(&fakeCFN{createErr: errors.New("boom")})
	if _, err := m.CreateStack(context.Background(), DeployOptions{TableName: "t"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetStackStatusNotFound(t *testing.T) {
	m := New(&fakeCFN{})
	_, found, err := m.GetStackStatus(context.Background(), "missing-stack")
	if err != nil {
		t.Fatalf("GetStackStatus: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a missing stack")
	}
}

func TestGetStackStatusFound(t *testing.T) {
	m := New(&fakeCFN{stacks: []string{"CREATE_COMPLETE"}})
	status, found, err := m.GetStackStatus(context.Background(), "test-stack")
	if err != nil {
		t.Fatalf("GetStackStatus: %v", err)
	}
	if !found || status != "CREATE_COMPLETE" {
		t.Fatalf("status=%q found=%v, want CREATE_COMPLETE/true", status, found)
	}
}

func TestDeleteStackNoWaitReturnsImmediately(t *testing.T) {
	m := New(&fakeCFN{})
	if err := m.DeleteStack(context.Background(), "test-stack", false); err != nil {
		t.Fatalf("DeleteStack: %v", err)
	}
}

func TestDeleteStackWaitsForDisappearance(t *testing.T) {
	m := New(&fakeCFN{stacks: []string{"DELETE_IN_PROGRESS"}})
	m.pollInterval = time.Millisecond
	if err := m.DeleteStack(context.Background(), "test-stack", true); err != nil {
		t.Fatalf("DeleteStack: %v", err)
	}
}
