// Package stack renders and drives the CloudFormation stack that provisions
// the wide-row table (and, optionally, the stream aggregator's Lambda) this
// system runs against. It is deliberately the thinnest layer in the tree:
// the table schema it emits must match internal/keys byte for byte, since
// that package is the only other place the attribute names are spelled out.
package stack

import (
	"bytes"
	"fmt"
	"text/template"
)

// TemplateOptions parameterises the emitted CloudFormation template.
type TemplateOptions struct {
	TableName        string
	SnapshotWindows  string // "hourly" | "daily", only used in the aggregator's env
	RetentionDays    int
	WithAggregator   bool
	ArchiveBucket    string
}

const templateBody = `AWSTemplateFormatVersion: '2010-09-09'
Description: >-
  Wide-row rate limiter table{{if .WithAggregator}} and stream aggregator{{end}}.

Resources:
  RateLimitsTable:
    Type: AWS::DynamoDB::Table
    Properties:
      TableName: {{.TableName}}
      BillingMode: PAY_PER_REQUEST
      AttributeDefinitions:
        - AttributeName: pk
          AttributeType: S
        - AttributeName: sk
          AttributeType: S
        - AttributeName: gsi2pk
          AttributeType: S
        - AttributeName: gsi2sk
          AttributeType: S
        - AttributeName: gsi3pk
          AttributeType: S
        - AttributeName: gsi3sk
          AttributeType: S
        - AttributeName: gsi4pk
          AttributeType: S
      KeySchema:
        - AttributeName: pk
          KeyType: HASH
        - AttributeName: sk
          KeyType: RANGE
      GlobalSecondaryIndexes:
        - IndexName: gsi2
          KeySchema:
            - AttributeName: gsi2pk
              KeyType: HASH
            - AttributeName: gsi2sk
              KeyType: RANGE
          Projection:
            ProjectionType: ALL
        - IndexName: gsi3
          KeySchema:
            - AttributeName: gsi3pk
              KeyType: HASH
            - AttributeName: gsi3sk
              KeyType: RANGE
          Projection:
            ProjectionType: ALL
        - IndexName: gsi4
          KeySchema:
            - AttributeName: gsi4pk
              KeyType: HASH
          Projection:
            ProjectionType: ALL
      TimeToLiveSpecification:
        AttributeName: ttl
        Enabled: true
      StreamSpecification:
        StreamViewType: NEW_AND_OLD_IMAGES
{{if .WithAggregator}}
  AggregatorExecutionRole:
    Type: AWS::IAM::Role
    Properties:
      AssumeRolePolicyDocument:
        Version: '2012-10-17'
        Statement:
          - Effect: Allow
            Principal:
              Service: lambda.amazonaws.com
            Action: sts:AssumeRole
      ManagedPolicyArns:
        - arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole
      Policies:
        - PolicyName: aggregator-access
          PolicyDocument:
            Version: '2012-10-17'
            Statement:
              - Effect: Allow
                Action:
                  - dynamodb:GetItem
                  - dynamodb:PutItem
                  - dynamodb:UpdateItem
                  - dynamodb:GetRecords
                  - dynamodb:GetShardIterator
                  - dynamodb:DescribeStream
                  - dynamodb:ListStreams
                Resource: '*'
              - Effect: Allow
                Action:
                  - s3:PutObject
                Resource: 'arn:aws:s3:::{{.ArchiveBucket}}/*'

  AggregatorFunction:
    Type: AWS::Lambda::Function
    Properties:
      Runtime: provided.al2023
      Handler: bootstrap
      Role: !GetAtt AggregatorExecutionRole.Arn
      Code:
        ZipFile: "placeholder"
      Environment:
        Variables:
          TABLE_NAME: {{.TableName}}
          SNAPSHOT_WINDOWS: {{.SnapshotWindows}}
          RETENTION_DAYS: {{.RetentionDays}}
          ARCHIVE_BUCKET: {{.ArchiveBucket}}

  AggregatorEventSourceMapping:
    Type: AWS::Lambda::EventSourceMapping
    Properties:
      EventSourceArn: !GetAtt RateLimitsTable.StreamArn
      FunctionName: !Ref AggregatorFunction
      StartingPosition: LATEST
      BatchSize: 100
{{end}}
Outputs:
  TableName:
    Value: {{.TableName}}
  StreamArn:
    Value: !GetAtt RateLimitsTable.StreamArn
`

var parsedTemplate = template.Must(template.New("cfn").Parse(templateBody))

// Render produces the CloudFormation template text for opts.
func Render(opts TemplateOptions) (string, error) {
	if opts.TableName == "" {
		return "", fmt.Errorf("stack: table name is required to render a template")
	}
	if opts.SnapshotWindows == "" {
		opts.SnapshotWindows = "hourly"
	}
	if opts.RetentionDays == 0 {
		opts.RetentionDays = 90
	}
	var buf bytes.Buffer
	if err := parsedTemplate.Execute(&buf, opts); err != nil {
		return "", fmt.Errorf("stack: rendering template: %w", err)
	}
	return buf.String(), nil
}
