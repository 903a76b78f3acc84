// Package cmd implements limiterctl, the administrative command line for
// the rate limiter: stack lifecycle, namespace registry, and config/entity
// CRUD. It talks to the same store.Repository and service layers the
// runtime uses, never to a separate admin API.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/zae-limiter/internal/appconfig"
	"github.com/vitaliisemenov/zae-limiter/internal/nsregistry"
	"github.com/vitaliisemenov/zae-limiter/internal/stack"
	"github.com/vitaliisemenov/zae-limiter/internal/store"
	"github.com/vitaliisemenov/zae-limiter/internal/store/ddb"
	"github.com/vitaliisemenov/zae-limiter/pkg/logger"
)

var (
	flagTableName string
	flagRegion    string
	flagEndpoint  string
	flagNamespace string
	flagConfig    string

	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"

	appCfg    *appconfig.Config
	appLogger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "limiterctl",
	Short:         "Administer a zae-limiter deployment",
	Long:          "limiterctl manages the CloudFormation stack, namespace registry, and per-entity limits of a zae-limiter deployment.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		cfg, err := appconfig.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		appCfg = cfg
		appLogger = logger.NewLogger(logger.Config{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			Output:     cfg.Log.Output,
			Filename:   cfg.Log.Filename,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		})

		if !c.Flags().Changed("table-name") {
			flagTableName = cfg.Store.TableName
		}
		if !c.Flags().Changed("region") {
			flagRegion = cfg.Store.Region
		}
		if !c.Flags().Changed("endpoint-url") {
			flagEndpoint = cfg.Store.EndpointURL
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a limiterctl YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagTableName, "table-name", "rate_limits", "DynamoDB table name")
	rootCmd.PersistentFlags().StringVar(&flagRegion, "region", "us-east-1", "AWS region")
	rootCmd.PersistentFlags().StringVar(&flagEndpoint, "endpoint-url", "", "override the AWS endpoint, for a local DynamoDB")
	rootCmd.PersistentFlags().StringVar(&flagNamespace, "namespace", "_", "namespace id to operate against")

	rootCmd.AddCommand(deployCmd, deleteCmd, statusCmd, cfnTemplateCmd)
	rootCmd.AddCommand(namespaceCmd)
	rootCmd.AddCommand(systemCmd, resourceCmd)
	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(applyCmd)
}

// SetVersion wires build metadata into the root command's --version output.
func SetVersion(v, commit, date string) {
	version, gitCommit, buildDate = v, commit, date
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
}

// Execute runs the CLI, returning the error that should determine the
// process exit code (see ExitCode in errors.go).
func Execute() error {
	return rootCmd.Execute()
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(flagRegion)}
	if flagEndpoint != "" {
		endpoint := flagEndpoint
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region, HostnameImmutable: true}, nil
			})))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func newRepository(ctx context.Context) (store.Repository, error) {
	cfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	api := dynamodb.NewFromConfig(cfg)
	callTimeout := 10 * time.Second
	if appCfg != nil && appCfg.Store.CallTimeout > 0 {
		callTimeout = appCfg.Store.CallTimeout
	}
	return ddb.New(api, ddb.Config{Table: flagTableName, CallTimeout: callTimeout}), nil
}

func newStackManager(ctx context.Context) (*stack.Manager, error) {
	cfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return stack.New(cloudformation.NewFromConfig(cfg)), nil
}

func newNamespaceService(ctx context.Context) (*nsregistry.Service, error) {
	repo, err := newRepository(ctx)
	if err != nil {
		return nil, err
	}
	return nsregistry.New(repo), nil
}
