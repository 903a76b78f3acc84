package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/zae-limiter/internal/stack"
)

var (
	flagStackName       string
	flagSnapshotWindows string
	flagRetentionDays   int
	flagWithAggregator  bool
	flagArchiveBucket   string
	flagYes             bool
	flagWait            bool
	flagOutputFile      string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the CloudFormation stack for this table",
	RunE: func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		stackName := flagStackName
		if stackName == "" {
			stackName = stack.StackName(flagTableName)
		}
		fmt.Printf("Deploying stack: %s\n", stackName)

		mgr, err := newStackManager(ctx)
		if err != nil {
			return err
		}
		result, err := mgr.CreateStack(ctx, stack.DeployOptions{
			TableName:       flagTableName,
			StackName:       stackName,
			Region:          flagRegion,
			SnapshotWindows: flagSnapshotWindows,
			RetentionDays:   flagRetentionDays,
			WithAggregator:  flagWithAggregator,
			ArchiveBucket:   flagArchiveBucket,
			Local:           flagEndpoint != "",
		})
		if err != nil {
			return err
		}
		switch result.Status {
		case "skipped_local":
			fmt.Printf("skipped: %s\n", result.Message)
		default:
			fmt.Printf("✓ stack %s: %s\n", stackName, result.Status)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete CloudFormation stack",
	RunE: func(c *cobra.Command, args []string) error {
		if flagStackName == "" {
			return argErrorf("--stack-name is required")
		}
		if !flagYes {
			fmt.Printf("Delete stack %s? [y/N] ", flagStackName)
			var reply string
			fmt.Scanln(&reply)
			if reply != "y" && reply != "Y" {
				fmt.Println("Aborted.")
				return fmt.Errorf("aborted by user")
			}
		}

		ctx := c.Context()
		mgr, err := newStackManager(ctx)
		if err != nil {
			return err
		}
		if err := mgr.DeleteStack(ctx, flagStackName, flagWait); err != nil {
			return err
		}
		if flagWait {
			fmt.Printf("✓ stack %s deleted successfully\n", flagStackName)
		} else {
			fmt.Printf("delete initiated for stack %s\n", flagStackName)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get CloudFormation stack status",
	RunE: func(c *cobra.Command, args []string) error {
		if flagStackName == "" {
			return argErrorf("--stack-name is required")
		}
		ctx := c.Context()
		mgr, err := newStackManager(ctx)
		if err != nil {
			return err
		}
		status, found, err := mgr.GetStackStatus(ctx, flagStackName)
		if err != nil {
			return err
		}
		if !found {
			fmt.Printf("stack %s not found\n", flagStackName)
			return fmt.Errorf("stack not found")
		}
		switch {
		case status == "CREATE_COMPLETE" || status == "UPDATE_COMPLETE":
			fmt.Printf("✓ Stack is ready: %s\n", status)
		case len(status) >= len("_IN_PROGRESS") && status[len(status)-len("_IN_PROGRESS"):] == "_IN_PROGRESS":
			fmt.Printf("⏳ %s\n", status)
		default:
			fmt.Printf("✗ %s\n", status)
			return fmt.Errorf("stack in non-ready state: %s", status)
		}
		return nil
	},
}

var cfnTemplateCmd = &cobra.Command{
	Use:   "cfn-template",
	Short: "Export CloudFormation template",
	RunE: func(c *cobra.Command, args []string) error {
		body, err := stack.Render(stack.TemplateOptions{
			TableName:       flagTableName,
			SnapshotWindows: flagSnapshotWindows,
			RetentionDays:   flagRetentionDays,
			WithAggregator:  flagWithAggregator,
			ArchiveBucket:   flagArchiveBucket,
		})
		if err != nil {
			return err
		}
		if flagOutputFile == "" {
			fmt.Print(body)
			return nil
		}
		if err := os.WriteFile(flagOutputFile, []byte(body), 0o644); err != nil {
			return fmt.Errorf("writing template: %w", err)
		}
		fmt.Printf("Template exported to: %s\n", flagOutputFile)
		return nil
	},
}

func init() {
	deployCmd.Flags().StringVar(&flagStackName, "stack-name", "", "CloudFormation stack name (defaults to zae-limiter-<table-name>)")
	deployCmd.Flags().StringVar(&flagSnapshotWindows, "snapshot-windows", "hourly", "aggregator usage snapshot window: hourly or daily")
	deployCmd.Flags().IntVar(&flagRetentionDays, "retention-days", 90, "audit/usage retention before archival")
	deployCmd.Flags().BoolVar(&flagWithAggregator, "aggregator", true, "provision the stream aggregator Lambda")
	deployCmd.Flags().Bool("no-aggregator", false, "skip provisioning the stream aggregator Lambda")
	deployCmd.Flags().StringVar(&flagArchiveBucket, "archive-bucket", "", "S3 bucket for gzip JSONL audit archival")
	deployCmd.PreRun = func(c *cobra.Command, args []string) {
		if noAgg, _ := c.Flags().GetBool("no-aggregator"); noAgg {
			flagWithAggregator = false
		}
		if !c.Flags().Changed("archive-bucket") && appCfg != nil && appCfg.Aggregator.ArchiveBucket != "" {
			flagArchiveBucket = appCfg.Aggregator.ArchiveBucket
		}
	}

	deleteCmd.Flags().StringVar(&flagStackName, "stack-name", "", "CloudFormation stack name")
	deleteCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip the confirmation prompt")
	deleteCmd.Flags().BoolVar(&flagWait, "wait", true, "block until the stack is fully deleted")
	deleteCmd.Flags().Bool("no-wait", false, "return immediately after the delete is initiated")
	deleteCmd.PreRun = func(c *cobra.Command, args []string) {
		if noWait, _ := c.Flags().GetBool("no-wait"); noWait {
			flagWait = false
		}
	}

	statusCmd.Flags().StringVar(&flagStackName, "stack-name", "", "CloudFormation stack name")

	cfnTemplateCmd.Flags().StringVar(&flagOutputFile, "output", "", "write the template to this path instead of stdout")
	cfnTemplateCmd.Flags().BoolVar(&flagWithAggregator, "aggregator", true, "include the stream aggregator Lambda resources")
	cfnTemplateCmd.Flags().StringVar(&flagArchiveBucket, "archive-bucket", "", "S3 bucket referenced by the aggregator's IAM policy")
}
