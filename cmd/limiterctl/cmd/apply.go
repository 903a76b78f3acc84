package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/zae-limiter/internal/applier"
)

var flagManifestPath string

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a declarative limits manifest to the store",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		if flagManifestPath == "" {
			return argErrorf("--file is required")
		}
		doc, err := os.ReadFile(flagManifestPath)
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}
		manifest, err := applier.ParseManifest(doc)
		if err != nil {
			return err
		}

		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		result, changes, err := applier.Apply(c.Context(), repo, manifest.Namespace, manifest, time.Now(), appLogger)
		if err != nil {
			return err
		}
		fmt.Printf("applied %s: %d created, %d updated, %d deleted\n", flagManifestPath, result.Created, result.Updated, result.Deleted)
		for _, failure := range result.Errors {
			fmt.Println("  error:", failure)
		}
		if len(changes) == 0 {
			fmt.Println("no changes")
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("%d change(s) failed to apply", len(result.Errors))
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().StringVar(&flagManifestPath, "file", "", "path to the YAML limits manifest")
}
