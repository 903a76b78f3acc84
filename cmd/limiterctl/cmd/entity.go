package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

var (
	entityLimit    limitFlags
	flagParentID   string
	flagEntityRes  string
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Manage entities and their per-resource limit overrides",
}

var entityCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create an entity, optionally as a cascade child of another entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		rec := store.EntityRecord{ID: args[0], ParentID: flagParentID, CreatedAt: time.Now()}
		if err := repo.PutEntity(c.Context(), flagNamespace, rec); err != nil {
			return err
		}
		fmt.Printf("created entity %s\n", args[0])
		return nil
	},
}

var entityGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show an entity's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		rec, ok, err := repo.GetEntity(c.Context(), flagNamespace, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("entity not found: %s", args[0])
		}
		fmt.Printf("id=%s parent_id=%s created_at=%s\n", rec.ID, rec.ParentID, rec.CreatedAt)
		return nil
	},
}

var entityDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an entity and every bucket/config/audit row it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		if err := repo.DeleteEntityCascade(c.Context(), flagNamespace, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted entity %s\n", args[0])
		return nil
	},
}

var entityShardsCmd = &cobra.Command{
	Use:   "shards <id>",
	Short: "List every bucket shard an entity owns, across all resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		shards, err := repo.QueryEntityShards(c.Context(), flagNamespace, args[0])
		if err != nil {
			return err
		}
		if len(shards) == 0 {
			fmt.Printf("no shards for entity %s\n", args[0])
			return nil
		}
		for _, key := range shards {
			fmt.Printf("resource=%s shard=%d\n", key.Resource, key.Shard)
		}
		return nil
	},
}

var entitySetLimitsCmd = &cobra.Command{
	Use:   "set-limits <id>",
	Short: "Set an entity's limit override for one resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		if flagEntityRes == "" {
			return argErrorf("--resource is required")
		}
		rec, err := entityLimit.toConfigRecord(store.ScopeEntity, flagEntityRes, args[0], "")
		if err != nil {
			return err
		}
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		if err := repo.PutConfig(c.Context(), flagNamespace, rec); err != nil {
			return err
		}
		fmt.Printf("entity %s limit %s set for resource %s\n", args[0], entityLimit.name, flagEntityRes)
		return nil
	},
}

var entityGetLimitsCmd = &cobra.Command{
	Use:   "get-limits <id>",
	Short: "Show an entity's limit override for one resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		if flagEntityRes == "" {
			return argErrorf("--resource is required")
		}
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		rec, ok, err := repo.GetConfig(c.Context(), flagNamespace, store.ScopeEntity, flagEntityRes, args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("no override set for entity %s resource %s\n", args[0], flagEntityRes)
			return nil
		}
		printConfigRecord(*rec)
		return nil
	},
}

var entityDeleteLimitsCmd = &cobra.Command{
	Use:   "delete-limits <id>",
	Short: "Remove an entity's limit override for one resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		if flagEntityRes == "" {
			return argErrorf("--resource is required")
		}
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		if err := repo.DeleteConfig(c.Context(), flagNamespace, store.ScopeEntity, flagEntityRes, args[0]); err != nil {
			return err
		}
		fmt.Printf("override removed for entity %s resource %s\n", args[0], flagEntityRes)
		return nil
	},
}

func init() {
	entityCreateCmd.Flags().StringVar(&flagParentID, "parent", "", "parent entity id, walked by cascade acquires")

	registerLimitFlags(entitySetLimitsCmd.Flags(), &entityLimit)
	for _, c := range []*cobra.Command{entitySetLimitsCmd, entityGetLimitsCmd, entityDeleteLimitsCmd} {
		c.Flags().StringVar(&flagEntityRes, "resource", "", "resource the limit override applies to")
	}

	entityCmd.AddCommand(
		entityCreateCmd,
		entityGetCmd,
		entityDeleteCmd,
		entityShardsCmd,
		entitySetLimitsCmd,
		entityGetLimitsCmd,
		entityDeleteLimitsCmd,
	)
}
