package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/zae-limiter/internal/store"
)

var (
	systemLimit       limitFlags
	resourceLimit     limitFlags
	flagOnUnavailable string
)

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Manage the system-wide default limits",
}

var systemSetCmd = &cobra.Command{
	Use:   "set-defaults",
	Short: "Set a system-wide default limit",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		rec, err := systemLimit.toConfigRecord(store.ScopeSystem, "", "", flagOnUnavailable)
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
		fmt.Printf("system default %s set\n", systemLimit.name)
		return nil
	},
}

var systemGetCmd = &cobra.Command{
	Use:   "get-defaults",
	Short: "Show the system-wide default limits",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		rec, ok, err := repo.GetConfig(c.Context(), flagNamespace, store.ScopeSystem, "", "")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("no system defaults set")
			return nil
		}
		printConfigRecord(*rec)
		return nil
	},
}

var systemDeleteCmd = &cobra.Command{
	Use:   "delete-defaults",
	Short: "Remove the system-wide default limits",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		if err := repo.DeleteConfig(c.Context(), flagNamespace, store.ScopeSystem, "", ""); err != nil {
			return err
		}
		fmt.Println("system defaults removed")
		return nil
	},
}

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage per-resource default limits",
}

var resourceSetCmd = &cobra.Command{
	Use:   "set-defaults <resource>",
	Short: "Set a per-resource default limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		rec, err := resourceLimit.toConfigRecord(store.ScopeResource, args[0], "", "")
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
		fmt.Printf("resource %s default %s set\n", args[0], resourceLimit.name)
		return nil
	},
}

var resourceGetCmd = &cobra.Command{
	Use:   "get-defaults <resource>",
	Short: "Show a resource's default limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		rec, ok, err := repo.GetConfig(c.Context(), flagNamespace, store.ScopeResource, args[0], "")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("no defaults set for resource %s\n", args[0])
			return nil
		}
		printConfigRecord(*rec)
		return nil
	},
}

var resourceDeleteCmd = &cobra.Command{
	Use:   "delete-defaults <resource>",
	Short: "Remove a resource's default limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		if err := repo.DeleteConfig(c.Context(), flagNamespace, store.ScopeResource, args[0], ""); err != nil {
			return err
		}
		fmt.Printf("defaults removed for resource %s\n", args[0])
		return nil
	},
}

var resourceListCmd = &cobra.Command{
	Use:   "list <resource>",
	Short: "List every entity id that has ever touched a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		repo, err := newRepository(c.Context())
		if err != nil {
			return err
		}
		entities, err := repo.QueryResourceEntities(c.Context(), flagNamespace, args[0])
		if err != nil {
			return err
		}
		for _, entityID := range entities {
			fmt.Println(entityID)
		}
		return nil
	},
}

func printConfigRecord(rec store.ConfigRecord) {
	if rec.OnUnavailable != "" {
		fmt.Printf("on_unavailable=%s\n", rec.OnUnavailable)
	}
	for name, lc := range rec.Limits {
		fmt.Printf("%s: capacity=%d burst=%d refill_amount=%d refill_period_ms=%d\n",
			name, lc.CapacityMilli/1000, lc.BurstMilli/1000, lc.RefillAmountMilli/1000, lc.RefillPeriodMs)
	}
}

func init() {
	registerLimitFlags(systemSetCmd.Flags(), &systemLimit)
	systemSetCmd.Flags().StringVar(&flagOnUnavailable, "on-unavailable", "fail_closed", "policy when the store is unreachable: fail_open or fail_closed")

	registerLimitFlags(resourceSetCmd.Flags(), &resourceLimit)

	systemCmd.AddCommand(systemSetCmd, systemGetCmd, systemDeleteCmd)
	resourceCmd.AddCommand(resourceSetCmd, resourceGetCmd, resourceDeleteCmd, resourceListCmd)
}
