package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Manage tenant namespaces",
}

var namespaceRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a namespace, idempotently",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		svc, err := newNamespaceService(c.Context())
		if err != nil {
			return err
		}
		id, err := svc.Register(c.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", args[0], id)
		return nil
	},
}

var namespaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active namespaces",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		svc, err := newNamespaceService(c.Context())
		if err != nil {
			return err
		}
		list, err := svc.List(c.Context())
		if err != nil {
			return err
		}
		for _, ns := range list {
			fmt.Printf("%s\t%s\t%s\n", ns.ID, ns.Name, ns.Status)
		}
		return nil
	},
}

var namespaceShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		svc, err := newNamespaceService(c.Context())
		if err != nil {
			return err
		}
		rec, err := svc.Show(c.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("id=%s name=%s status=%s created_at=%s\n", rec.ID, rec.Name, rec.Status, rec.CreatedAt)
		return nil
	},
}

var namespaceDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Soft-delete a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		svc, err := newNamespaceService(c.Context())
		if err != nil {
			return err
		}
		if err := svc.Delete(c.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var namespaceRecoverCmd = &cobra.Command{
	Use:   "recover <id>",
	Short: "Recover a soft-deleted namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		svc, err := newNamespaceService(c.Context())
		if err != nil {
			return err
		}
		if err := svc.Recover(c.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("recovered %s\n", args[0])
		return nil
	},
}

var namespaceOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List soft-deleted namespaces not yet purged",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		svc, err := newNamespaceService(c.Context())
		if err != nil {
			return err
		}
		orphans, err := svc.Orphans(c.Context())
		if err != nil {
			return err
		}
		for _, ns := range orphans {
			fmt.Printf("%s\t%s\tdeleted_at=%s\n", ns.ID, ns.Name, ns.DeletedAt)
		}
		return nil
	},
}

var namespacePurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Hard-delete a namespace and every row it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		svc, err := newNamespaceService(c.Context())
		if err != nil {
			return err
		}
		if !flagYes {
			fmt.Printf("Purge is irreversible. Purge namespace %s? [y/N] ", args[0])
			var reply string
			fmt.Scanln(&reply)
			if reply != "y" && reply != "Y" {
				fmt.Println("Aborted.")
				return fmt.Errorf("aborted by user")
			}
		}
		if err := svc.Purge(c.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("purged %s\n", args[0])
		return nil
	},
}

func init() {
	namespacePurgeCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip the confirmation prompt")
	namespaceCmd.AddCommand(
		namespaceRegisterCmd,
		namespaceListCmd,
		namespaceShowCmd,
		namespaceDeleteCmd,
		namespaceRecoverCmd,
		namespaceOrphansCmd,
		namespacePurgeCmd,
	)
}
