package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		m, err := store.CreateMigration(ctx, args[0])
		if err != nil {
			return fmt.Errorf("create migration: %w", err)
		}

		fmt.Printf("Created migration %q\n", m.Name)
		fmt.Printf("  id: %s\n", m.ID)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(createCmd)
}
