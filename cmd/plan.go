package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mongopg/internal/catalog"
)

var planCmd = &cobra.Command{
	Use:   "plan <migration-id>",
	Short: "Print the latest migration plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		snap, err := store.LatestPlan(ctx, args[0])
		if errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("migration %s has no plan; run analyze first", args[0])
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "plan %s (%s, created %s)\n",
			snap.ID, snap.Status, snap.CreatedAt.Format("2006-01-02 15:04:05"))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Document)
	},
}

func init() {
	RootCmd.AddCommand(planCmd)
}
