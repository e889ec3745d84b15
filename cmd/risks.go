package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var risksCmd = &cobra.Command{
	Use:   "risks <migration-id>",
	Short: "List the risks found by the last analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		risks, err := store.RisksByMigration(ctx, args[0])
		if err != nil {
			return err
		}
		if len(risks) == 0 {
			fmt.Println("No risks recorded; run analyze first or the schema is clean.")
			return nil
		}

		for i, r := range risks {
			fmt.Printf("[%02d] %s/%s (%s)\n", i+1, r.Category, r.Severity,
				strings.Join(r.AffectedCollections, ", "))
			fmt.Printf("     %s\n", r.Description)
			fmt.Printf("     mitigation: %s\n", r.Mitigation)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(risksCmd)
}
