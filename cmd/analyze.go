package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mongopg/internal/analysis"
	"mongopg/internal/datasource/mongodb"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <migration-id>",
	Short: "Sample the source database and generate a migration plan",
	Long: `analyze samples every collection of the configured source database,
infers field types and frequencies, detects likely foreign-key
relationships, classifies migration risks, and saves a fresh plan
snapshot. Running it again produces a new snapshot; execute always uses
the newest.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		migrationID := args[0]

		store, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		params := sourceParams()
		source, err := mongodb.Connect(ctx, mongodb.BuildURI(params), params.Database)
		if err != nil {
			return fmt.Errorf("connect source %s:%d/%s: %w",
				params.Host, params.Port, params.Database, err)
		}
		defer source.Close(ctx)

		o := &analysis.Orchestrator{
			Catalog:    store,
			Logger:     log.New(os.Stderr, "", log.LstdFlags),
			SampleSize: viper.GetInt("runtime.sample_size"),
		}
		res, err := o.Analyze(ctx, migrationID, source)
		if err != nil {
			return err
		}

		fmt.Printf("Analyzed %d collections (%d fields)\n", len(res.Collections), res.Fields)
		fmt.Printf("  relationships: %d\n", res.Relationships)
		fmt.Printf("  risks:         %d\n", res.Risks)
		fmt.Printf("  plan:          %s\n", res.PlanID)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(analyzeCmd)
}
