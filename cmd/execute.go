package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mongopg/internal/catalog"
	"mongopg/internal/executor"
	"mongopg/internal/metrics"
	ddbackend "mongopg/internal/metrics/datadog"
)

var executeCmd = &cobra.Command{
	Use:   "execute <migration-id>",
	Short: "Execute the latest migration plan",
	Long: `execute runs the migration's newest plan: it creates every target table,
then migrates the tables concurrently over a bounded worker pool while
rendering per-table progress. The exit status reflects the run outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		migrationID := args[0]

		store, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		var backend metrics.Backend = metrics.Nop{}
		if viper.GetBool("metrics.datadog") {
			dd := ddbackend.New(ctx, ddbackend.Options{JobName: "mongopg"})
			defer func() { _ = dd.Close() }()
			backend = dd
		}

		engine := &executor.Engine{
			Catalog:   store,
			Pool:      executor.NewPool(viper.GetInt("runtime.workers")),
			Logger:    log.New(os.Stderr, "", log.LstdFlags),
			Metrics:   backend,
			BatchSize: viper.GetInt("runtime.batch_size"),
		}

		handle, err := engine.Execute(ctx, migrationID, sourceParams(), targetConfig())
		if err != nil {
			return err
		}
		run := handle.Run()
		fmt.Printf("Run %s started\n", run.ID)

		renderProgress(ctx, store, handle)

		final, err := handle.Wait(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Run %s finished: %s\n", final.ID, final.Status)
		if final.Status != catalog.RunCompleted {
			return fmt.Errorf("run %s ended with status %s", final.ID, final.Status)
		}
		return nil
	},
}

// renderProgress polls the run's progress rows and renders one bar per
// table until the run is terminal.
func renderProgress(ctx context.Context, store catalog.Store, handle *executor.RunHandle) {
	runID := handle.Run().ID

	uiprogress.Start()
	defer uiprogress.Stop()

	var mu sync.Mutex
	statuses := map[string]catalog.ProgressStatus{}
	bars := map[string]*uiprogress.Bar{}

	refresh := func() {
		rows, err := store.ProgressByRun(ctx, runID)
		if err != nil {
			return
		}
		for _, row := range rows {
			mu.Lock()
			statuses[row.Table] = row.Status
			mu.Unlock()

			bar, ok := bars[row.Table]
			if !ok {
				table := row.Table
				bar = uiprogress.AddBar(1).AppendCompleted()
				bar.PrependFunc(func(b *uiprogress.Bar) string {
					mu.Lock()
					defer mu.Unlock()
					return fmt.Sprintf("%-20s %-7s", table, statuses[table])
				})
				bars[row.Table] = bar
			}
			if total := int(row.RowsTotal); total > 1 && bar.Total != total {
				bar.Total = total
			}
			target := int(row.RowsProcessed)
			if row.Status == catalog.ProgressDone {
				target = bar.Total
			}
			for bar.Current() < target {
				bar.Incr()
			}
		}
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-handle.Done():
			refresh()
			return
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	RootCmd.AddCommand(executeCmd)
}
