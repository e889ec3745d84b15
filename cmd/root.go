// Package cmd wires the CLI: configuration resolution and the migration
// subcommands (create, analyze, plan, execute).
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mongopg/internal/catalog"
	"mongopg/internal/datasource/mongodb"
	"mongopg/internal/target/postgres"
)

var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "mongopg",
	Short: "MongoDB to PostgreSQL migration tool",
	Long: `mongopg infers a relational schema from a MongoDB database, generates a
migration plan (tables, foreign keys, indexes), and executes the plan
against PostgreSQL with per-table progress tracking.

Typical flow:

  mongopg create shop
  mongopg analyze <migration-id>
  mongopg plan <migration-id>
  mongopg execute <migration-id>`,
	SilenceUsage: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mongopg.yaml)")
	RootCmd.PersistentFlags().String("catalog", "", "catalog database path")
	_ = viper.BindPFlag("catalog.path", RootCmd.PersistentFlags().Lookup("catalog"))

	viper.SetDefault("catalog.path", "mongopg.db")
	viper.SetDefault("source.port", 27017)
	viper.SetDefault("target.port", 5432)
	viper.SetDefault("runtime.workers", 4)
	viper.SetDefault("runtime.sample_size", 100)
	viper.SetDefault("runtime.batch_size", 500)
}

// initConfig reads in the config file and matching environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("mongopg")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func openCatalog(ctx context.Context) (*catalog.SQLite, error) {
	store, err := catalog.OpenSQLite(ctx, viper.GetString("catalog.path"))
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", viper.GetString("catalog.path"), err)
	}
	return store, nil
}

func sourceParams() mongodb.Params {
	return mongodb.Params{
		Host:       viper.GetString("source.host"),
		Port:       viper.GetInt("source.port"),
		Database:   viper.GetString("source.database"),
		Username:   viper.GetString("source.username"),
		Password:   viper.GetString("source.password"),
		AuthSource: viper.GetString("source.auth_source"),
	}
}

func targetConfig() postgres.Config {
	return postgres.Config{
		Host:     viper.GetString("target.host"),
		Port:     viper.GetInt("target.port"),
		Database: viper.GetString("target.database"),
		Username: viper.GetString("target.username"),
		Password: viper.GetString("target.password"),
	}
}
