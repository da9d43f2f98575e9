package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var dbFlag string
	var pipelineFlag string

	ctx := newCommandContext(&dbFlag, &pipelineFlag)

	rootCmd := &cobra.Command{
		Use:           "librarianctl",
		Short:         "Administer a librarian database",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	defaultDB := os.Getenv("DATABASE_PATH")
	if defaultDB == "" {
		defaultDB = "./data/librarian.db"
	}
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", defaultDB, "Path to the librarian SQLite database")
	rootCmd.PersistentFlags().StringVarP(&pipelineFlag, "pipeline", "p", os.Getenv("PIPELINE_CONFIG"), "Pipeline configuration file (built-in sample when empty)")

	rootCmd.AddCommand(newFailedCommand(ctx))
	rootCmd.AddCommand(newRulesCommand(ctx))
	rootCmd.AddCommand(newQuotaCommand(ctx))
	rootCmd.AddCommand(newKeysCommand(ctx))
	rootCmd.AddCommand(newTagsCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))

	return rootCmd
}
