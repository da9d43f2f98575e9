package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"librarian/internal/model"
)

var stateOrder = []model.EntryStateKind{
	model.StatePending,
	model.StateProcessing,
	model.StateProcessed,
	model.StateSkipped,
	model.StateFailed,
}

func newFailedCommand(ctx *commandContext) *cobra.Command {
	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and requeue entries a processor failed on",
	}
	failedCmd.AddCommand(newFailedCountCommand(ctx))
	failedCmd.AddCommand(newFailedReprocessCommand(ctx))
	return failedCmd
}

func newFailedCountCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "count <processor>",
		Short: "Show entry counts per processing state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := ctx.resolveProcessor(args[0])
			if err != nil {
				return err
			}
			return ctx.withServices(func(s *services) error {
				counts, err := s.store.CountEntryStates(cmd.Context(), pc.ID)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(stateOrder))
				for _, st := range stateOrder {
					rows = append(rows, []string{string(st), strconv.Itoa(counts[st])})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Processor %d (%s)\n", pc.ID, pc.Name)
				fmt.Fprintln(out, renderTable([]string{"State", "Entries"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func newFailedReprocessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <processor>",
		Short: "Return every failed entry of a processor to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := ctx.resolveProcessor(args[0])
			if err != nil {
				return err
			}
			return ctx.withServices(func(s *services) error {
				n, err := s.store.ReprocessFailed(cmd.Context(), pc.ID)
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No failed entries for %s\n", pc.Name)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed entries for %s\n", n, pc.Name)
				return nil
			})
		},
	}
}
