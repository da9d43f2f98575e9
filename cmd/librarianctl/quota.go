package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"librarian/internal/model"
)

func newQuotaCommand(ctx *commandContext) *cobra.Command {
	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect resource usage",
	}
	quotaCmd.AddCommand(newQuotaHistoryCommand(ctx))
	return quotaCmd
}

func newQuotaHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <user> <kind>",
		Short: "Show per-interval usage of a resource kind, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := model.ResourceKind(args[1])
			return ctx.withServices(func(s *services) error {
				limit, err := s.ledger.Limit(kind)
				if err != nil {
					return err
				}
				records, err := s.ledger.History(cmd.Context(), args[0], kind)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s for %s, limit %s per interval\n", kind, args[0], humanize.Comma(limit))
				if len(records) == 0 {
					fmt.Fprintln(out, "No usage recorded")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, r := range records {
					rows = append(rows, []string{
						r.IntervalStartedAt.Format("2006-01"),
						humanize.Comma(r.Used),
						humanize.Comma(r.Reserved),
						usagePercent(r.Total(), limit),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Interval", "Used", "Reserved", "Of limit"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}
}

func usagePercent(total, limit int64) string {
	if limit <= 0 {
		return "-"
	}
	return humanize.FormatFloat("#,###.#", float64(total)*100/float64(limit)) + "%"
}
