package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"librarian/internal/model"
	"librarian/internal/ontology"
	"librarian/internal/storage"
)

func newRulesCommand(ctx *commandContext) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage per-user scoring rules",
	}
	rulesCmd.AddCommand(newRulesListCommand(ctx))
	rulesCmd.AddCommand(newRulesAddCommand(ctx))
	rulesCmd.AddCommand(newRulesRemoveCommand(ctx))
	rulesCmd.AddCommand(newRulesTopCommand(ctx))
	return rulesCmd
}

func newRulesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(func(s *services) error {
				rules, err := s.rules.Rules(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(rules) == 0 {
					fmt.Fprintf(out, "No rules for %s\n", args[0])
					return nil
				}
				names, err := tagNames(cmd.Context(), s.onto, rules)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(rules))
				for _, r := range rules {
					rows = append(rows, []string{
						strconv.FormatInt(r.ID, 10),
						strconv.Itoa(r.Score),
						joinTags(r.RequiredTags, names),
						joinTags(r.ExcludedTags, names),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Score", "Required", "Excluded"},
					rows,
					[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newRulesAddCommand(ctx *commandContext) *cobra.Command {
	var excluded []string
	cmd := &cobra.Command{
		Use:   "add <user> <score> [tag...]",
		Short: "Create a rule that adds score to entries carrying all tags",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.Atoi(args[1])
			if err != nil || score < 0 {
				return fmt.Errorf("invalid score %q: want a non-negative integer", args[1])
			}
			return ctx.withServices(func(s *services) error {
				rule, err := s.ranker.BuildRule(cmd.Context(), args[0], score, args[2:], excluded)
				if err != nil {
					return err
				}
				if err := s.rules.CreateOrUpdateRule(cmd.Context(), rule); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rule %d saved for %s\n", rule.ID, rule.UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&excluded, "exclude", "x", nil, "Tags that prevent the rule from firing")
	return cmd
}

func newRulesRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <user> <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[1])
			}
			return ctx.withServices(func(s *services) error {
				err := s.rules.DeleteRule(cmd.Context(), args[0], id)
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("rule %d not found for %s", id, args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rule %d removed\n", id)
				return nil
			})
		},
	}
}

func newRulesTopCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "top <user>",
		Short: "Show a user's highest scored recent entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be positive")
			}
			var since time.Time
			if window > 0 {
				since = time.Now().Add(-window)
			}
			return ctx.withServices(func(s *services) error {
				top, err := s.ranker.Top(cmd.Context(), args[0], since, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(top) == 0 {
					fmt.Fprintf(out, "No entries for %s\n", args[0])
					return nil
				}
				rows := make([][]string, 0, len(top))
				for _, se := range top {
					rows = append(rows, []string{strconv.Itoa(se.Score), se.Entry.Title, se.Entry.ExternalURL})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Score", "Title", "URL"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of entries to show")
	cmd.Flags().DurationVar(&window, "window", 7*24*time.Hour, "Only consider entries newer than this (0 for all)")
	return cmd
}

func tagNames(ctx context.Context, onto *ontology.Ontology, rules []model.Rule) (map[int64]string, error) {
	var ids []int64
	for _, r := range rules {
		ids = append(ids, r.RequiredTags...)
		ids = append(ids, r.ExcludedTags...)
	}
	found, err := onto.Tags(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(found))
	for _, t := range found {
		names[t.ID] = t.UID
	}
	return names, nil
}

func joinTags(ids []int64, names map[int64]string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, "#"+strconv.FormatInt(id, 10))
		}
	}
	return strings.Join(parts, ", ")
}
