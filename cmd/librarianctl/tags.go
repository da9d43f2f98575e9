package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"librarian/internal/model"
	"librarian/internal/tags"
)

func newTagsCommand(ctx *commandContext) *cobra.Command {
	tagsCmd := &cobra.Command{
		Use:   "tags",
		Short: "Inspect the tag ontology",
	}
	tagsCmd.AddCommand(newTagsShowCommand(ctx))
	tagsCmd.AddCommand(newTagsNormalizeCommand(ctx))
	return tagsCmd
}

func newTagsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <tag>",
		Short: "Show a tag with its parents and children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid := tags.Normalize(args[0])
			if uid == "" {
				return fmt.Errorf("tag %q normalizes to nothing", args[0])
			}
			return ctx.withServices(func(s *services) error {
				ids, err := s.onto.Lookup(cmd.Context(), []string{uid})
				if err != nil {
					return err
				}
				id, ok := ids[uid]
				if !ok {
					return fmt.Errorf("tag %q not found", uid)
				}
				found, err := s.onto.Tags(cmd.Context(), []int64{id})
				if err != nil {
					return err
				}
				if len(found) == 0 {
					return fmt.Errorf("tag %q not found", uid)
				}
				parents, err := s.onto.Parents(cmd.Context(), id)
				if err != nil {
					return err
				}
				children, err := s.onto.Children(cmd.Context(), id)
				if err != nil {
					return err
				}

				tag := found[0]
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "#%d %s (%s)\n", tag.ID, tag.UID, tags.Verbose(tag.UID))
				if tag.Link != "" {
					fmt.Fprintf(out, "Link: %s\n", tag.Link)
				}
				if len(tag.Categories) > 0 {
					cats := make([]string, 0, len(tag.Categories))
					for _, c := range tag.Categories {
						cats = append(cats, string(c))
					}
					fmt.Fprintf(out, "Categories: %s\n", strings.Join(cats, ", "))
				}
				if !tag.CreatedAt.IsZero() {
					fmt.Fprintf(out, "Created: %s\n", humanize.Time(tag.CreatedAt))
				}
				fmt.Fprintf(out, "Parents: %s\n", uidList(parents))
				fmt.Fprintf(out, "Children: %s\n", uidList(children))
				return nil
			})
		},
	}
}

func newTagsNormalizeCommand(ctx *commandContext) *cobra.Command {
	var final bool
	cmd := &cobra.Command{
		Use:   "normalize <raw>...",
		Short: "Run raw tags through the configured normalizer pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := ctx.ensurePipeline()
			if err != nil {
				return err
			}
			normalizer, err := tags.BuildPipeline(pipeline.EnabledNormalizers())
			if err != nil {
				return fmt.Errorf("build tag pipeline: %w", err)
			}
			mode := tags.ModeRaw
			if final {
				mode = tags.ModeFinal
			}
			rows := make([][]string, 0, len(args))
			for _, raw := range args {
				result := normalizer.Normalize([]tags.RawTag{{Raw: raw, Mode: mode}})
				uids := make([]string, 0, len(result))
				for _, t := range result {
					uids = append(uids, t.UID)
				}
				rows = append(rows, []string{raw, strings.Join(uids, ", ")})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Raw", "Canonical"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&final, "final", false, "Only convert the tags, skipping the normalizers")
	return cmd
}

func uidList(list []model.Tag) string {
	if len(list) == 0 {
		return "-"
	}
	uids := make([]string, 0, len(list))
	for _, t := range list {
		uids = append(uids, t.UID)
	}
	slices.Sort(uids)
	return strings.Join(uids, ", ")
}
