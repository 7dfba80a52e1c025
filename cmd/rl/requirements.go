package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reqline/internal/app"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/repo"
)

func requirementCmd() *cobra.Command {
	req := &cobra.Command{
		Use:     "requirement",
		Aliases: []string{"req"},
		Short:   "Review requirements",
		Long:    "Requirements move extracted -> in_review -> approved, or to needs_author when returned. Editing an approved requirement creates a new version and marks the previous version's open test cases stale. Archive retires a requirement for good.",
	}
	req.AddCommand(requirementListCmd())
	req.AddCommand(requirementShowCmd())
	req.AddCommand(requirementReviewCmd())
	req.AddCommand(requirementArchiveCmd())
	return req
}

func requirementListCmd() *cobra.Command {
	var f repo.RequirementFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List current requirement versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.RequirementStatus(status)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				reqs, err := ws.Engine.ListRequirements(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Version", "Status", "Confidence", "Text"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.ID, r.DisplayCode(), r.Version, r.Status, fmt.Sprintf("%.2f", r.OverallConfidence), truncate(r.RawText, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DocumentID, "document", "", "document id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "all", false, "include archived requirements")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func requirementShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <requirement-id>",
		Short: "Show a requirement version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r, err := ws.Engine.GetRequirement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func requirementReviewCmd() *cobra.Command {
	var opts engine.ReviewOptions
	var edits []string
	cmd := &cobra.Command{
		Use:   "review <requirement-id>",
		Short: "Record a human review",
		Long:  "Applies field edits and a reviewer confidence. The resulting status follows the confidence threshold unless --return-to-author is set.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseEdits(edits)
			if err != nil {
				return err
			}
			opts.RequirementID = args[0]
			opts.Edits = parsed
			opts.Actor = actor()
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Orchestrator.ReviewRequirement(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				r := res.Requirement
				fmt.Printf("Requirement %s v%d is %s\n", r.ID, r.Version, r.Status)
				if res.PreviousID != "" && res.PreviousID != r.ID {
					fmt.Printf("Supersedes %s\n", res.PreviousID)
				}
				for _, id := range res.Staled {
					fmt.Printf("  stale: %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&opts.ReviewerConfidence, "confidence", 1, "reviewer confidence in [0,1]")
	cmd.Flags().StringArrayVar(&edits, "edit", []string{}, "field edit as field=value (repeatable)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "review note")
	cmd.Flags().BoolVar(&opts.ReturnToAuthor, "return-to-author", false, "send back to the author")
	return cmd
}

func requirementArchiveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "archive <requirement-id>",
		Short: "Archive a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r, err := ws.Orchestrator.Archive(ctx, args[0], actor(), note)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "reason")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
