package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reqline/internal/app"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/pipeline"
	"reqline/internal/repo"
)

func testCaseCmd() *cobra.Command {
	tc := &cobra.Command{
		Use:     "testcase",
		Aliases: []string{"tc"},
		Short:   "Generate, review and export test cases",
		Long:    "Test cases flow preview -> generated -> pushed. Rejected is final. A test case becomes stale when its requirement is edited and must be regenerated or decided again.",
	}
	tc.AddCommand(testCasePreviewCmd())
	tc.AddCommand(testCaseConfirmCmd())
	tc.AddCommand(testCaseDecideCmd())
	tc.AddCommand(testCaseRegenerateCmd())
	tc.AddCommand(testCaseJudgeCmd())
	tc.AddCommand(testCaseExportCmd())
	tc.AddCommand(testCaseListCmd())
	tc.AddCommand(testCaseShowCmd())
	tc.AddCommand(testCasePackageCmd())
	tc.AddCommand(testCaseScoresCmd())
	return tc
}

func testCaseRow(tc domain.TestCase) table.Row {
	return table.Row{tc.ID, tc.Code, tc.TestType, tc.Status}
}

var testCaseHeader = table.Row{"Test Case", "Code", "Type", "Status"}

func testCasePreviewCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "preview <requirement-id>...",
		Short: "Generate preview test cases for approved requirements",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := pipeline.PreviewRequest{RequirementIDs: args, Actor: actor()}
			for _, t := range types {
				tt := domain.TestType(strings.TrimSpace(t))
				if !tt.Valid() {
					return fmt.Errorf("unknown test type %q", t)
				}
				req.TestTypes = append(req.TestTypes, tt)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return printBatch(ws.Orchestrator.CreatePreviews(ctx, req), testCaseHeader, testCaseRow)
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "test types (default from config)")
	return cmd
}

func testCaseConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <test-case-id>...",
		Short: "Confirm previews as generated",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return printBatch(ws.Orchestrator.ConfirmPreviews(ctx, args, actor()), testCaseHeader, testCaseRow)
			})
		},
	}
}

func testCaseDecideCmd() *cobra.Command {
	var decision, reason string
	var edits []string
	cmd := &cobra.Command{
		Use:   "decide <test-case-id>",
		Short: "Approve, reject or request regeneration of a test case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseEdits(edits)
			if err != nil {
				return err
			}
			opts := engine.DecideOptions{
				TestCaseID: args[0],
				Decision:   engine.Decision(decision),
				Edits:      parsed,
				Reason:     reason,
				Actor:      actor(),
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				tc, err := ws.Orchestrator.Decide(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(tc)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve, reject or regenerate")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	cmd.Flags().StringArrayVar(&edits, "edit", []string{}, "content edit as field=value (repeatable)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func testCaseRegenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate <test-case-id>...",
		Short: "Regenerate stale test cases from the current requirement version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return printBatch(ws.Orchestrator.RequestRegeneration(ctx, args, actor()), testCaseHeader, testCaseRow)
			})
		},
	}
}

func testCaseJudgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "judge <test-case-id>...",
		Short: "Score test cases with the judge model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return printBatch(ws.Orchestrator.JudgeBatch(ctx, args), table.Row{"Rating", "Evaluation"}, func(v domain.Verdict) table.Row {
					return table.Row{v.TotalRating, truncate(v.Evaluation, 60)}
				})
			})
		},
	}
}

func testCaseExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <test-case-id>...",
		Short: "Push generated test cases to the ticket system",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return printBatch(ws.Orchestrator.ExportBatch(ctx, args, actor()), table.Row{"Ticket"}, func(ticket string) table.Row {
					return table.Row{ticket}
				})
			})
		},
	}
}

func testCaseListCmd() *cobra.Command {
	var f repo.TestCaseFilters
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List test cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.TestCaseStatus(strings.TrimSpace(s)))
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				cases, err := ws.Engine.ListTestCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Requirement", "Type", "Status", "Regens", "Ticket"})
				for _, tc := range cases {
					ticket := ""
					if tc.ExternalTicketID != nil {
						ticket = *tc.ExternalTicketID
					}
					tw.AppendRow(table.Row{tc.ID, tc.Code, tc.RequirementID, tc.TestType, tc.Status, tc.RegenerationCount, ticket})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RequirementID, "requirement", "", "requirement id")
	cmd.Flags().StringVar(&f.DocumentID, "document", "", "document id")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable or comma separated)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func testCaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <test-case-id>",
		Short: "Show a test case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				tc, err := ws.Engine.GetTestCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tc)
			})
		},
	}
}

func testCasePackageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "package <test-case-id>",
		Short: "Show a test case with its requirement and latest judge verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				pkg, err := ws.Engine.ReviewPackage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pkg)
			})
		},
	}
}

func testCaseScoresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scores <test-case-id>",
		Short: "List every judge verdict recorded for a test case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				scores, err := ws.Engine.JudgeScores(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(scores)
				}
				if !scores.Evaluated {
					fmt.Printf("%s has not been judged\n", scores.TestCaseID)
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "When", "Rating", "Feedback"})
				for _, ev := range scores.History {
					tw.AppendRow(table.Row{ev.Seq, ev.TS, ev.Payload["total_rating"], truncate(fmt.Sprint(ev.Payload["feedback"]), 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List test cases waiting for a human decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Orchestrator.GetPendingApproval(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Test Case", "Code", "Type", "Status", "Requirement", "Text"})
				for _, it := range items {
					tc := it.TestCase
					tw.AppendRow(table.Row{tc.ID, tc.Code, tc.TestType, tc.Status, it.RequirementCode, truncate(it.RequirementText, 50)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	var reviewsOnly bool
	var byActor string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <entity-id>",
		Short: "Show the audit trail of a document, requirement or test case",
		Long:  "Merges review and generation events in the order they were recorded. For a requirement the whole lineage is shown.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				if reviewsOnly || byActor != "" {
					evs, err := ws.Engine.ReviewEvents(ctx, args[0], byActor, limit)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(evs)
					}
					tw.AppendHeader(table.Row{"Seq", "TS", "Actor", "Action", "From", "To", "Error"})
					for _, ev := range evs {
						tw.AppendRow(table.Row{ev.Seq, ev.TS, ev.Actor, ev.Action, ev.FromStatus, ev.ToStatus, ev.Error})
					}
					tw.Render()
					return nil
				}
				trail, err := ws.Orchestrator.GetAuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trail)
				}
				tw.AppendHeader(table.Row{"Seq", "Stream", "Entity", "Actor", "Action", "Detail", "Error"})
				for _, e := range trail {
					switch {
					case e.Review != nil:
						ev := e.Review
						tw.AppendRow(table.Row{e.Seq, e.Stream, ev.EntityID, ev.Actor, ev.Action, transition(ev.FromStatus, ev.ToStatus), ev.Error})
					case e.Generation != nil:
						ev := e.Generation
						tw.AppendRow(table.Row{e.Seq, e.Stream, ev.EntityID, ev.Actor, ev.Operation, ev.Collaborator, ev.Error})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reviewsOnly, "reviews", false, "only review events (latest --limit when set)")
	cmd.Flags().StringVar(&byActor, "actor-filter", "", "only review events by this actor")
	cmd.Flags().IntVar(&limit, "limit", 0, "max review events")
	return cmd
}

func transition(from, to string) string {
	if from == "" && to == "" {
		return ""
	}
	return from + " -> " + to
}
