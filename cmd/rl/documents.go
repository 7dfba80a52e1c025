package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reqline/internal/app"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/pipeline"
)

func ingestCmd() *cobra.Command {
	var doc domain.Document
	cmd := &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Extract requirements from a document",
		Long:  "Splits the document on blank lines and runs every fragment through the extractor. Each fragment becomes version 1 of a new requirement in status extracted; failed fragments are listed and recorded in the document's audit trail.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(args[0])
			if err != nil {
				return err
			}
			if doc.Filename == "" {
				doc.Filename = filepath.Base(args[0])
			}
			doc.UploadedBy = actor()
			var frags []pipeline.Fragment
			for _, f := range pipeline.SplitFragments(text) {
				frags = append(frags, pipeline.Fragment{Text: f})
			}
			if len(frags) == 0 {
				return fmt.Errorf("%s has no text to extract", args[0])
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Orchestrator.IngestBatch(ctx, pipeline.IngestRequest{Document: doc, Fragments: frags, Actor: actor()})
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("Document: %s (%s)\n", res.Document.ID, res.Document.Filename)
				}
				return printBatch(res.Items, table.Row{"Requirement", "Confidence", "Recommendation"}, func(r engine.IngestResult) table.Row {
					return table.Row{r.Requirement.ID, fmt.Sprintf("%.2f", r.Requirement.OverallConfidence), r.Recommendation}
				})
			})
		},
	}
	cmd.Flags().StringVar(&doc.ID, "document-id", "", "document id (generated if omitted)")
	cmd.Flags().StringVar(&doc.Filename, "filename", "", "display filename (defaults to the file's base name)")
	return cmd
}

func readInput(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func documentCmd() *cobra.Command {
	doc := &cobra.Command{
		Use:     "document",
		Aliases: []string{"doc"},
		Short:   "Inspect documents",
	}
	doc.AddCommand(documentListCmd())
	doc.AddCommand(documentShowCmd())
	doc.AddCommand(documentStatusCmd())
	doc.AddCommand(documentTraceCmd())
	doc.AddCommand(documentApproveCmd())
	doc.AddCommand(documentEmbedCmd())
	doc.AddCommand(documentEmbeddingsCmd())
	return doc
}

func documentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				docs, err := ws.Engine.ListDocuments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Filename", "Uploaded By", "Uploaded At"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.Filename, d.UploadedBy, d.UploadedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func documentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				d, err := ws.Engine.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func documentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show requirement and test case counts by status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st, err := ws.Engine.PipelineStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Document: %s\n", st.DocumentID)
				fmt.Printf("Requirements: %d\n", st.Requirements)
				for status, c := range st.ByRequirement {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Test cases: %d\n", st.TestCases)
				for status, c := range st.ByTestCase {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

func documentTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <document-id>",
		Short: "Show the requirement to test case traceability matrix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				rows, err := ws.Engine.Traceability(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Requirement", "Status", "Test Case", "Type", "Status", "Ticket"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.RequirementCode, r.RequirementStatus, r.TestCaseCode, r.TestType, r.TestCaseStatus, r.TicketID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func documentApproveCmd() *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "approve <document-id>",
		Short: "Approve every extracted requirement at or above the confidence threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t *float64
			if cmd.Flags().Changed("threshold") {
				t = &threshold
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Orchestrator.BulkApprove(ctx, args[0], t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Approved %d requirement(s), %d unchanged\n", len(res.Approved), res.Unchanged)
				for _, id := range res.Approved {
					fmt.Println("  " + id)
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "confidence threshold (default from config)")
	return cmd
}

func documentEmbedCmd() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "embed <document-id>",
		Short: "Embed live requirements for semantic search",
		Long:  "Chunks each requirement's text and stores one vector per chunk. Re-embedding replaces the stored vectors. Requires the Gemini API key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if _, err := ws.Engine.GetDocument(ctx, args[0]); err != nil {
					return err
				}
				rs, err := ws.Orchestrator.EmbedRequirements(ctx, pipeline.EmbedRequest{DocumentID: args[0], RequirementIDs: ids, Actor: actor()})
				if err != nil {
					return err
				}
				return printBatch(rs, table.Row{"Model", "Chunks", "Dimension"}, func(e domain.Embedding) table.Row {
					return table.Row{e.Model, len(e.Chunks), e.Dimension}
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&ids, "requirement", nil, "requirement ids (default: every live requirement)")
	return cmd
}

func documentEmbeddingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embeddings <document-id>",
		Short: "Show how many live requirements are embedded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				st, err := ws.Engine.EmbeddingStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Embedded %d of %d requirement(s) (%.2f%%)\n", st.Embedded, st.Requirements, st.Percentage)
				return nil
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var req pipeline.SearchRequest
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find requirements similar to a query",
		Long:  "Embeds the query and ranks embedded live requirements by cosine similarity. Run rl document embed first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = args[0]
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				hits, err := ws.Orchestrator.Search(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hits)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Score", "Requirement", "Code", "Status", "Best Chunk"})
				for _, h := range hits {
					tw.AppendRow(table.Row{fmt.Sprintf("%.3f", h.Score), h.Requirement.ID, h.Requirement.DisplayCode(), h.Requirement.Status, truncate(h.BestChunk, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.DocumentID, "document", "", "limit to one document")
	cmd.Flags().IntVar(&req.TopK, "top", 0, "max results (default from config)")
	return cmd
}
