package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reqline/internal/app"
	"reqline/internal/db"
)

var (
	logger  = zap.NewNop()
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reqline CLI",
	Long: `Reqline turns requirement documents into reviewed test cases.
- Ingest: a document is split into fragments and each fragment is extracted into a requirement (status extracted).
- Review: humans approve, edit or return requirements to the author; an edit creates a new version and marks the old version's test cases stale.
- Preview: approved requirements get one generated test case per test type (positive, negative, boundary).
- Decide: previews and stale cases are approved, rejected or sent back for regeneration.
- Export: generated test cases are pushed to the ticket system and become pushed.
- Audit: every transition and every collaborator call is kept in an append-only log, view it with 'rl audit <id>'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/reqline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor recorded on events")
	rootCmd.PersistentFlags().Int("workers", 0, "pipeline worker limit (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
}

func registerCommands() {
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(requirementCmd())
	rootCmd.AddCommand(testCaseCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, app.Options{
		Workspace:    viper.GetString("workspace"),
		ConfigPath:   viper.GetString("config"),
		GeminiAPIKey: viper.GetString("gemini-api-key"),
		Workers:      viper.GetInt("workers"),
		Log:          logger,
	})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func actor() string {
	return viper.GetString("actor")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseEdits turns repeated field=value flags into an edit map. Values that
// parse as JSON keep their type, everything else is a string.
func parseEdits(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	edits := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, found := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("edit %q must be field=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		edits[key] = v
	}
	return edits, nil
}
