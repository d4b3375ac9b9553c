package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/movielens-etl/internal/config"
	"github.com/TobiSchelling/movielens-etl/internal/database"
	"github.com/TobiSchelling/movielens-etl/internal/pipeline"
	"github.com/TobiSchelling/movielens-etl/internal/validate"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "movielens",
	Short:   "MovieLens ratings ETL",
	Long:    "movielens stages the MovieLens extracts into SQLite, validates them, builds a small warehouse and writes fixed rating reports.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger, err = config.NewLogger(cfg.Logging.Level, verbose)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(transformCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(runCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("movielens", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/movielens/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to pick the dataset archive and output locations.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relation sizes and the last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()

		rels, err := db.GetRelationStats(ctx)
		if err != nil {
			return fmt.Errorf("getting relation stats: %w", err)
		}
		fmt.Printf("Store: %s\n\n", db.Path())
		fmt.Println("Relations:")
		for _, r := range rels {
			if r.Exists {
				fmt.Printf("  %-22s %d rows\n", r.Name, r.Rows)
			} else {
				fmt.Printf("  %-22s (not built)\n", r.Name)
			}
		}

		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		fmt.Println("\nRuns:")
		fmt.Printf("  Total: %d\n", stats.Runs)
		fmt.Printf("  Succeeded: %d\n", stats.SucceededRuns)
		fmt.Printf("  Failed: %d\n", stats.FailedRuns)

		last, err := db.GetLastRun(ctx)
		if err != nil {
			return fmt.Errorf("getting last run: %w", err)
		}
		if last == nil {
			return nil
		}
		fmt.Printf("\nLast run %s (%s, started %s)\n", last.RunID, last.Status, last.StartedAt)
		switch {
		case last.Valid == nil:
			fmt.Println("  Validation: not run")
		case *last.Valid:
			fmt.Println("  Validation: passed")
		default:
			fmt.Println("  Validation: finished with issues")
		}

		checks, err := db.GetValidationResults(ctx, last.RunID)
		if err != nil {
			return fmt.Errorf("getting validation results: %w", err)
		}
		for _, c := range checks {
			fmt.Printf("    %-32s %-7s %d\n", c.CheckName, c.Severity, c.Violations)
		}
		return nil
	},
}

// --- single step commands ---

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download and extract the dataset archive",
	RunE: stepCommand(func(ctx context.Context, p *pipeline.Pipeline) pipeline.StepResult {
		return p.Download(ctx)
	}),
}

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Load movies.csv and ratings.csv into the staging relations",
	RunE: stepCommand(func(ctx context.Context, p *pipeline.Pipeline) pipeline.StepResult {
		return p.Stage(ctx)
	}),
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the staging quality checks",
	RunE: stepCommand(func(ctx context.Context, p *pipeline.Pipeline) pipeline.StepResult {
		step, rep := p.Validate(ctx)
		printChecks(rep)
		return step
	}),
}

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Rebuild dim_movies, movie_genres_bridge and fact_ratings",
	RunE: stepCommand(func(ctx context.Context, p *pipeline.Pipeline) pipeline.StepResult {
		return p.Transform(ctx)
	}),
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the rating reports and write them to the output directory",
	RunE: stepCommand(func(ctx context.Context, p *pipeline.Pipeline) pipeline.StepResult {
		return p.Analyze(ctx)
	}),
}

func stepCommand(fn func(context.Context, *pipeline.Pipeline) pipeline.StepResult) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		step := fn(cmd.Context(), pipeline.New(cfg, db, logger))
		printStep(step)
		return step.Err
	}
}

func printStep(step pipeline.StepResult) {
	fmt.Printf("\n%s\n", step.Name)
	if step.Err != nil {
		fmt.Printf("  Error: %v\n", step.Err)
	} else {
		fmt.Printf("  %s\n", step.Summary)
	}
}

func printChecks(rep *validate.Report) {
	if rep == nil {
		return
	}
	for _, c := range rep.Checks {
		status := "ok"
		if !c.Passed {
			status = "FAILED"
		}
		fmt.Printf("  %-32s %-6s violations=%d\n", c.Name, status, c.Violations)
		switch {
		case validate.IsMissingInput(c):
			fmt.Printf("    %v (run 'movielens stage' first)\n", c.Err)
		case c.Err != nil:
			fmt.Printf("    %v\n", c.Err)
		}
	}
}

// --- run command ---

var (
	dryRun       bool
	skipDownload bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: download -> stage -> validate -> transform -> analyze",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe := pipeline.New(cfg, db, logger)
		opts := pipeline.Options{SkipDownload: skipDownload}

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun(cmd.Context(), opts)
		} else {
			result = pipe.Run(cmd.Context(), opts)
		}

		if result.RunID != "" {
			fmt.Printf("Run %s\n", result.RunID)
		}
		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}
		printChecks(result.Validation)

		if dryRun {
			return nil
		}
		if result.Failed() {
			return fmt.Errorf("pipeline failed")
		}
		fmt.Printf("\nPipeline complete! Reports are in %s\n", cfg.GetReportDir())
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
	runCmd.Flags().BoolVar(&skipDownload, "skip-download", false, "Use the extracts already on disk")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}
