package commands

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/pkg/cli"
)

var (
	// Global flags
	cfgFile      string
	modelDir     string
	cacheDir     string
	noCache      bool
	formatOutput string
	outputFile   string
	queryExpr    string
	quiet        bool
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "pfann",
	Short: "Neural audio fingerprinting",
	Long: `pfann - build and query neural audio fingerprint databases.

Audio is cut into short overlapping segments, each segment is turned into
a log-mel spectrogram and embedded by a convolutional network, and the
embeddings are stored in an approximate nearest neighbor index. A query
clip is matched by voting over the alignments its segments agree on.

Parameters are read from --config, or ~/.pfann/config.yaml when present.
Model weights are read from --model, the config's model_dir, or
~/.pfann/model. Environment overrides (e.g. S3 credentials) are loaded
from ./.env and ~/.pfann/.env.

Examples:
  # Initialize weights and build a database
  pfann init-model ./model
  pfann build --model ./model songs.csv ./db

  # Match queries and show the results as a table
  pfann match --model ./model queries.csv ./db result.tsv -f table

  # Databases can live on S3
  pfann build songs.csv s3://bucket/fingerprints/v1`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ~/.pfann/config.yaml)")
	pf.StringVar(&modelDir, "model", "", "model directory or s3:// URI (default is model_dir or ~/.pfann/model)")
	pf.StringVar(&cacheDir, "cache", "", "cache directory (default is cache_dir or ~/.pfann/cache)")
	pf.BoolVar(&noCache, "no-cache", false, "disable the decode and feature cache")
	pf.StringVarP(&formatOutput, "format", "f", "", "output format: yaml (default), json, table or raw")
	pf.StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	pf.StringVarP(&queryExpr, "query", "q", "", "jq expression applied to the output")
	pf.BoolVar(&quiet, "quiet", false, "hide progress bars")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func setup(cmd *cobra.Command, args []string) error {
	loadEnv()
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadEnv loads ./.env and ~/.pfann/.env. Variables already set in the
// environment take precedence.
func loadEnv() {
	files := []string{cli.DefaultEnvFile}
	if p, err := cli.NewPaths(); err == nil {
		files = append(files, p.EnvFile())
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			cli.PrintWarning("load %s: %v", f, err)
		}
	}
}

// printResult writes v using the global output flags.
func printResult(v any) error {
	return cli.Output(v, cli.OutputOptions{
		Format: cli.OutputFormat(formatOutput),
		File:   outputFile,
		Query:  queryExpr,
	})
}

// newProgress returns progress bars on stderr, or discarding bars when
// --quiet is set.
func newProgress() *cli.Progress {
	var w io.Writer = os.Stderr
	if quiet {
		w = nil
	}
	return cli.NewProgress(w)
}
