package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/pkg/audio/loader"
	"github.com/mimbres/pfann/pkg/cli"
	"github.com/mimbres/pfann/pkg/fingerprint"
	"github.com/mimbres/pfann/pkg/manifest"
	"github.com/mimbres/pfann/pkg/storage"
)

var buildCmd = &cobra.Command{
	Use:   "build <list> <db>",
	Short: "Build a fingerprint database from a list of audio files",
	Long: `Build a fingerprint database.

<list> is a CSV manifest whose first column is an audio path. <db> is a
directory or an s3://bucket/prefix URI; an existing database there is
replaced. Files that cannot be decoded or are too short are skipped and
listed in the output.`,
	Args: cobra.ExactArgs(2),
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

type skippedFile struct {
	Path  string `json:"path" yaml:"path"`
	Error string `json:"error" yaml:"error"`
}

func skippedFiles(s []loader.Skipped) []skippedFile {
	out := make([]skippedFile, len(s))
	for i, sk := range s {
		out[i] = skippedFile{Path: sk.Path, Error: sk.Err.Error()}
	}
	return out
}

type buildResult struct {
	DB       string        `json:"db" yaml:"db"`
	BuildID  string        `json:"build_id" yaml:"build_id"`
	Index    string        `json:"index" yaml:"index"`
	Files    int           `json:"files" yaml:"files"`
	Segments int           `json:"segments" yaml:"segments"`
	Elapsed  string        `json:"elapsed" yaml:"elapsed"`
	Skipped  []skippedFile `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

func (r buildResult) Header() []string { return []string{"field", "value"} }

func (r buildResult) Rows() [][]string {
	return [][]string{
		{"db", r.DB},
		{"build_id", r.BuildID},
		{"index", r.Index},
		{"files", strconv.Itoa(r.Files)},
		{"segments", strconv.Itoa(r.Segments)},
		{"skipped", strconv.Itoa(len(r.Skipped))},
		{"elapsed", r.Elapsed},
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths, err := manifest.Load(args[0], cfg.AudioRoot)
	if err != nil {
		return err
	}
	db, err := storage.Open(ctx, args[1])
	if err != nil {
		return err
	}
	net, weights, err := loadModel(ctx, cfg)
	if err != nil {
		return err
	}
	p, closeFn, err := openPipeline(cfg, net)
	if err != nil {
		return err
	}
	defer closeFn()

	prog := newProgress()
	snap, rep, err := p.Build(ctx, paths, prog.Bar("Indexing"))
	prog.Wait()
	if err != nil {
		return err
	}
	snap.Weights = weights
	if err := fingerprint.Save(ctx, db, snap); err != nil {
		return err
	}

	return printResult(buildResult{
		DB:       args[1],
		BuildID:  snap.BuildID.String(),
		Index:    cfg.Index.IndexFactory,
		Files:    rep.Files,
		Segments: rep.Segments,
		Elapsed:  cli.FormatDuration(rep.Elapsed),
		Skipped:  skippedFiles(rep.Skipped),
	})
}
