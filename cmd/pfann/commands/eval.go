package commands

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mimbres/pfann/pkg/augment"
	"github.com/mimbres/pfann/pkg/cli"
	"github.com/mimbres/pfann/pkg/manifest"
	"github.com/mimbres/pfann/pkg/pipeline"
)

var (
	evalSeed  uint64
	evalBatch int
)

var evalCmd = &cobra.Command{
	Use:   "eval [list]",
	Short: "Report the contrastive loss of the model on augmented pairs",
	Long: `Build clean and degraded training pairs from the files of [list]
(default: the config's validate_csv) with the validation noise and impulse
response pools, embed both views and report the mean NT-Xent loss at the
config's tau. Pairs are scored in batches of --batch anchors, half of
batch_size by default, so the loss is comparable to training batches.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEval,
}

func init() {
	f := evalCmd.Flags()
	f.Uint64Var(&evalSeed, "seed", 0, "random seed (default: the config seed)")
	f.IntVar(&evalBatch, "batch", 0, "anchors per loss batch (default: batch_size/2)")
	rootCmd.AddCommand(evalCmd)
}

type evalResult struct {
	List    string        `json:"list" yaml:"list"`
	Files   int           `json:"files" yaml:"files"`
	Pairs   int           `json:"pairs" yaml:"pairs"`
	Batches int           `json:"batches" yaml:"batches"`
	Tau     float64       `json:"tau" yaml:"tau"`
	Loss    float64       `json:"loss" yaml:"loss"`
	Elapsed string        `json:"elapsed" yaml:"elapsed"`
	Skipped []skippedFile `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	start := time.Now()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	list := cfg.ValidateCSV
	if len(args) == 1 {
		list = args[0]
	}
	if list == "" {
		return fmt.Errorf("no list given and validate_csv is not set")
	}
	if err := cfg.ValidateSources(true); err != nil {
		return err
	}
	seed := cfg.Seed
	if cmd.Flags().Changed("seed") {
		seed = evalSeed
	}
	batch := evalBatch
	if batch <= 0 {
		batch = max(2, cfg.BatchSize/2)
	}

	paths, err := manifest.Load(list, cfg.AudioRoot)
	if err != nil {
		return err
	}
	p, closeFn, err := newPipeline(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeFn()

	clips, skipped, err := p.Loader().LoadAll(ctx, paths, cfg.Workers)
	if err != nil {
		return err
	}
	src, srcSkipped, err := augment.LoadSources(ctx, p.Loader(), cfg, true)
	if err != nil {
		return err
	}
	for _, s := range srcSkipped {
		slog.Warn("pfann: skipping augmentation source", "path", s.Path, "error", s.Err)
	}
	eng, err := augment.NewEngine(augment.FromConfig(cfg, true), src)
	if err != nil {
		return err
	}

	out := make(chan pipeline.Pair)
	var pairs []pipeline.Pair
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.TrainingPairs(gctx, clips, eng, seed, out) })
	g.Go(func() error {
		for pr := range out {
			pairs = append(pairs, pr)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if len(pairs) < 2 {
		return fmt.Errorf("%s yields %d training pairs, need at least 2", list, len(pairs))
	}
	slices.SortFunc(pairs, func(a, b pipeline.Pair) int { return a.Index - b.Index })

	res := evalResult{List: list, Files: len(clips), Pairs: len(pairs), Tau: cfg.Tau}
	prog := newProgress()
	bar := prog.Bar("Scoring")
	var total float64
	for lo := 0; lo < len(pairs); lo += batch {
		hi := min(lo+batch, len(pairs))
		if hi-lo < 2 {
			break
		}
		loss, err := p.PairLoss(ctx, pairs[lo:hi], cfg.Tau)
		if err != nil {
			prog.Wait()
			return err
		}
		total += loss
		res.Batches++
		bar(hi, len(pairs))
	}
	prog.Wait()
	res.Loss = total / float64(res.Batches)
	res.Elapsed = cli.FormatDuration(time.Since(start))
	res.Skipped = skippedFiles(skipped)
	return printResult(res)
}
