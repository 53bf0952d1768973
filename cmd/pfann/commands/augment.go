package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/pkg/audio/loader"
	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/augment"
	"github.com/mimbres/pfann/pkg/pipeline"
	"github.com/mimbres/pfann/pkg/sampler"
)

var (
	augmentValidation bool
	augmentSeed       uint64
	augmentSegments   int
)

var augmentCmd = &cobra.Command{
	Use:   "augment <audio> <out.wav>",
	Short: "Write an augmented preview of an audio file",
	Long: `Cut <audio> into training anchors, degrade the first segments the
way training pairs are degraded and write them back to back to
<out.wav>. The recipe of every segment is printed.

The noise and impulse response manifests come from the config; use
--validation to preview the validation pools.`,
	Args: cobra.ExactArgs(2),
	RunE: runAugment,
}

func init() {
	f := augmentCmd.Flags()
	f.BoolVar(&augmentValidation, "validation", false, "use the validation source pools")
	f.Uint64Var(&augmentSeed, "seed", 0, "random seed (default: the config seed)")
	f.IntVar(&augmentSegments, "segments", 10, "number of segments to render; 0 renders all")
	rootCmd.AddCommand(augmentCmd)
}

type augmentRow struct {
	Segment int     `json:"segment" yaml:"segment"`
	Offset  float64 `json:"offset" yaml:"offset"`
	Noise   int     `json:"noise" yaml:"noise"`
	SNR     float64 `json:"snr,omitempty" yaml:"snr,omitempty"`
	Mic     int     `json:"mic" yaml:"mic"`
	Air     int     `json:"air" yaml:"air"`
	Cutouts int     `json:"cutouts" yaml:"cutouts"`
}

type augmentResult struct {
	Source  string       `json:"source" yaml:"source"`
	Output  string       `json:"output" yaml:"output"`
	Seed    uint64       `json:"seed" yaml:"seed"`
	Recipes []augmentRow `json:"recipes" yaml:"recipes"`
}

func (r augmentResult) Header() []string {
	return []string{"segment", "offset", "noise", "snr", "mic", "air", "cutouts"}
}

func (r augmentResult) Rows() [][]string {
	rows := make([][]string, len(r.Recipes))
	for i, a := range r.Recipes {
		snr := "-"
		if a.Noise >= 0 {
			snr = strconv.FormatFloat(a.SNR, 'f', 1, 64)
		}
		rows[i] = []string{
			strconv.Itoa(a.Segment),
			strconv.FormatFloat(a.Offset, 'f', 3, 64),
			strconv.Itoa(a.Noise),
			snr,
			strconv.Itoa(a.Mic),
			strconv.Itoa(a.Air),
			strconv.Itoa(a.Cutouts),
		}
	}
	return rows
}

func runAugment(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateSources(augmentValidation); err != nil {
		return err
	}
	seed := cfg.Seed
	if cmd.Flags().Changed("seed") {
		seed = augmentSeed
	}

	p, closeFn, err := newPipeline(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer closeFn()

	src, skipped, err := augment.LoadSources(ctx, p.Loader(), cfg, augmentValidation)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		slog.Warn("pfann: skipping augmentation source", "path", s.Path, "error", s.Err)
	}
	eng, err := augment.NewEngine(augment.FromConfig(cfg, augmentValidation), src)
	if err != nil {
		return err
	}

	sc := sampler.FromConfig(cfg)
	sc.ClipsPerSong = 0
	smp, err := sampler.New(sc)
	if err != nil {
		return err
	}
	clip, err := p.Loader().Load(ctx, args[0])
	if err != nil {
		return err
	}
	segs, err := smp.Segments(clip)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if augmentSegments > 0 && len(segs) > augmentSegments {
		segs = segs[:augmentSegments]
	}

	out := augmentResult{Source: args[0], Output: args[1], Seed: seed}
	var audio []float32
	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rng := pipeline.PairRNG(seed, i)
		pair := smp.Pair(seg, rng)
		recipe := eng.Sample(rng)
		distorted, err := eng.Apply(pair.Distorted, recipe)
		if err != nil {
			return err
		}
		audio = append(audio, distorted...)
		out.Recipes = append(out.Recipes, augmentRow{
			Segment: seg.Index,
			Offset:  seg.Offset().Seconds(),
			Noise:   recipe.Noise,
			SNR:     recipe.SNR,
			Mic:     recipe.Mic,
			Air:     recipe.Air,
			Cutouts: len(recipe.Cutouts),
		})
	}

	if err := writeWAV(args[1], &pcm.Clip{Source: args[1], SampleRate: cfg.SampleRate, Samples: audio}); err != nil {
		return err
	}
	return printResult(out)
}

func writeWAV(path string, clip *pcm.Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := loader.EncodeWAV(f, clip); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
