package commands

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/audio/songs"
	"github.com/mimbres/pfann/pkg/augment"
	"github.com/mimbres/pfann/pkg/manifest"
)

var (
	synthSongs        int
	synthSeconds      float64
	synthQueries      int
	synthQuerySeconds float64
	synthSNR          float64
	synthSeed         uint64
)

var synthCmd = &cobra.Command{
	Use:   "synth <dir>",
	Short: "Write a synthetic demo corpus",
	Long: `Write randomly composed piano songs to <dir> together with a
manifest, songs.csv. With --queries, excerpts of random songs are written
as well, with queries.csv and a truth.tsv file that names the song each
query was cut from; pass it to 'pfann match --truth'.

Examples:
  pfann synth ./demo --songs 20 --queries 50 --snr 10
  pfann init-model ./model
  pfann build --model ./model ./demo/songs.csv ./db
  pfann match --model ./model ./demo/queries.csv ./db result.tsv --truth ./demo/truth.tsv`,
	Args: cobra.ExactArgs(1),
	RunE: runSynth,
}

func init() {
	f := synthCmd.Flags()
	f.IntVar(&synthSongs, "songs", 10, "number of songs")
	f.Float64Var(&synthSeconds, "seconds", 30, "song length in seconds")
	f.IntVar(&synthQueries, "queries", 0, "number of query excerpts")
	f.Float64Var(&synthQuerySeconds, "query-seconds", 5, "query length in seconds")
	f.Float64Var(&synthSNR, "snr", 0, "mix white noise into queries at this SNR in dB; 0 keeps them clean")
	f.Uint64Var(&synthSeed, "seed", 1, "random seed")
	rootCmd.AddCommand(synthCmd)
}

type synthQuery struct {
	Path   string  `json:"path" yaml:"path"`
	Song   string  `json:"song" yaml:"song"`
	Offset float64 `json:"offset" yaml:"offset"`
}

type synthResult struct {
	Dir     string       `json:"dir" yaml:"dir"`
	Songs   []string     `json:"songs" yaml:"songs"`
	Queries []synthQuery `json:"queries,omitempty" yaml:"queries,omitempty"`
}

func runSynth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if synthSongs <= 0 || synthSeconds <= 0 {
		return fmt.Errorf("--songs and --seconds must be positive")
	}
	if synthQueries > 0 && synthQuerySeconds > synthSeconds {
		return fmt.Errorf("--query-seconds %g exceeds --seconds %g", synthQuerySeconds, synthSeconds)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := args[0]
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	rate := cfg.SampleRate
	rng := rand.New(rand.NewPCG(synthSeed, 0))

	out := synthResult{Dir: dir}
	audio := make([][]float32, synthSongs)
	for i := range synthSongs {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := fmt.Sprintf("song%03d", i)
		samples := songs.Random(rng, name, synthSeconds).Render(rate)
		audio[i] = samples[:min(len(samples), int(synthSeconds*float64(rate)))]
		path := filepath.Join(dir, name+".wav")
		if err := writeWAV(path, &pcm.Clip{Source: path, SampleRate: rate, Samples: audio[i]}); err != nil {
			return err
		}
		out.Songs = append(out.Songs, path)
	}
	if err := writeManifest(ctx, filepath.Join(dir, "songs.csv"), out.Songs); err != nil {
		return err
	}
	if synthQueries == 0 {
		return printResult(out)
	}

	n := int(synthQuerySeconds * float64(rate))
	var paths []string
	for i := range synthQueries {
		song := rng.IntN(synthSongs)
		src := audio[song]
		start := 0
		if len(src) > n {
			start = rng.IntN(len(src) - n + 1)
		}
		clip := src[start:min(len(src), start+n)]
		if synthSNR != 0 {
			noise := make([]float32, len(clip))
			for j := range noise {
				noise[j] = float32(rng.NormFloat64())
			}
			clip = augment.MixNoise(clip, noise, synthSNR)
		}
		path := filepath.Join(dir, fmt.Sprintf("query%03d.wav", i))
		if err := writeWAV(path, &pcm.Clip{Source: path, SampleRate: rate, Samples: clip}); err != nil {
			return err
		}
		paths = append(paths, path)
		offset := time.Duration(start) * time.Second / time.Duration(rate)
		out.Queries = append(out.Queries, synthQuery{Path: path, Song: out.Songs[song], Offset: offset.Seconds()})
	}
	if err := writeManifest(ctx, filepath.Join(dir, "queries.csv"), paths); err != nil {
		return err
	}
	if err := writeLocalFile(ctx, filepath.Join(dir, "truth.tsv"), func(w io.Writer) error {
		for _, q := range out.Queries {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%.3f\n", q.Path, q.Song, q.Offset); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return printResult(out)
}

func writeManifest(ctx context.Context, path string, paths []string) error {
	return writeLocalFile(ctx, path, func(w io.Writer) error {
		return manifest.Write(w, paths)
	})
}
