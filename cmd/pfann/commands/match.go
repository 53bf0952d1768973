package commands

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/pkg/cli"
	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/fingerprint"
	"github.com/mimbres/pfann/pkg/manifest"
	"github.com/mimbres/pfann/pkg/model"
	"github.com/mimbres/pfann/pkg/pipeline"
	"github.com/mimbres/pfann/pkg/storage"
	"github.com/mimbres/pfann/pkg/vecstore"
)

var (
	matchTopK          int
	matchNProbe        int
	matchFrameShiftMul int
	matchWorkers       int
	matchTruth         string
)

var matchCmd = &cobra.Command{
	Use:   "match <list> <db> <result.tsv>",
	Short: "Match query files against a fingerprint database",
	Long: `Match every file of <list> against the database at <db>.

Three files are written next to each other:
  <result.tsv>          query path and matched source, tab separated
  <result>_detail.csv   query, answer, score, offset in seconds and the
                        scores of the hits that voted for the answer
  <result.tsv>.bin      per query, the best score of every database
                        source as little-endian float32, in database order

The database's own parameters and model weights are used; a --model
whose weights differ from the recorded ones is rejected. The flags
--top-k, --nprobe, --frame-shift-mul and --workers override the stored
parameters for this run.

With --truth, a tab separated file of query path and expected source
(as written by 'pfann synth'), the top-1 accuracy is reported.`,
	Args: cobra.ExactArgs(3),
	RunE: runMatch,
}

func init() {
	f := matchCmd.Flags()
	f.IntVar(&matchTopK, "top-k", 0, "neighbors per query segment; -1 searches exhaustively")
	f.IntVar(&matchNProbe, "nprobe", 0, "inverted lists visited per query")
	f.IntVar(&matchFrameShiftMul, "frame-shift-mul", 0, "query hop divisor")
	f.IntVar(&matchWorkers, "workers", 0, "worker pool size")
	f.StringVar(&matchTruth, "truth", "", "ground truth file for accuracy reporting")
	rootCmd.AddCommand(matchCmd)
}

type matchRow struct {
	Query  string  `json:"query" yaml:"query"`
	Answer string  `json:"answer" yaml:"answer"`
	Score  float32 `json:"score" yaml:"score"`
	Offset float64 `json:"offset" yaml:"offset"`
}

type matchResult struct {
	DB      string        `json:"db" yaml:"db"`
	BuildID string        `json:"build_id" yaml:"build_id"`
	Files   int           `json:"files" yaml:"files"`
	Elapsed string        `json:"elapsed" yaml:"elapsed"`
	Top1    *float64      `json:"top1,omitempty" yaml:"top1,omitempty"`
	Results []matchRow    `json:"results" yaml:"results"`
	Skipped []skippedFile `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

func (r matchResult) Header() []string { return []string{"query", "answer", "score", "offset"} }

func (r matchResult) Rows() [][]string {
	rows := make([][]string, len(r.Results))
	for i, m := range r.Results {
		rows[i] = []string{
			m.Query,
			m.Answer,
			strconv.FormatFloat(float64(m.Score), 'f', 4, 32),
			strconv.FormatFloat(m.Offset, 'f', 3, 64),
		}
	}
	return rows
}

func detailPath(result string) string {
	return strings.TrimSuffix(result, filepath.Ext(result)) + "_detail.csv"
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	listPath, dbURI, resultPath := args[0], args[1], args[2]

	fs, err := storage.Open(ctx, dbURI)
	if err != nil {
		return err
	}
	snap, err := fingerprint.Load(ctx, fs)
	if err != nil {
		return err
	}
	cfg := snap.Config.Clone()
	if matchTopK != 0 {
		cfg.Index.TopK = matchTopK
	}
	if matchFrameShiftMul > 0 {
		cfg.Index.FrameShiftMul = matchFrameShiftMul
	}
	if matchWorkers > 0 {
		cfg.Workers = matchWorkers
	}
	if matchNProbe > 0 {
		cfg.Index.NProbe = matchNProbe
		if ivf, ok := snap.Index.(*vecstore.IVF); ok {
			ivf.SetNProbe(matchNProbe)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	paths, err := manifest.Load(listPath, cfg.AudioRoot)
	if err != nil {
		return err
	}
	var truth map[string]string
	if matchTruth != "" {
		if truth, err = loadTruth(matchTruth); err != nil {
			return err
		}
	}
	net, err := snapshotModel(ctx, snap, cfg)
	if err != nil {
		return err
	}
	p, closeFn, err := openPipeline(cfg, net)
	if err != nil {
		return err
	}
	defer closeFn()

	db := fingerprint.NewDB(snap)
	prog := newProgress()
	results, rep, err := p.MatchManifest(ctx, db, paths, prog.Bar("Matching"))
	prog.Wait()
	if err != nil {
		return err
	}

	if err := writeLocalFile(ctx, resultPath, func(w io.Writer) error {
		return writeResults(w, results)
	}); err != nil {
		return err
	}
	if err := writeLocalFile(ctx, detailPath(resultPath), func(w io.Writer) error {
		return writeDetails(w, results)
	}); err != nil {
		return err
	}
	if err := writeLocalFile(ctx, resultPath+".bin", func(w io.Writer) error {
		return writeSourceScores(w, snap.Sources, results)
	}); err != nil {
		return err
	}

	out := matchResult{
		DB:      dbURI,
		BuildID: snap.BuildID.String(),
		Files:   rep.Files,
		Elapsed: cli.FormatDuration(rep.Elapsed),
		Skipped: skippedFiles(rep.Skipped),
	}
	for _, r := range results {
		out.Results = append(out.Results, matchRow{
			Query:  r.Path,
			Answer: r.Source,
			Score:  r.Score,
			Offset: r.Offset.Seconds(),
		})
	}
	if truth != nil {
		acc := top1(results, truth)
		out.Top1 = &acc
	}
	return printResult(out)
}

// snapshotModel returns the network to embed queries for snap with. The
// weights recorded in the database are used unless --model names a
// directory, whose weights must then be identical to the recorded ones.
func snapshotModel(ctx context.Context, snap *fingerprint.Snapshot, cfg *config.Config) (*model.Network, error) {
	if snap.Weights == nil {
		net, _, err := loadModel(ctx, cfg)
		return net, err
	}
	if modelDir != "" {
		weights, err := readWeights(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := snap.CheckWeights(weights); err != nil {
			return nil, fmt.Errorf("%w: --model %s", err, modelDir)
		}
	}
	return decodeModel(cfg, snap.Weights)
}

// loadTruth reads query to source pairs from the first two columns of a
// tab separated file.
func loadTruth(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("truth: %w", err)
	}
	defer f.Close()
	cr := csv.NewReader(f)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	truth := make(map[string]string)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("truth: %w", err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("truth: %s: want query and source columns, got %d", path, len(rec))
		}
		truth[rec[0]] = rec[1]
	}
	return truth, nil
}

// top1 is the fraction of queries listed in truth whose answer matches.
func top1(results []pipeline.QueryResult, truth map[string]string) float64 {
	var n, ok int
	for _, r := range results {
		want, listed := truth[r.Path]
		if !listed {
			continue
		}
		n++
		if r.Source == want {
			ok++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(ok) / float64(n)
}

func writeResults(w io.Writer, results []pipeline.QueryResult) error {
	for _, r := range results {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", r.Path, r.Source); err != nil {
			return err
		}
	}
	return nil
}

func writeDetails(w io.Writer, results []pipeline.QueryResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"query", "answer", "score", "time", "part_scores"}); err != nil {
		return err
	}
	for _, r := range results {
		row := []string{
			r.Path,
			r.Source,
			strconv.FormatFloat(float64(r.Score), 'g', -1, 32),
			cli.FormatOffset(r.Offset),
		}
		for _, v := range r.Votes {
			row = append(row, strconv.FormatFloat(float64(v.Score), 'g', -1, 32))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeSourceScores(w io.Writer, sources []fingerprint.Source, results []pipeline.QueryResult) error {
	row := make([]float32, len(sources))
	for _, r := range results {
		for i, s := range sources {
			row[i] = r.SourceScores[s.Name]
		}
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			return err
		}
	}
	return nil
}
