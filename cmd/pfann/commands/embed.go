package commands

import (
	"strconv"

	"github.com/spf13/cobra"
)

var embedCmd = &cobra.Command{
	Use:   "embed <audio>",
	Short: "Print the segment embeddings of an audio file",
	Long: `Decode <audio>, cut it into indexing segments and print one
embedding per segment. Use --query to pick parts of the output, e.g.
-q '.segments[0].vector'.`,
	Args: cobra.ExactArgs(1),
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)
}

type embedSegment struct {
	Index  int       `json:"index" yaml:"index"`
	Offset float64   `json:"offset" yaml:"offset"`
	Vector []float32 `json:"vector" yaml:"vector,flow"`
}

type embedResult struct {
	Source    string         `json:"source" yaml:"source"`
	Dimension int            `json:"dimension" yaml:"dimension"`
	Segments  []embedSegment `json:"segments" yaml:"segments"`
}

func (r embedResult) Header() []string { return []string{"segment", "offset", "head"} }

func (r embedResult) Rows() [][]string {
	rows := make([][]string, len(r.Segments))
	for i, s := range r.Segments {
		head := ""
		for j, v := range s.Vector[:min(4, len(s.Vector))] {
			if j > 0 {
				head += " "
			}
			head += strconv.FormatFloat(float64(v), 'f', 4, 32)
		}
		rows[i] = []string{strconv.Itoa(s.Index), strconv.FormatFloat(s.Offset, 'f', 3, 64), head}
	}
	return rows
}

func runEmbed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, closeFn, err := newPipeline(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeFn()

	clip, err := p.Loader().Load(ctx, args[0])
	if err != nil {
		return err
	}
	vecs, err := p.EmbedClip(ctx, clip)
	if err != nil {
		return err
	}
	out := embedResult{Source: args[0], Dimension: cfg.Model.D}
	for i, v := range vecs {
		out.Segments = append(out.Segments, embedSegment{
			Index:  i,
			Offset: float64(i) * cfg.HopSize,
			Vector: v,
		})
	}
	return printResult(out)
}
