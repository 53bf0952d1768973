package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/pkg/cli"
	"github.com/mimbres/pfann/pkg/fingerprint"
	"github.com/mimbres/pfann/pkg/storage"
)

var infoCmd = &cobra.Command{
	Use:   "info <db>",
	Short: "Describe a fingerprint database",
	Long: `Show the build ID, index layout, source and vector counts, and file
sizes of the database at <db>. With --format or --query the description is
printed as structured output instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

type dbFile struct {
	Name  string `json:"name" yaml:"name"`
	Bytes int64  `json:"bytes" yaml:"bytes"`
}

type dbInfo struct {
	DB         string   `json:"db" yaml:"db"`
	BuildID    string   `json:"build_id" yaml:"build_id"`
	Factory    string   `json:"factory" yaml:"factory"`
	Dimension  int      `json:"dimension" yaml:"dimension"`
	Vectors    int      `json:"vectors" yaml:"vectors"`
	Sources    int      `json:"sources" yaml:"sources"`
	SampleRate int      `json:"sample_rate" yaml:"sample_rate"`
	Files      []dbFile `json:"files" yaml:"files"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	fs, err := storage.Open(ctx, args[0])
	if err != nil {
		return err
	}
	snap, err := fingerprint.Load(ctx, fs)
	if err != nil {
		return err
	}
	info := dbInfo{
		DB:         args[0],
		BuildID:    snap.BuildID.String(),
		Factory:    snap.Index.Spec().String(),
		Dimension:  snap.Index.Dim(),
		Vectors:    snap.Index.Len(),
		Sources:    len(snap.Sources),
		SampleRate: snap.Config.SampleRate,
	}
	for _, name := range []string{fingerprint.IndexFile, fingerprint.SourcesFile, fingerprint.ConfigFile} {
		data, err := storage.ReadFile(ctx, fs, name)
		if err != nil {
			return err
		}
		info.Files = append(info.Files, dbFile{Name: name, Bytes: int64(len(data))})
	}

	if formatOutput != "" || queryExpr != "" {
		return printResult(info)
	}
	fields := []cli.Field{
		{Label: "build", Value: info.BuildID},
		{Label: "index", Value: fmt.Sprintf("%s, d=%d", info.Factory, info.Dimension)},
		{Label: "sources", Value: strconv.Itoa(info.Sources)},
		{Label: "vectors", Value: strconv.Itoa(info.Vectors)},
		{Label: "sample rate", Value: fmt.Sprintf("%d Hz", info.SampleRate)},
	}
	for _, f := range info.Files {
		fields = append(fields, cli.Field{Label: f.Name, Value: cli.FormatBytes(f.Bytes)})
	}
	_, err = fmt.Fprintln(os.Stdout, cli.RenderSummary(cli.NewStyles(cli.DefaultTheme), info.DB, fields))
	return err
}
