package commands

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/pkg/model"
	"github.com/mimbres/pfann/pkg/storage"
)

var (
	initModelSeed  uint64
	initModelForce bool
)

var initModelCmd = &cobra.Command{
	Use:   "init-model [dir]",
	Short: "Write freshly initialized model weights",
	Long: `Initialize a network for the configured shape and write its weights
to [dir] (default: --model, model_dir or ~/.pfann/model). Existing
weights are kept unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInitModel,
}

func init() {
	f := initModelCmd.Flags()
	f.Uint64Var(&initModelSeed, "seed", 0, "random seed (default: the config seed)")
	f.BoolVar(&initModelForce, "force", false, "overwrite existing weights")
	rootCmd.AddCommand(initModelCmd)
}

type initModelResult struct {
	Dir        string `json:"dir" yaml:"dir"`
	Seed       uint64 `json:"seed" yaml:"seed"`
	Dimension  int    `json:"dimension" yaml:"dimension"`
	Mels       int    `json:"mels" yaml:"mels"`
	Frames     int    `json:"frames" yaml:"frames"`
	Activation string `json:"activation" yaml:"activation"`
}

func runInitModel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	} else if dir, err = modelURI(cfg); err != nil {
		return err
	}
	seed := cfg.Seed
	if cmd.Flags().Changed("seed") {
		seed = initModelSeed
	}

	mc, err := model.FromConfig(cfg)
	if err != nil {
		return err
	}
	net, err := model.Init(mc, rand.New(rand.NewPCG(seed, 0)))
	if err != nil {
		return err
	}

	fs, err := storage.Open(ctx, dir)
	if err != nil {
		return err
	}
	exists, err := fs.Exists(ctx, model.WeightsFile)
	if err != nil {
		return err
	}
	if exists && !initModelForce {
		return fmt.Errorf("%s already holds %s; use --force to overwrite", dir, model.WeightsFile)
	}
	w, err := fs.Write(ctx, model.WeightsFile)
	if err != nil {
		return err
	}
	if err := writeWeights(w, net); err != nil {
		return err
	}

	mels, frames := net.InputShape()
	return printResult(initModelResult{
		Dir:        dir,
		Seed:       seed,
		Dimension:  net.Dimension(),
		Mels:       mels,
		Frames:     frames,
		Activation: mc.Variant.Activation.String(),
	})
}

func writeWeights(w io.WriteCloser, net *model.Network) error {
	if err := net.Save(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
