package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/pkg/cli"
	"github.com/mimbres/pfann/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, validate or describe the parameter file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective parameters",
	Long: `Print the effective parameters: the config file merged over the
defaults. Use --query to read single values, e.g. -q .indexer.top_k.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printResult(cfg)
	},
}

var validateSources bool

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the parameters and the augmentation manifests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if validateSources {
			if err := errors.Join(cfg.ValidateSources(false), cfg.ValidateSources(true)); err != nil {
				return err
			}
		}
		path := configPath()
		if path == "" {
			path = "defaults"
		}
		cli.PrintSuccess("%s is valid", path)
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Schema()
		if err != nil {
			return err
		}
		return cli.Output(s, cli.OutputOptions{
			Format: cli.FormatJSON,
			File:   outputFile,
			Query:  queryExpr,
		})
	},
}

func init() {
	configValidateCmd.Flags().BoolVar(&validateSources, "sources", true, "also check that every augmentation manifest lists files")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configSchemaCmd)
	rootCmd.AddCommand(configCmd)
}
