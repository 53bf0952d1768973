package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mimbres/pfann/cmd/pfann/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if formatOutput != "" || queryExpr != "" {
			return printResult(build.Get())
		}
		fmt.Println(build.String())
		if verbose {
			fmt.Printf("  go:     %s\n", build.Get().Go)
			if path := configPath(); path != "" {
				fmt.Printf("  config: %s\n", path)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
