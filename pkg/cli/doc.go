// Package cli provides the terminal helpers shared by the pfann commands.
//
// This package includes:
//   - Output formatting (YAML, JSON, table, raw)
//   - Progress bars for manifest passes
//   - Styles for tables and status lines
//   - The ~/.pfann directory layout
//
// Example usage:
//
//	cli.Output(report, cli.OutputOptions{
//	    Format: cli.FormatTable,
//	    File:   outputPath,
//	})
package cli
