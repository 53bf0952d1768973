// Package main is the entry point for the pfann command line tool.
//
// Usage:
//
//	pfann [flags] <command> [args]
//
// Commands:
//
//	build       - Build a fingerprint database from a list of audio files
//	match       - Match query files against a database
//	embed       - Print the embeddings of one audio file
//	augment     - Write an augmented preview of one audio file
//	eval        - Report the contrastive loss on augmented pairs
//	init-model  - Write freshly initialized model weights
//	info        - Describe a fingerprint database
//	synth       - Write a synthetic demo corpus
//	config      - Show, validate or describe the parameter file
//	version     - Show version information
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mimbres/pfann/cmd/pfann/commands"
	"github.com/mimbres/pfann/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.ExecuteContext(ctx)
	stop()
	if err != nil {
		cli.PrintError("%v", err)
		os.Exit(1)
	}
}
