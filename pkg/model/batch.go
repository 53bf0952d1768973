package model

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/mimbres/pfann/pkg/audio/fbank"
)

// EmbedBatch embeds specs with up to workers goroutines (0 means
// GOMAXPROCS). The result keeps input order. The first error cancels the
// remaining work.
func EmbedBatch(ctx context.Context, e Embedder, specs []*fbank.Spectrogram, workers int) ([][]float32, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([][]float32, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, s := range specs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := e.Embed(s)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
