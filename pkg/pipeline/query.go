package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/fingerprint"
)

// Query embeds clip at the query hop and runs the sequence matcher against
// the snapshot currently served by db.
func (p *Pipeline) Query(ctx context.Context, db *fingerprint.DB, clip *pcm.Clip) (*fingerprint.Result, error) {
	return p.matchClip(ctx, db, clip, p.workers)
}

func (p *Pipeline) matchClip(ctx context.Context, db *fingerprint.DB, clip *pcm.Clip, workers int) (*fingerprint.Result, error) {
	vecs, err := p.embedClip(ctx, p.query, clip, workers)
	if err != nil {
		return nil, err
	}
	return db.Match(vecs, fingerprint.MatchOptionsFromConfig(p.cfg))
}

// QueryResult is the match of one query file.
type QueryResult struct {
	Path string
	*fingerprint.Result
}

// MatchManifest matches every file of paths against db. Results keep
// manifest order; undecodable or too short files are skipped and
// reported.
func (p *Pipeline) MatchManifest(ctx context.Context, db *fingerprint.DB, paths []string, progress Progress) ([]QueryResult, Report, error) {
	if _, err := p.embedder(); err != nil {
		return nil, Report{}, err
	}
	start := time.Now()
	results := make([]QueryResult, len(paths))
	tr := &tracker{total: len(paths), progress: progress}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, path := range paths {
		g.Go(func() error {
			defer tr.finish()
			if err := gctx.Err(); err != nil {
				return err
			}
			clip, err := p.loader.Load(gctx, path)
			if err == nil {
				var res *fingerprint.Result
				if res, err = p.matchClip(gctx, db, clip, 1); err == nil {
					results[i] = QueryResult{Path: path, Result: res}
					return nil
				}
			}
			cause := skipCause(err)
			if cause == nil {
				return err
			}
			p.log.Warn("pipeline: skipping query", "path", path, "error", cause)
			tr.skip(path, cause)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Report{}, err
	}

	rep := Report{Elapsed: time.Since(start)}
	out := results[:0]
	for _, r := range results {
		if r.Result == nil {
			continue
		}
		rep.Files++
		out = append(out, r)
	}
	rep.Skipped = orderSkipped(tr.skipped, paths)
	p.log.Info("pipeline: queries matched", "files", rep.Files, "skipped", len(rep.Skipped), "elapsed", rep.Elapsed)
	return out, rep, nil
}
