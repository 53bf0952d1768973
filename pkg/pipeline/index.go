package pipeline

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mimbres/pfann/pkg/audio/loader"
	"github.com/mimbres/pfann/pkg/fingerprint"
	"github.com/mimbres/pfann/pkg/sampler"
)

// Report summarizes a pass over a manifest.
type Report struct {
	Files    int
	Segments int
	Skipped  []loader.Skipped
	Elapsed  time.Duration
}

// tracker serializes progress callbacks and skip reports.
type tracker struct {
	mu       sync.Mutex
	done     int
	total    int
	progress Progress
	skipped  []loader.Skipped
}

func (t *tracker) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done++
	if t.progress != nil {
		t.progress(t.done, t.total)
	}
}

func (t *tracker) skip(path string, err error) {
	t.mu.Lock()
	t.skipped = append(t.skipped, loader.Skipped{Path: path, Err: err})
	t.mu.Unlock()
}

// skipCause returns the reason to skip the current file, or nil when err
// must abort the whole pass.
func skipCause(err error) error {
	var de *loader.DecodeError
	if errors.As(err, &de) {
		return de.Err
	}
	if errors.Is(err, sampler.ErrNoSegments) {
		return err
	}
	return nil
}

// IndexManifest decodes, segments and embeds every file of paths. Files
// that fail to decode or are too short are skipped and reported. Entries
// keep manifest order.
func (p *Pipeline) IndexManifest(ctx context.Context, paths []string, progress Progress) ([]fingerprint.Entry, Report, error) {
	if _, err := p.embedder(); err != nil {
		return nil, Report{}, err
	}
	start := time.Now()
	entries := make([]fingerprint.Entry, len(paths))
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
				var vecs [][]float32
				if vecs, err = p.embedClip(gctx, p.index, clip, 1); err == nil {
					entries[i] = fingerprint.Entry{Source: path, Vectors: vecs}
					return nil
				}
			}
			cause := skipCause(err)
			if cause == nil {
				return err
			}
			p.log.Warn("pipeline: skipping file", "path", path, "error", cause)
			tr.skip(path, cause)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Report{}, err
	}

	rep := Report{Elapsed: time.Since(start)}
	out := entries[:0]
	for _, e := range entries {
		if len(e.Vectors) == 0 {
			continue
		}
		rep.Files++
		rep.Segments += len(e.Vectors)
		out = append(out, e)
	}
	rep.Skipped = orderSkipped(tr.skipped, paths)
	p.log.Info("pipeline: manifest embedded",
		"files", rep.Files, "segments", rep.Segments, "skipped", len(rep.Skipped), "elapsed", rep.Elapsed)
	return out, rep, nil
}

// Build embeds paths and builds a fingerprint snapshot from them.
func (p *Pipeline) Build(ctx context.Context, paths []string, progress Progress) (*fingerprint.Snapshot, Report, error) {
	entries, rep, err := p.IndexManifest(ctx, paths, progress)
	if err != nil {
		return nil, rep, err
	}
	snap, err := fingerprint.Build(ctx, p.cfg, entries)
	if err != nil {
		return nil, rep, err
	}
	return snap, rep, nil
}

func orderSkipped(s []loader.Skipped, paths []string) []loader.Skipped {
	pos := make(map[string]int, len(paths))
	for i, p := range paths {
		if _, ok := pos[p]; !ok {
			pos[p] = i
		}
	}
	slices.SortStableFunc(s, func(a, b loader.Skipped) int {
		return cmp.Compare(pos[a.Path], pos[b.Path])
	})
	return s
}
