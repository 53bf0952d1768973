// Package pipeline wires decoding, segmentation, feature extraction,
// embedding and indexing into the operations the command line exposes:
// building a fingerprint database from a manifest, matching query clips
// against it, and producing augmented training pairs.
//
// Work is spread over errgroup worker pools. Files are the unit of work
// for indexing and matching; anchors are the unit for training pairs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/mimbres/pfann/pkg/audio/fbank"
	"github.com/mimbres/pfann/pkg/audio/loader"
	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/cache"
	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/model"
	"github.com/mimbres/pfann/pkg/sampler"
)

// Options configure a Pipeline.
type Options struct {
	// Config holds the pipeline parameters. Required.
	Config *config.Config

	// Loader decodes audio files. Default: a loader at Config.SampleRate
	// sharing Cache.
	Loader *loader.Loader

	// Model embeds spectrograms. Required by the embedding operations
	// only.
	Model model.Embedder

	// Cache stores spectrograms keyed by content hash and feature
	// parameters. Optional.
	Cache cache.Store

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Progress is called after each file with the number of files finished
// and the total. It may be called from multiple goroutines, but never
// concurrently.
type Progress func(done, total int)

// Pipeline runs the end-to-end operations. It is safe for concurrent use.
type Pipeline struct {
	cfg     *config.Config
	loader  *loader.Loader
	model   model.Embedder
	cache   cache.Store
	log     *slog.Logger
	workers int

	index featureSet
	query featureSet
}

// featureSet is one segmentation geometry with its extractor and cache
// key. Queries are cut at a finer hop than the indexed audio when
// frame_shift_mul > 1.
type featureSet struct {
	sampler   *sampler.Sampler
	extractor *fbank.Extractor
	key       string
}

func newFeatureSet(c *config.Config) (featureSet, error) {
	sc := sampler.FromConfig(c)
	sc.ClipsPerSong = 0
	smp, err := sampler.New(sc)
	if err != nil {
		return featureSet{}, err
	}
	ext, err := fbank.New(fbank.FromConfig(c))
	if err != nil {
		return featureSet{}, err
	}
	return featureSet{sampler: smp, extractor: ext, key: c.FeatureKey()}, nil
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline: config is required")
	}
	p := &Pipeline{
		cfg:     opts.Config,
		loader:  opts.Loader,
		model:   opts.Model,
		cache:   opts.Cache,
		log:     opts.Logger,
		workers: opts.Config.Workers,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.workers <= 0 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	if p.loader == nil {
		l, err := loader.New(loader.Options{SampleRate: p.cfg.SampleRate, Cache: p.cache, Logger: p.log})
		if err != nil {
			return nil, err
		}
		p.loader = l
	}
	if m, ok := p.model.(interface{ InputShape() (int, int) }); ok {
		mels, frames := m.InputShape()
		if mels != p.cfg.NMels || frames != p.cfg.Frames() {
			return nil, &fbank.ShapeMismatchError{
				WantMels: mels, WantFrames: frames,
				GotMels: p.cfg.NMels, GotFrames: p.cfg.Frames(),
			}
		}
	}

	var err error
	if p.index, err = newFeatureSet(p.cfg); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	qc := p.cfg.Clone()
	qc.HopSize = p.cfg.HopSize / float64(max(p.cfg.Index.FrameShiftMul, 1))
	if p.query, err = newFeatureSet(qc); err != nil {
		return nil, fmt.Errorf("pipeline: query geometry: %w", err)
	}
	return p, nil
}

// Config returns the pipeline parameters.
func (p *Pipeline) Config() *config.Config { return p.cfg }

// Loader returns the audio loader.
func (p *Pipeline) Loader() *loader.Loader { return p.loader }

// cachedSpec is the cache representation of a spectrogram.
type cachedSpec struct {
	Mels   int       `msgpack:"m"`
	Frames int       `msgpack:"f"`
	Data   []float32 `msgpack:"d"`
}

// Extract returns the clean spectrogram of every indexing segment of clip.
func (p *Pipeline) Extract(ctx context.Context, clip *pcm.Clip) ([]*fbank.Spectrogram, error) {
	return p.extract(ctx, p.index, clip)
}

func (p *Pipeline) extract(ctx context.Context, fs featureSet, clip *pcm.Clip) ([]*fbank.Spectrogram, error) {
	segs, err := fs.sampler.Segments(clip)
	if err != nil {
		return nil, err
	}
	out := make([]*fbank.Spectrogram, len(segs))
	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var key cache.Key
		if p.cache != nil && clip.Hash != "" {
			key = cache.SpecKey(clip.Hash, fs.key, seg.Index)
			var cs cachedSpec
			err := cache.GetValue(ctx, p.cache, key, &cs)
			if err == nil && len(cs.Data) == cs.Mels*cs.Frames {
				out[i] = &fbank.Spectrogram{Mels: cs.Mels, Frames: cs.Frames, Data: cs.Data}
				continue
			}
			if err != nil && !errors.Is(err, cache.ErrNotFound) {
				p.log.Warn("pipeline: cache read failed", "source", clip.Source, "segment", seg.Index, "error", err)
			}
		}
		spec, err := fs.extractor.Extract(seg.Samples())
		if err != nil {
			return nil, fmt.Errorf("pipeline: %s segment %d: %w", clip.Source, seg.Index, err)
		}
		out[i] = spec
		if key != nil {
			if err := cache.SetValue(ctx, p.cache, key, cachedSpec{Mels: spec.Mels, Frames: spec.Frames, Data: spec.Data}); err != nil {
				p.log.Warn("pipeline: cache write failed", "source", clip.Source, "error", err)
			}
		}
	}
	return out, nil
}

func (p *Pipeline) embedder() (model.Embedder, error) {
	if p.model == nil {
		return nil, errors.New("pipeline: no model configured")
	}
	return p.model, nil
}

// EmbedClip returns one embedding per indexing segment of clip, in time
// order.
func (p *Pipeline) EmbedClip(ctx context.Context, clip *pcm.Clip) ([][]float32, error) {
	return p.embedClip(ctx, p.index, clip, p.workers)
}

func (p *Pipeline) embedClip(ctx context.Context, fs featureSet, clip *pcm.Clip, workers int) ([][]float32, error) {
	m, err := p.embedder()
	if err != nil {
		return nil, err
	}
	specs, err := p.extract(ctx, fs, clip)
	if err != nil {
		return nil, err
	}
	return model.EmbedBatch(ctx, m, specs, workers)
}
