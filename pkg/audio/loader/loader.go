// Package loader decodes audio files into mono clips at the canonical
// sample rate.
//
// WAV and MP3 are decoded in process, raw s16le PCM (.pcm, .raw) is taken
// to already be at the target rate, and any other container is handed to
// ffmpeg when it is installed. Decoded clips can be cached by content hash
// so repeated runs skip decoding and resampling.
package loader

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/audio/resampler"
	"github.com/mimbres/pfann/pkg/cache"
)

// ErrUnsupportedFormat is wrapped in a DecodeError when no decoder handles
// a file's extension.
var ErrUnsupportedFormat = errors.New("loader: unsupported audio format")

// DecodeError reports an unreadable or corrupt audio file. Batch callers
// skip the file and report Path; it never aborts a manifest.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("loader: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Options configures a Loader.
type Options struct {
	// SampleRate is the canonical output rate. Required.
	SampleRate int

	// Cache stores decoded clips by content hash. Optional.
	Cache cache.Store

	// FFmpeg is the ffmpeg binary used for containers without a native
	// decoder. Defaults to "ffmpeg" on PATH; set to "-" to disable.
	FFmpeg string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Loader decodes and resamples audio files. It is safe for concurrent use.
type Loader struct {
	rate   int
	cache  cache.Store
	ffmpeg string
	log    *slog.Logger
}

// New creates a Loader.
func New(opts Options) (*Loader, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("loader: invalid sample rate %d", opts.SampleRate)
	}
	l := &Loader{
		rate:   opts.SampleRate,
		cache:  opts.Cache,
		ffmpeg: opts.FFmpeg,
		log:    opts.Logger,
	}
	if l.ffmpeg == "" {
		l.ffmpeg = "ffmpeg"
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l, nil
}

// SampleRate returns the canonical output rate.
func (l *Loader) SampleRate() int {
	return l.rate
}

// clipCacheVersion changes whenever cachedClip does; older entries are
// treated as misses.
const clipCacheVersion = 2

// cachedClip is the cache representation of a decoded clip: 16-bit PCM,
// half the size of the float samples it expands to.
type cachedClip struct {
	Version    int     `msgpack:"v"`
	SampleRate int     `msgpack:"sr"`
	PCM        []int16 `msgpack:"pcm"`
}

// Load decodes the file at path. Failures to read or decode the file are
// returned as *DecodeError.
func (l *Loader) Load(ctx context.Context, path string) (*pcm.Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return l.Decode(ctx, path, data)
}

// Decode decodes in-memory file contents. name supplies the extension used
// to pick a decoder and becomes the clip's Source.
func (l *Loader) Decode(ctx context.Context, name string, data []byte) (*pcm.Clip, error) {
	hash := cache.ContentHash(data)
	key := cache.ClipKey(hash, l.rate)

	if l.cache != nil {
		var cc cachedClip
		err := cache.GetValue(ctx, l.cache, key, &cc)
		if err == nil && cc.Version == clipCacheVersion && cc.SampleRate == l.rate {
			return &pcm.Clip{Source: name, Hash: hash, SampleRate: l.rate, Samples: pcm.FromInt16(cc.PCM)}, nil
		}
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			l.log.Warn("loader: cache read failed", "path", name, "error", err)
		}
	}

	samples, rate, err := l.decode(ctx, name, data)
	if err != nil {
		return nil, &DecodeError{Path: name, Err: err}
	}
	if rate != l.rate {
		samples, err = resampler.Resample(samples, rate, l.rate)
		if err != nil {
			return nil, &DecodeError{Path: name, Err: err}
		}
	}
	// Quantize so that a fresh decode and a cache hit yield the same
	// samples.
	q := pcm.ToInt16(samples)
	clip := &pcm.Clip{Source: name, Hash: hash, SampleRate: l.rate, Samples: pcm.FromInt16(q)}

	if l.cache != nil {
		if err := cache.SetValue(ctx, l.cache, key, cachedClip{Version: clipCacheVersion, SampleRate: l.rate, PCM: q}); err != nil {
			l.log.Warn("loader: cache write failed", "path", name, "error", err)
		}
	}
	return clip, nil
}

// decode returns mono samples at their native rate.
func (l *Loader) decode(ctx context.Context, name string, data []byte) ([]float32, int, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".wav", ".wave":
		return decodeWAV(bytes.NewReader(data))
	case ".mp3":
		return decodeMP3(bytes.NewReader(data))
	case ".pcm", ".raw", ".s16le":
		if len(data)%2 != 0 {
			return nil, 0, fmt.Errorf("odd byte count %d for 16-bit PCM", len(data))
		}
		return pcm.DecodeS16LE(data, 1), l.rate, nil
	default:
		if l.ffmpeg == "-" {
			return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
		}
		samples, err := decodeFFmpeg(ctx, l.ffmpeg, data, l.rate)
		if err != nil {
			return nil, 0, err
		}
		return samples, l.rate, nil
	}
}

// Skipped records a file that LoadAll could not decode.
type Skipped struct {
	Path string
	Err  error
}

// LoadAll loads paths concurrently with up to workers goroutines (0 means
// GOMAXPROCS). Files that fail to decode are skipped and reported; the
// returned clips keep manifest order. Only context cancellation is returned
// as an error.
func (l *Loader) LoadAll(ctx context.Context, paths []string, workers int) ([]*pcm.Clip, []Skipped, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	clips := make([]*pcm.Clip, len(paths))
	var (
		mu      sync.Mutex
		skipped []Skipped
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			clip, err := l.Load(gctx, p)
			if err != nil {
				var de *DecodeError
				if !errors.As(err, &de) {
					return err
				}
				l.log.Warn("loader: skipping file", "path", p, "error", de.Err)
				mu.Lock()
				skipped = append(skipped, Skipped{Path: p, Err: de.Err})
				mu.Unlock()
				return nil
			}
			clips[i] = clip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := clips[:0]
	for _, c := range clips {
		if c != nil {
			out = append(out, c)
		}
	}
	sortSkipped(skipped, paths)
	return out, skipped, nil
}

// sortSkipped orders skipped entries by manifest position.
func sortSkipped(s []Skipped, paths []string) {
	pos := make(map[string]int, len(paths))
	for i, p := range paths {
		if _, ok := pos[p]; !ok {
			pos[p] = i
		}
	}
	slices.SortFunc(s, func(a, b Skipped) int {
		return cmp.Compare(pos[a.Path], pos[b.Path])
	})
}
