// Package sampler cuts clips into fixed-length overlapping segments and
// draws the paired clean/distorted views used for contrastive training.
//
// Segment i of a clip starts at i*hop samples. The number of segments of an
// n-sample clip is round((n - seg + hop) / hop) with ties rounded to even,
// so a 30 s clip at 1 s segments and 0.5 s hop yields 59 segments. A
// segment reaching past the end of the clip is zero padded.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/config"
)

// ErrNoSegments is returned for clips too short to yield a segment. The
// clip is skipped; it is not fatal to a batch.
var ErrNoSegments = errors.New("sampler: clip too short for one segment")

// Config holds segment geometry in samples.
type Config struct {
	SegmentLength int
	HopLength     int

	// TimeOffset is the anchor window from which both paired views are
	// drawn. Must be at least SegmentLength.
	TimeOffset int

	// PadStart is the left context carried by distorted views for reverb
	// simulation. A positive PadStart also allows clips shorter than one
	// segment (but not shorter than SegmentLength-PadStart) to be zero
	// padded at the start instead of skipped.
	PadStart int

	// ClipsPerSong caps segments per clip, keeping an evenly spaced
	// subset. Zero means no cap.
	ClipsPerSong int
}

// FromConfig derives the sampler geometry from the pipeline parameters.
func FromConfig(c *config.Config) Config {
	return Config{
		SegmentLength: c.SegmentSamples(),
		HopLength:     c.HopSamples(),
		TimeOffset:    c.TimeOffsetSamples(),
		PadStart:      c.PadStartSamples(),
		ClipsPerSong:  c.ClipsPerSong,
	}
}

// Segment is a window of a clip. Segments share the clip's samples; Start
// may be negative or extend past the clip, in which case the missing
// samples read as zero.
type Segment struct {
	Clip   *pcm.Clip
	Index  int
	Start  int
	Length int
}

// Samples returns a zero padded copy of the segment.
func (s Segment) Samples() []float32 {
	return s.window(s.Start, s.Length)
}

// Offset returns the segment start time within the clip.
func (s Segment) Offset() time.Duration {
	if s.Clip.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Start) * time.Second / time.Duration(s.Clip.SampleRate)
}

// window copies clip samples [start, start+n) with zeros outside the clip.
func (s Segment) window(start, n int) []float32 {
	out := make([]float32, n)
	src := s.Clip.Samples
	lo, hi := max(start, 0), min(start+n, len(src))
	if lo < hi {
		copy(out[lo-start:], src[lo:hi])
	}
	return out
}

// Sampler produces segments and paired views. It holds no mutable state
// and is safe for concurrent use.
type Sampler struct {
	cfg Config
}

// New validates cfg and creates a Sampler.
func New(cfg Config) (*Sampler, error) {
	if cfg.SegmentLength <= 0 {
		return nil, fmt.Errorf("sampler: segment length must be positive, got %d", cfg.SegmentLength)
	}
	if cfg.HopLength <= 0 || cfg.HopLength > cfg.SegmentLength {
		return nil, fmt.Errorf("sampler: hop length %d must be in (0, %d]", cfg.HopLength, cfg.SegmentLength)
	}
	if cfg.TimeOffset == 0 {
		cfg.TimeOffset = cfg.SegmentLength
	}
	if cfg.TimeOffset < cfg.SegmentLength {
		return nil, fmt.Errorf("sampler: time offset %d shorter than segment %d", cfg.TimeOffset, cfg.SegmentLength)
	}
	if cfg.PadStart < 0 || cfg.ClipsPerSong < 0 {
		return nil, fmt.Errorf("sampler: negative pad start or clips per song")
	}
	return &Sampler{cfg: cfg}, nil
}

// Config returns the sampler geometry.
func (s *Sampler) Config() Config {
	return s.cfg
}

// Count returns the number of segments of an n-sample clip, before the
// ClipsPerSong cap.
func (s *Sampler) Count(n int) int {
	seg, hop := s.cfg.SegmentLength, s.cfg.HopLength
	if n <= 0 {
		return 0
	}
	if n < seg {
		if s.cfg.PadStart > 0 && n+s.cfg.PadStart >= seg {
			return 1
		}
		return 0
	}
	return int(math.RoundToEven(float64(n-seg+hop) / float64(hop)))
}

// Segments cuts clip into segments in time order. Clips too short for one
// segment return ErrNoSegments.
func (s *Sampler) Segments(clip *pcm.Clip) ([]Segment, error) {
	n := clip.Len()
	count := s.Count(n)
	if count == 0 {
		return nil, fmt.Errorf("%w: %s has %d samples, need %d", ErrNoSegments, clip.Source, n, s.cfg.SegmentLength-s.cfg.PadStart)
	}
	if n < s.cfg.SegmentLength {
		// Short clip: align to the clip end and zero pad the start.
		return []Segment{{Clip: clip, Index: 0, Start: n - s.cfg.SegmentLength, Length: s.cfg.SegmentLength}}, nil
	}

	segs := make([]Segment, 0, count)
	for _, i := range s.pick(count) {
		segs = append(segs, Segment{
			Clip:   clip,
			Index:  i,
			Start:  i * s.cfg.HopLength,
			Length: s.cfg.SegmentLength,
		})
	}
	return segs, nil
}

// pick returns the segment indices kept under the ClipsPerSong cap.
func (s *Sampler) pick(count int) []int {
	limit := s.cfg.ClipsPerSong
	idx := make([]int, 0, count)
	if limit <= 0 || count <= limit {
		for i := range count {
			idx = append(idx, i)
		}
		return idx
	}
	if limit == 1 {
		return append(idx, count/2)
	}
	for k := range limit {
		idx = append(idx, int(math.Round(float64(k)*float64(count-1)/float64(limit-1))))
	}
	return idx
}

// Anchor identifies one segment in a flattened set of clips.
type Anchor struct {
	Clip    int
	Segment Segment
}

// Anchors flattens the segments of clips. Clips yielding no segments are
// reported by source and otherwise ignored.
func (s *Sampler) Anchors(clips []*pcm.Clip) ([]Anchor, []string) {
	var (
		out     []Anchor
		skipped []string
	)
	for ci, c := range clips {
		segs, err := s.Segments(c)
		if err != nil {
			skipped = append(skipped, c.Source)
			continue
		}
		for _, seg := range segs {
			out = append(out, Anchor{Clip: ci, Segment: seg})
		}
	}
	return out, skipped
}

// Pair is a clean view and a distorted view of the same anchor.
type Pair struct {
	Anchor Segment

	// Clean is SegmentLength samples starting at CleanOffset within the
	// anchor window.
	Clean       []float32
	CleanOffset int

	// Distorted is PadStart+SegmentLength samples: PadStart samples of
	// left context followed by the segment starting at DistortedOffset
	// within the anchor window.
	Distorted       []float32
	DistortedOffset int
}

// Pair draws the two views of anchor. The anchor window is TimeOffset
// samples starting at the anchor's start; each view starts at an
// independent uniform offset in [0, TimeOffset-SegmentLength], so the
// views overlap but are rarely aligned.
func (s *Sampler) Pair(anchor Segment, rng *rand.Rand) Pair {
	span := s.cfg.TimeOffset - s.cfg.SegmentLength
	c, d := 0, 0
	if span > 0 {
		c = rng.IntN(span + 1)
		d = rng.IntN(span + 1)
	}
	return Pair{
		Anchor:          anchor,
		Clean:           anchor.window(anchor.Start+c, s.cfg.SegmentLength),
		CleanOffset:     c,
		Distorted:       anchor.window(anchor.Start+d-s.cfg.PadStart, s.cfg.PadStart+s.cfg.SegmentLength),
		DistortedOffset: d,
	}
}
