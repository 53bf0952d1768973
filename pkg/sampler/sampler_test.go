package sampler_test

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/sampler"
)

func ramp(n int) *pcm.Clip {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i+1) / float32(n)
	}
	return &pcm.Clip{Source: "ramp", SampleRate: 8000, Samples: s}
}

func newSampler(t *testing.T) *sampler.Sampler {
	t.Helper()
	s, err := sampler.New(sampler.FromConfig(config.Default()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestThirtySecondsYields59(t *testing.T) {
	s := newSampler(t)
	segs, err := s.Segments(ramp(30 * 8000))
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 59 {
		t.Fatalf("segments = %d, want 59", len(segs))
	}
	for i, seg := range segs {
		if seg.Index != i || seg.Start != i*4000 || seg.Length != 8000 {
			t.Fatalf("segment %d = %+v", i, seg)
		}
	}
	last := segs[58]
	if last.Offset() != 29*time.Second {
		t.Fatalf("last offset = %v", last.Offset())
	}
}

func TestCountRounding(t *testing.T) {
	s := newSampler(t)
	tests := []struct {
		n, want int
	}{
		{8000, 1},
		{10000, 2},   // 1.5 rounds to even
		{14000, 2},   // 2.5 rounds to even
		{241600, 59}, // 59.4
		{242000, 60}, // 59.5 rounds to even
		{0, 0},
	}
	for _, tt := range tests {
		if got := s.Count(tt.n); got != tt.want {
			t.Errorf("Count(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestPartialTailZeroPadded(t *testing.T) {
	s := newSampler(t)
	clip := ramp(242000)
	segs, err := s.Segments(clip)
	if err != nil {
		t.Fatal(err)
	}
	last := segs[len(segs)-1]
	x := last.Samples()
	if len(x) != 8000 {
		t.Fatalf("len = %d", len(x))
	}
	// Start 236000: 6000 real samples then 2000 zeros.
	if x[5999] != clip.Samples[241999] {
		t.Fatalf("last real sample = %v", x[5999])
	}
	for _, v := range x[6000:] {
		if v != 0 {
			t.Fatal("tail not zero padded")
		}
	}
}

func TestShortClip(t *testing.T) {
	s := newSampler(t)
	clip := ramp(4000)
	segs, err := s.Segments(clip)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 1 || segs[0].Start != -4000 {
		t.Fatalf("segments = %+v", segs)
	}
	x := segs[0].Samples()
	for _, v := range x[:4000] {
		if v != 0 {
			t.Fatal("short clip start not zero padded")
		}
	}
	if !slices.Equal(x[4000:], clip.Samples) {
		t.Fatal("short clip content misplaced")
	}

	noPad, err := sampler.New(sampler.Config{SegmentLength: 8000, HopLength: 4000})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := noPad.Segments(clip); !errors.Is(err, sampler.ErrNoSegments) {
		t.Fatalf("Segments without pad = %v, want ErrNoSegments", err)
	}
	if _, err := s.Segments(&pcm.Clip{SampleRate: 8000}); !errors.Is(err, sampler.ErrNoSegments) {
		t.Fatalf("Segments(empty) = %v, want ErrNoSegments", err)
	}
}

func TestClipsPerSong(t *testing.T) {
	cfg := sampler.FromConfig(config.Default())
	cfg.ClipsPerSong = 3
	s, err := sampler.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	segs, err := s.Segments(ramp(30 * 8000))
	if err != nil {
		t.Fatal(err)
	}
	var idx []int
	for _, seg := range segs {
		idx = append(idx, seg.Index)
	}
	if !slices.Equal(idx, []int{0, 29, 58}) {
		t.Fatalf("indices = %v", idx)
	}
}

func TestPair(t *testing.T) {
	s := newSampler(t)
	clip := ramp(10 * 8000)
	segs, err := s.Segments(clip)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewPCG(7, 7^0xdeadbeef))
	for _, seg := range []sampler.Segment{segs[0], segs[5]} {
		for range 20 {
			p := s.Pair(seg, rng)
			if p.CleanOffset < 0 || p.CleanOffset > 1600 || p.DistortedOffset < 0 || p.DistortedOffset > 1600 {
				t.Fatalf("offsets %d %d outside [0, 1600]", p.CleanOffset, p.DistortedOffset)
			}
			if len(p.Clean) != 8000 || len(p.Distorted) != 16000 {
				t.Fatalf("view lengths %d %d", len(p.Clean), len(p.Distorted))
			}
			cs := seg.Start + p.CleanOffset
			if !slices.Equal(p.Clean, clip.Samples[cs:cs+8000]) {
				t.Fatal("clean view content mismatch")
			}
			ds := seg.Start + p.DistortedOffset
			if !slices.Equal(p.Distorted[8000:], clip.Samples[ds:ds+8000]) {
				t.Fatal("distorted view content mismatch")
			}
			if seg.Start == 0 && p.Distorted[0] != 0 {
				t.Fatal("pre-roll before clip start not zero")
			}
		}
	}
}

func TestPairDeterministic(t *testing.T) {
	s := newSampler(t)
	segs, _ := s.Segments(ramp(5 * 8000))
	a := s.Pair(segs[2], rand.New(rand.NewPCG(1, 2)))
	b := s.Pair(segs[2], rand.New(rand.NewPCG(1, 2)))
	if a.CleanOffset != b.CleanOffset || a.DistortedOffset != b.DistortedOffset {
		t.Fatal("same seed produced different pairs")
	}
}

func TestAnchors(t *testing.T) {
	noPad, err := sampler.New(sampler.Config{SegmentLength: 8000, HopLength: 4000, TimeOffset: 9600})
	if err != nil {
		t.Fatal(err)
	}
	short := ramp(100)
	short.Source = "short"
	anchors, skipped := noPad.Anchors([]*pcm.Clip{ramp(16000), short, ramp(8000)})
	if len(anchors) != 4 {
		t.Fatalf("anchors = %d, want 4", len(anchors))
	}
	if anchors[3].Clip != 2 {
		t.Fatalf("last anchor clip = %d", anchors[3].Clip)
	}
	if !slices.Equal(skipped, []string{"short"}) {
		t.Fatalf("skipped = %v", skipped)
	}
}

func TestNewInvalid(t *testing.T) {
	bad := []sampler.Config{
		{SegmentLength: 0, HopLength: 1},
		{SegmentLength: 100, HopLength: 200},
		{SegmentLength: 100, HopLength: 50, TimeOffset: 50},
	}
	for _, cfg := range bad {
		if _, err := sampler.New(cfg); err == nil {
			t.Errorf("New(%+v) succeeded", cfg)
		}
	}
}
