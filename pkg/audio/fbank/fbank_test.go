package fbank

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/mimbres/pfann/pkg/config"
)

func tone(n, rate int, hz float64) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(0.5 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate)))
	}
	return x
}

func newTestExtractor(t *testing.T, cfg Config) *Extractor {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestPeriodicHann(t *testing.T) {
	w := periodicHann(4)
	want := []float64{0, 0.5, 1, 0.5}
	for i := range want {
		if math.Abs(w[i]-want[i]) > 1e-12 {
			t.Fatalf("periodicHann(4) = %v, want %v", w, want)
		}
	}
}

func TestReflect(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{-1, 5, 1},
		{-4, 5, 4},
		{5, 5, 3},
		{8, 5, 0},
		{-5, 5, 3},
		{3, 1, 0},
		{2, 5, 2},
	}
	for _, tt := range tests {
		if got := reflect(tt.i, tt.n); got != tt.want {
			t.Errorf("reflect(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}

func TestMelConversion(t *testing.T) {
	mel := hzToMel(1000)
	if math.Abs(mel-1000.0) > 1.0 {
		t.Errorf("hzToMel(1000) = %f, want ~1000", mel)
	}
	if hz := melToHz(mel); math.Abs(hz-1000) > 1e-9 {
		t.Errorf("melToHz(hzToMel(1000)) = %f", hz)
	}
}

func TestMelFilterBank(t *testing.T) {
	bank := melFilterBank(64, 1024, 8000, 300, 4000)
	if len(bank) != 64 {
		t.Fatalf("len = %d", len(bank))
	}
	binHz := 8000.0 / 1024
	prevStart := -1
	for m, f := range bank {
		if len(f.weights) == 0 {
			t.Fatalf("filter %d is empty", m)
		}
		for _, w := range f.weights {
			if w <= 0 || w > 1 {
				t.Fatalf("filter %d weight %v out of (0, 1]", m, w)
			}
		}
		if f.start < prevStart {
			t.Fatalf("filter %d starts before filter %d", m, m-1)
		}
		prevStart = f.start
		if lo := float64(f.start) * binHz; lo < 300 {
			t.Fatalf("filter %d starts at %.1f Hz, below f_min", m, lo)
		}
		if hi := float64(f.start+len(f.weights)-1) * binHz; hi > 4000 {
			t.Fatalf("filter %d ends at %.1f Hz, above f_max", m, hi)
		}
	}
}

func TestShapeInvariantAcrossSegments(t *testing.T) {
	e := newTestExtractor(t, DefaultConfig())
	rng := rand.New(rand.NewPCG(1, 2))
	noise := make([]float32, 8000)
	for i := range noise {
		noise[i] = float32(rng.NormFloat64() * 0.1)
	}
	inputs := [][]float32{make([]float32, 8000), tone(8000, 8000, 440), noise}

	wm, wf := e.ExpectedShape()
	if wm != 256 || wf != 32 {
		t.Fatalf("ExpectedShape = %dx%d, want 256x32", wm, wf)
	}
	for i, x := range inputs {
		s, err := e.Extract(x)
		if err != nil {
			t.Fatalf("input %d: %v", i, err)
		}
		if s.Mels != wm || s.Frames != wf || len(s.Data) != wm*wf {
			t.Fatalf("input %d: shape %dx%d (%d values)", i, s.Mels, s.Frames, len(s.Data))
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	e := newTestExtractor(t, DefaultConfig())
	_, err := e.Extract(make([]float32, 9000))
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("Extract = %v, want ShapeMismatchError", err)
	}
	if sm.WantFrames != 32 || sm.GotFrames != 36 {
		t.Fatalf("ShapeMismatchError = %+v", sm)
	}
	// Lengths mapping to the same frame count are accepted.
	if _, err := e.Extract(make([]float32, 8100)); err != nil {
		t.Fatalf("Extract(8100): %v", err)
	}
}

func TestDynamicRangeFloor(t *testing.T) {
	e := newTestExtractor(t, DefaultConfig())
	s, err := e.Extract(tone(8000, 8000, 1000))
	if err != nil {
		t.Fatal(err)
	}
	peak := float64(s.Max())
	floor := peak - 80*math.Ln10/10
	clamped := 0
	for _, v := range s.Data {
		if float64(v) < floor-1e-4 {
			t.Fatalf("value %v below floor %v", v, floor)
		}
		if math.Abs(float64(v)-floor) < 1e-4 {
			clamped++
		}
	}
	if clamped == 0 {
		t.Fatal("pure tone produced no clamped values")
	}
}

func TestSilence(t *testing.T) {
	e := newTestExtractor(t, DefaultConfig())
	s, err := e.Extract(make([]float32, 8000))
	if err != nil {
		t.Fatal(err)
	}
	want := float32(math.Log(1e-8))
	for _, v := range s.Data {
		if v != want {
			t.Fatalf("silence value %v, want %v", v, want)
		}
	}
}

func TestTonePeakBand(t *testing.T) {
	cfg := DefaultConfig()
	e := newTestExtractor(t, cfg)
	s, err := e.Extract(tone(8000, 8000, 1000))
	if err != nil {
		t.Fatal(err)
	}
	best, bestV := 0, float32(math.Inf(-1))
	for m := range s.Mels {
		if v := s.At(m, s.Frames/2); v > bestV {
			best, bestV = m, v
		}
	}
	lo, hi := hzToMel(cfg.LowFreq), hzToMel(cfg.HighFreq)
	center := melToHz(lo + float64(best+1)*(hi-lo)/float64(cfg.NumMels+1))
	if math.Abs(center-1000) > 30 {
		t.Fatalf("peak band %d centered at %.1f Hz, want ~1000", best, center)
	}
}

func TestNormMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Norm = NormMax
	e := newTestExtractor(t, cfg)
	s, err := e.Extract(tone(8000, 8000, 700))
	if err != nil {
		t.Fatal(err)
	}
	if s.Max() != 0 {
		t.Fatalf("max = %v, want 0", s.Max())
	}
}

func TestConcurrentExtract(t *testing.T) {
	e := newTestExtractor(t, DefaultConfig())
	x := tone(8000, 8000, 523)
	ref, err := e.Extract(x)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := e.Extract(x)
			if err != nil {
				errs <- err
				return
			}
			for i := range s.Data {
				if s.Data[i] != ref.Data[i] {
					errs <- errors.New("concurrent result differs")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.SpecNorm = "max"
	cfg := FromConfig(c)
	if cfg.Norm != NormMax || cfg.SegmentLength != 8000 || cfg.NumMels != 256 {
		t.Fatalf("FromConfig = %+v", cfg)
	}
	if _, err := New(cfg); err != nil {
		t.Fatalf("New(FromConfig(default)): %v", err)
	}
}

func TestNewInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighFreq = 5000
	if _, err := New(cfg); err == nil {
		t.Fatal("New accepted f_max above Nyquist")
	}
}

func BenchmarkExtract(b *testing.B) {
	e, err := New(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	x := tone(8000, 8000, 440)
	b.ResetTimer()
	for range b.N {
		if _, err := e.Extract(x); err != nil {
			b.Fatal(err)
		}
	}
}
