package augment_test

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/mimbres/pfann/pkg/audio/loader"
	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/augment"
	"github.com/mimbres/pfann/pkg/config"
)

func sine(n int, hz float64) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(0.5 * math.Sin(2*math.Pi*hz*float64(i)/8000))
	}
	return x
}

func white(rng *rand.Rand, n int) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(rng.NormFloat64() * 0.1)
	}
	return x
}

func testConfig() augment.Config {
	return augment.Config{
		SegmentLength: 8000,
		PadStart:      800,
		NoiseEnabled:  true,
		SNRMin:        0,
		SNRMax:        10,
		MicEnabled:    true,
		MicIRLength:   400,
		AirEnabled:    true,
		AirLength:     1600,
		FFTConvN:      16384,
		CutoutMin:     100,
		CutoutMax:     400,
		CutoutCount:   2,
	}
}

func testSources(rng *rand.Rand) augment.Sources {
	decay := func(n int) []float32 {
		ir := white(rng, n)
		for i := range ir {
			ir[i] *= float32(math.Exp(-float64(i) / float64(n/8)))
		}
		return ir
	}
	return augment.Sources{
		Noise: [][]float32{white(rng, 3000), white(rng, 20000)},
		MicIR: [][]float32{decay(300), decay(600)},
		AirIR: [][]float32{decay(1600), decay(2400)},
	}
}

func TestMixNoiseHitsSNR(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3^0xdeadbeef))
	x := sine(8000, 440)
	for range 50 {
		snr := rng.Float64()*20 - 5
		noise := white(rng, 8000)
		y := augment.MixNoise(x, noise, snr)
		if len(y) != len(x) {
			t.Fatalf("len = %d", len(y))
		}
		if got := augment.SNR(x, y); math.Abs(got-snr) > 0.5 {
			t.Fatalf("SNR = %.3f dB, want %.3f", got, snr)
		}
	}
}

func TestToneWhiteNoiseZeroDB(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 11^0xdeadbeef))
	x := sine(8000, 1000)
	y := augment.MixNoise(x, white(rng, 8000), 0)
	if got := augment.SNR(x, y); math.Abs(got) > 0.5 {
		t.Fatalf("SNR = %.3f dB, want ~0", got)
	}
}

func TestMixNoiseSilent(t *testing.T) {
	x := sine(100, 440)
	y := augment.MixNoise(x, make([]float32, 100), 5)
	if !slices.Equal(x, y) {
		t.Fatal("silent noise changed the signal")
	}
}

func TestConvolveImpulse(t *testing.T) {
	x := sine(1000, 300)
	y := augment.Convolve(x, []float32{0, 1})
	if len(y) != 1001 {
		t.Fatalf("len = %d, want 1001", len(y))
	}
	if y[0] > 1e-5 || y[0] < -1e-5 {
		t.Fatalf("y[0] = %v, want 0", y[0])
	}
	for i := range x {
		if math.Abs(float64(y[i+1]-x[i])) > 1e-5 {
			t.Fatalf("y[%d] = %v, want %v", i+1, y[i+1], x[i])
		}
	}
}

func TestApplyPreservesLength(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1^0xdeadbeef))
	e, err := augment.NewEngine(testConfig(), testSources(rng))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	view := sine(e.ViewLength(), 523)
	for range 10 {
		r := e.Sample(rng)
		out, err := e.Apply(view, r)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if len(out) != 8000 {
			t.Fatalf("len = %d, want 8000", len(out))
		}
		for _, c := range r.Cutouts {
			if c.Length < 100 || c.Length > 400 || c.Start+c.Length > 8000 {
				t.Fatalf("cutout %+v out of range", c)
			}
			for _, v := range out[c.Start : c.Start+c.Length] {
				if v != 0 {
					t.Fatal("cutout interval not zeroed")
				}
			}
		}
		if r.SNR < 0 || r.SNR > 10 {
			t.Fatalf("snr %v outside [0, 10]", r.SNR)
		}
	}
	if _, err := e.Apply(view[:100], e.Sample(rng)); err == nil {
		t.Fatal("Apply accepted a short view")
	}
}

func TestApplyDeterministic(t *testing.T) {
	src := testSources(rand.New(rand.NewPCG(5, 5)))
	run := func() []float32 {
		e, err := augment.NewEngine(testConfig(), src)
		if err != nil {
			t.Fatal(err)
		}
		rng := rand.New(rand.NewPCG(42, 42^0xdeadbeef))
		out, err := e.Apply(sine(e.ViewLength(), 700), e.Sample(rng))
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			t.Fatalf("sample %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestApplyWithoutSteps(t *testing.T) {
	e, err := augment.NewEngine(augment.Config{SegmentLength: 100, PadStart: 10}, augment.Sources{})
	if err != nil {
		t.Fatal(err)
	}
	view := sine(110, 440)
	r := e.Sample(rand.New(rand.NewPCG(1, 2)))
	if r.Noise != -1 || r.Mic != -1 || r.Air != -1 || len(r.Cutouts) != 0 {
		t.Fatalf("recipe = %+v", r)
	}
	out, err := e.Apply(view, r)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out, view[10:]) {
		t.Fatal("identity recipe changed the segment")
	}
}

func TestEmptySourceList(t *testing.T) {
	cfg := testConfig()
	src := testSources(rand.New(rand.NewPCG(1, 2)))
	src.MicIR = nil
	if _, err := augment.NewEngine(cfg, src); !errors.Is(err, config.ErrEmptySourceList) {
		t.Fatalf("NewEngine = %v, want ErrEmptySourceList", err)
	}
	src = testSources(rand.New(rand.NewPCG(1, 2)))
	src.Noise = [][]float32{{}}
	if _, err := augment.NewEngine(cfg, src); !errors.Is(err, config.ErrEmptySourceList) {
		t.Fatalf("NewEngine = %v, want ErrEmptySourceList", err)
	}
}

func TestConvolutionOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.FFTConvN = 8192
	_, err := augment.NewEngine(cfg, testSources(rand.New(rand.NewPCG(1, 2))))
	var oe *config.ConvolutionOverflowError
	if !errors.As(err, &oe) {
		t.Fatalf("NewEngine = %v, want ConvolutionOverflowError", err)
	}
	if oe.Required != 800+8000+1599+399 {
		t.Fatalf("Required = %d", oe.Required)
	}
}

func TestZeroIRLengthRejected(t *testing.T) {
	cfg := testConfig()
	cfg.AirLength = 0
	if _, err := augment.NewEngine(cfg, testSources(rand.New(rand.NewPCG(1, 2)))); err == nil {
		t.Fatal("NewEngine accepted air length 0")
	}
	cfg = testConfig()
	cfg.MicIRLength = 0
	if _, err := augment.NewEngine(cfg, testSources(rand.New(rand.NewPCG(1, 2)))); err == nil {
		t.Fatal("NewEngine accepted micirp length 0")
	}
}

// A room response with a late echo must act as a linear filter: the echo
// of a click may not wrap around into earlier samples.
func TestLongIRDoesNotWrap(t *testing.T) {
	ir := make([]float32, 16000)
	ir[0], ir[5000] = 1, 1
	cfg := augment.Config{
		SegmentLength: 8000,
		AirEnabled:    true,
		AirLength:     16000,
		FFTConvN:      32768,
	}
	e, err := augment.NewEngine(cfg, augment.Sources{AirIR: [][]float32{ir}})
	if err != nil {
		t.Fatal(err)
	}
	view := make([]float32, 8000)
	view[7000] = 1
	out, err := e.Apply(view, augment.Recipe{Noise: -1, Mic: -1, Air: 0})
	if err != nil {
		t.Fatal(err)
	}
	if got := out[7000]; math.Abs(float64(got)-1/math.Sqrt2) > 1e-4 {
		t.Fatalf("direct path = %g, want %g", got, 1/math.Sqrt2)
	}
	// 7000 + 5000 - 8192 would be the aliased position at an 8192 FFT.
	for i, v := range out {
		if i != 7000 && math.Abs(float64(v)) > 1e-4 {
			t.Fatalf("out[%d] = %g, want silence outside the direct path", i, v)
		}
	}

	// Truncating to a shorter configured length drops the echo entirely.
	cfg.AirLength, cfg.FFTConvN = 4000, 16384
	if e, err = augment.NewEngine(cfg, augment.Sources{AirIR: [][]float32{ir}}); err != nil {
		t.Fatal(err)
	}
	if out, err = e.Apply(view, augment.Recipe{Noise: -1, Mic: -1, Air: 0}); err != nil {
		t.Fatal(err)
	}
	if got := out[7000]; math.Abs(float64(got)-1) > 1e-4 {
		t.Fatalf("truncated direct path = %g, want 1", got)
	}

	cfg.FFTConvN = 8192
	var oe *config.ConvolutionOverflowError
	if _, err := augment.NewEngine(cfg, augment.Sources{AirIR: [][]float32{ir}}); !errors.As(err, &oe) {
		t.Fatalf("NewEngine = %v, want ConvolutionOverflowError", err)
	}
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.Noise.Train = "noise.csv"
	c.CutoutMax = 0.1
	cfg := augment.FromConfig(c, false)
	if !cfg.NoiseEnabled || cfg.MicEnabled || cfg.AirEnabled {
		t.Fatalf("enabled = %v %v %v", cfg.NoiseEnabled, cfg.MicEnabled, cfg.AirEnabled)
	}
	if cfg.SegmentLength != 8000 || cfg.PadStart != 8000 || cfg.CutoutMax != 800 {
		t.Fatalf("FromConfig = %+v", cfg)
	}
	if augment.FromConfig(c, true).NoiseEnabled {
		t.Fatal("validation split enabled training noise")
	}
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewPCG(9, 9))
	for _, name := range []string{"n1.wav", "n2.wav"} {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if err := loader.EncodeWAV(f, &pcm.Clip{SampleRate: 8000, Samples: white(rng, 4000)}); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}
	list := filepath.Join(dir, "noise.csv")
	if err := os.WriteFile(list, []byte("path\nn1.wav\nn2.wav\nmissing.wav\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := config.Default()
	c.AudioRoot = dir
	c.Noise.Train = list
	l, err := loader.New(loader.Options{SampleRate: 8000, FFmpeg: "-"})
	if err != nil {
		t.Fatal(err)
	}
	src, skipped, err := augment.LoadSources(context.Background(), l, c, false)
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if len(src.Noise) != 2 || len(src.MicIR) != 0 || len(src.AirIR) != 0 {
		t.Fatalf("pools = %d %d %d", len(src.Noise), len(src.MicIR), len(src.AirIR))
	}
	if len(skipped) != 1 {
		t.Fatalf("skipped = %v", skipped)
	}

	empty := filepath.Join(dir, "empty.csv")
	if err := os.WriteFile(empty, []byte("path\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.Air.Train = empty
	if err := c.ValidateSources(false); !errors.Is(err, config.ErrEmptySourceList) {
		t.Fatalf("ValidateSources = %v, want ErrEmptySourceList", err)
	}
	if _, _, err := augment.LoadSources(context.Background(), l, c, false); !errors.Is(err, config.ErrEmptySourceList) {
		t.Fatalf("LoadSources = %v, want ErrEmptySourceList", err)
	}
}
