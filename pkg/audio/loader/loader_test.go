package loader_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mimbres/pfann/pkg/audio/loader"
	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/cache"
)

func writeWAV(t *testing.T, path string, rate int, samples []float32) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := loader.EncodeWAV(f, &pcm.Clip{SampleRate: rate, Samples: samples}); err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
}

func tone(n, rate int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(0.25 * math.Sin(2*math.Pi*300*float64(i)/float64(rate)))
	}
	return s
}

func newLoader(t *testing.T, c cache.Store) *loader.Loader {
	t.Helper()
	l, err := loader.New(loader.Options{SampleRate: 8000, Cache: c, FFmpeg: "-"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestLoadWAVSameRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	in := tone(8000, 8000)
	writeWAV(t, path, 8000, in)

	clip, err := newLoader(t, nil).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if clip.SampleRate != 8000 || clip.Len() != 8000 {
		t.Fatalf("clip = %d samples @ %d", clip.Len(), clip.SampleRate)
	}
	if clip.Source != path || clip.Hash == "" {
		t.Fatalf("clip identity = %q %q", clip.Source, clip.Hash)
	}
	for i := range in {
		if d := math.Abs(float64(in[i] - clip.Samples[i])); d > 1.0/16384 {
			t.Fatalf("sample %d = %v, want %v", i, clip.Samples[i], in[i])
		}
	}
}

func TestLoadWAVResamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.wav")
	writeWAV(t, path, 16000, tone(32000, 16000))

	clip, err := newLoader(t, nil).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if clip.Len() != 16000 {
		t.Fatalf("Len = %d, want 16000", clip.Len())
	}
	if clip.Duration().Seconds() != 2 {
		t.Fatalf("Duration = %v", clip.Duration())
	}
}

func TestLoadUsesCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "c.wav")
	writeWAV(t, path, 8000, tone(4000, 8000))

	mem := cache.NewMemory()
	l := newLoader(t, mem)
	first, err := l.Load(ctx, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mem.Len() != 1 {
		t.Fatalf("cache entries = %d, want 1", mem.Len())
	}

	// Same bytes under another name hit the same content address.
	data, _ := os.ReadFile(path)
	copyPath := filepath.Join(dir, "copy.wav")
	if err := os.WriteFile(copyPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := l.Load(ctx, copyPath)
	if err != nil {
		t.Fatalf("Load copy: %v", err)
	}
	if mem.Len() != 1 {
		t.Fatalf("cache entries = %d after identical content", mem.Len())
	}
	if second.Source != copyPath || second.Hash != first.Hash || second.Len() != first.Len() {
		t.Fatalf("cached clip = %+v", second)
	}
	for i := range first.Samples {
		if first.Samples[i] != second.Samples[i] {
			t.Fatalf("sample %d: decoded %v, cached %v", i, first.Samples[i], second.Samples[i])
		}
	}

	var stored struct {
		Version    int     `msgpack:"v"`
		SampleRate int     `msgpack:"sr"`
		PCM        []int16 `msgpack:"pcm"`
	}
	if err := cache.GetValue(ctx, mem, cache.ClipKey(first.Hash, 8000), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.SampleRate != 8000 || len(stored.PCM) != 4000 {
		t.Fatalf("stored clip = %d samples @ %d", len(stored.PCM), stored.SampleRate)
	}
	if got := pcm.FromInt16(stored.PCM[100:101])[0]; got != first.Samples[100] {
		t.Fatalf("stored sample 100 = %v, want %v", got, first.Samples[100])
	}
}

func TestLoadIgnoresStaleCacheEntry(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "d.wav")
	writeWAV(t, path, 8000, tone(800, 8000))
	data, _ := os.ReadFile(path)

	mem := cache.NewMemory()
	stale := struct {
		SampleRate int       `msgpack:"sr"`
		Samples    []float32 `msgpack:"s"`
	}{8000, []float32{1, 2, 3}}
	if err := cache.SetValue(ctx, mem, cache.ClipKey(cache.ContentHash(data), 8000), stale); err != nil {
		t.Fatal(err)
	}
	clip, err := newLoader(t, mem).Load(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if clip.Len() != 800 {
		t.Fatalf("Len = %d, want 800 from a fresh decode", clip.Len())
	}
}

func TestLoadDecodeError(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.wav")
	if err := os.WriteFile(bad, []byte("not a riff file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := newLoader(t, nil)

	for _, p := range []string{bad, filepath.Join(dir, "missing.wav")} {
		_, err := l.Load(context.Background(), p)
		var de *loader.DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("Load(%s) = %v, want DecodeError", p, err)
		}
		if de.Path != p {
			t.Fatalf("DecodeError.Path = %q, want %q", de.Path, p)
		}
	}
}

func TestLoadMP3Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.mp3")
	if err := os.WriteFile(path, []byte{0, 1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := newLoader(t, nil).Load(context.Background(), path)
	var de *loader.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Load = %v, want DecodeError", err)
	}
}

func TestLoadUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.flac")
	if err := os.WriteFile(path, []byte("fLaC"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := newLoader(t, nil).Load(context.Background(), path)
	if !errors.Is(err, loader.ErrUnsupportedFormat) {
		t.Fatalf("Load = %v, want ErrUnsupportedFormat", err)
	}
}

func TestLoadRawPCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pcm")
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b, uint16(int16(8192)))
	binary.LittleEndian.PutUint16(b[2:], uint16(int16(-8192)))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	clip, err := newLoader(t, nil).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if clip.Len() != 2 || clip.Samples[0] != 0.25 || clip.Samples[1] != -0.25 {
		t.Fatalf("Samples = %v", clip.Samples)
	}
}

func TestLoadAllSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, name := range []string{"0.wav", "bad.wav", "2.wav", "missing.wav", "4.wav"} {
		p := filepath.Join(dir, name)
		paths = append(paths, p)
		switch name {
		case "bad.wav":
			os.WriteFile(p, []byte("garbage"), 0o644)
		case "missing.wav":
		default:
			writeWAV(t, p, 8000, tone(1000*(i+1), 8000))
		}
	}

	clips, skipped, err := newLoader(t, nil).LoadAll(context.Background(), paths, 3)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(clips) != 3 {
		t.Fatalf("clips = %d, want 3", len(clips))
	}
	for i, want := range []string{paths[0], paths[2], paths[4]} {
		if clips[i].Source != want {
			t.Fatalf("clips[%d] = %s, want %s", i, clips[i].Source, want)
		}
	}
	if len(skipped) != 2 || skipped[0].Path != paths[1] || skipped[1].Path != paths[3] {
		t.Fatalf("skipped = %+v", skipped)
	}
}

func TestLoadAllCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := newLoader(t, nil).LoadAll(ctx, []string{"a.wav"}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("LoadAll = %v, want context.Canceled", err)
	}
}

func TestNewInvalidRate(t *testing.T) {
	if _, err := loader.New(loader.Options{}); err == nil {
		t.Fatal("New with zero rate succeeded")
	}
}
