package songs

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"
)

func TestFreq(t *testing.T) {
	tests := []struct {
		midi int
		want float64
	}{
		{69, 440},
		{81, 880},
		{57, 220},
		{60, 261.63},
	}
	for _, tt := range tests {
		if got := Freq(tt.midi); math.Abs(got-tt.want) > 0.01 {
			t.Errorf("Freq(%d) = %.2f, want %.2f", tt.midi, got, tt.want)
		}
	}
}

func TestTempoSamples(t *testing.T) {
	tempo := Tempo{BPM: 120}
	if got := tempo.Samples(Quarter, 8000); got != 4000 {
		t.Fatalf("quarter at 120 BPM = %d samples, want 4000", got)
	}
	if got := tempo.Samples(Whole, 8000); got != 16000 {
		t.Fatalf("whole at 120 BPM = %d samples, want 16000", got)
	}
}

func TestRichNote(t *testing.T) {
	note := RichNote(Freq(69), 8000, 8000, 1)
	var peak float64
	for _, v := range note {
		if v < -1 || v > 1 {
			t.Fatalf("sample %v out of range", v)
		}
		peak = max(peak, math.Abs(float64(v)))
	}
	if peak < 0.1 {
		t.Fatalf("peak = %v, note is nearly silent", peak)
	}
	// The release fades the note out.
	if tail := math.Abs(float64(note[len(note)-1])); tail > 0.01 {
		t.Fatalf("last sample = %v, want a faded tail", tail)
	}

	rest := RichNote(Rest, 100, 8000, 1)
	if slices.ContainsFunc(rest, func(v float32) bool { return v != 0 }) {
		t.Fatal("rest is not silent")
	}
}

func TestChordIgnoresRests(t *testing.T) {
	got := Chord([]float64{Rest, Freq(60)}, 800, 8000, 0.8)
	want := RichNote(Freq(60), 800, 8000, 0.8)
	if !slices.Equal(got, want) {
		t.Fatal("a rest changed the chord")
	}
	if silent := Chord([]float64{Rest}, 10, 8000, 1); !slices.Equal(silent, make([]float32, 10)) {
		t.Fatal("chord of rests is not silent")
	}
}

func TestRandom(t *testing.T) {
	a := Random(rand.New(rand.NewPCG(1, 1)), "a", 5)
	again := Random(rand.New(rand.NewPCG(1, 1)), "a", 5)
	b := Random(rand.New(rand.NewPCG(2, 2)), "b", 5)

	if secs := a.Beats() * 60 / float64(a.Tempo.BPM); secs < 5 {
		t.Fatalf("song lasts %.2fs, want >= 5s", secs)
	}
	ra, rb := a.Render(8000), b.Render(8000)
	// Each note truncates to whole samples.
	if len(ra) < 5*8000-len(a.Notes) {
		t.Fatalf("rendered %d samples", len(ra))
	}
	if !slices.Equal(ra, again.Render(8000)) {
		t.Fatal("same seed rendered different audio")
	}
	n := min(len(ra), len(rb))
	if slices.Equal(ra[:n], rb[:n]) {
		t.Fatal("different seeds rendered the same audio")
	}
}
