// Package songs synthesizes piano melodies. It produces demo corpora for
// trying out a fingerprint database without a music collection: every
// generated song is distinct, deterministic for a seed and mono at any
// sample rate.
package songs

import (
	"math"
	"math/rand/v2"
)

// Rest is the frequency of a silent note.
const Rest = 0.0

// Freq returns the equal-tempered frequency of a MIDI note number
// (69 is A4 = 440 Hz).
func Freq(midi int) float64 {
	return 440 * math.Pow(2, float64(midi-69)/12)
}

// Note value constants (in terms of beats, quarter note = 1)
const (
	Whole      = 4.0
	Half       = 2.0
	Quarter    = 1.0
	Eighth     = 0.5
	Sixteenth  = 0.25
	DotQuarter = 1.5
	DotEighth  = 0.75
)

// Note is a note defined by beat value. A chord has several frequencies.
type Note struct {
	Freqs []float64
	Beats float64
}

// N is a shorthand constructor for a single-voice Note.
func N(freq, beats float64) Note {
	return Note{Freqs: []float64{freq}, Beats: beats}
}

// Tempo represents the tempo of a song.
type Tempo struct {
	BPM int // Beats per minute
}

// Samples converts a beat count to samples at rate.
func (t Tempo) Samples(beats float64, rate int) int {
	return int(beats * 60 * float64(rate) / float64(t.BPM))
}

// Song is a named melody.
type Song struct {
	Name  string
	Tempo Tempo
	Notes []Note
}

// Beats returns the length of the song in beats.
func (s Song) Beats() float64 {
	total := 0.0
	for _, n := range s.Notes {
		total += n.Beats
	}
	return total
}

// Render synthesizes the song at rate. Samples are in [-1, 1].
func (s Song) Render(rate int) []float32 {
	var out []float32
	for _, n := range s.Notes {
		out = append(out, Chord(n.Freqs, s.Tempo.Samples(n.Beats, rate), rate, 0.8)...)
	}
	return out
}

var (
	// major pentatonic intervals plus the octave
	pentatonic = []int{0, 2, 4, 7, 9, 12}
	durations  = []float64{Sixteenth, Eighth, Eighth, Quarter, Quarter, DotQuarter, Half}
)

// Random composes a song of at least the given length in seconds. The key,
// tempo and phrasing are drawn from rng, so different draws give songs
// that do not share passages.
func Random(rng *rand.Rand, name string, seconds float64) Song {
	s := Song{Name: name, Tempo: Tempo{BPM: 80 + rng.IntN(80)}}
	root := 48 + rng.IntN(24)
	need := seconds * float64(s.Tempo.BPM) / 60
	degree := rng.IntN(len(pentatonic))
	for s.Beats() < need {
		beats := durations[rng.IntN(len(durations))]
		if rng.IntN(10) == 0 {
			s.Notes = append(s.Notes, N(Rest, beats))
			continue
		}
		// Melodic random walk with occasional leaps.
		step := rng.IntN(3) - 1
		if rng.IntN(6) == 0 {
			step = rng.IntN(5) - 2
		}
		degree = max(0, min(len(pentatonic)-1, degree+step))
		octave := 12 * rng.IntN(2)
		note := root + octave + pentatonic[degree]
		if rng.IntN(4) == 0 {
			s.Notes = append(s.Notes, Note{Freqs: []float64{Freq(note), Freq(note - 12), Freq(note - 5)}, Beats: beats})
			continue
		}
		s.Notes = append(s.Notes, N(Freq(note), beats))
	}
	return s
}
