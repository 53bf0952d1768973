package songs

import "math"

// harmonic is one partial of the piano model.
type harmonic struct {
	ratio     float64 // frequency ratio
	amplitude float64 // relative amplitude
	decay     float64 // decay rate multiplier (higher = faster decay)
}

var pianoHarmonics = []harmonic{
	{1.0, 1.0, 1.0},
	{2.0, 0.7, 1.2},
	{3.0, 0.45, 1.5},
	{4.0, 0.3, 1.8},
	{5.0, 0.2, 2.2},
	{6.0, 0.12, 2.6},
	{7.0, 0.08, 3.0},
	{8.0, 0.05, 3.5},
}

// RichNote synthesizes a piano-like note of n samples. Partials above the
// Nyquist frequency are omitted.
func RichNote(freq float64, n, rate int, volume float64) []float32 {
	out := make([]float32, n)
	if freq == Rest || n == 0 {
		return out
	}

	// Stiff strings make higher partials slightly sharp.
	inharmonicity := 0.0001 * (freq / 440.0) * (freq / 440.0)
	duration := float64(n) / float64(rate)
	nyquist := float64(rate) / 2

	for i := range out {
		t := float64(i) / float64(rate)
		progress := t / duration

		var sample float64
		for _, h := range pianoHarmonics {
			ratio := h.ratio * math.Sqrt(1.0+inharmonicity*h.ratio*h.ratio)
			if freq*ratio >= nyquist {
				break
			}
			amplitude := h.amplitude * math.Exp(-progress*h.decay*3.0)
			sample += amplitude * math.Sin(2*math.Pi*freq*ratio*t)
		}
		sample /= 2.5
		sample *= volume * envelope(t, progress, duration)
		out[i] = float32(clamp(sample, -1, 1))
	}
	return out
}

// envelope is a piano ADSR envelope: a 3 ms hammer attack, exponential
// decay and a release over the last 15% of the note.
func envelope(t, progress, duration float64) float64 {
	const (
		attack       = 0.003
		releaseStart = 0.85
	)
	decayRate := max(0.5, min(8.0, 2.0/duration))

	switch {
	case t < attack:
		return 1.0 - math.Exp(-5.0*t/attack)
	case progress < releaseStart:
		return math.Exp(-(t-attack)*decayRate)*0.95 + 0.05
	default:
		release := (progress - releaseStart) / (1.0 - releaseStart)
		base := math.Exp(-(t-attack)*decayRate)*0.95 + 0.05
		return base * (1.0 - release*release)
	}
}

// Chord mixes one RichNote per frequency. Rests are ignored; a chord of
// rests is silence.
func Chord(freqs []float64, n, rate int, volume float64) []float32 {
	out := make([]float32, n)
	var active []float64
	for _, f := range freqs {
		if f != Rest {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return out
	}

	voice := volume / math.Sqrt(float64(len(active)))
	for _, f := range active {
		note := RichNote(f, n, rate, voice)
		for i := range out {
			out[i] = float32(clamp(float64(out[i])+float64(note[i]), -1, 1))
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
