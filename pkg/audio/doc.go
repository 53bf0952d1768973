// Package audio groups the audio sub-packages used by the fingerprinting
// pipeline:
//
//   - pcm: mono float32 clips and sample conversions
//   - loader: decoding WAV, MP3 and ffmpeg-supported files to mono clips
//   - resampler: sample rate conversion
//   - fbank: log-power mel spectrograms of fixed-length segments
//   - songs: synthetic piano melodies for demo corpora and tests
//
// Example usage:
//
//	l, err := loader.New(loader.Options{SampleRate: 8000})
//	if err != nil {
//	    return err
//	}
//	clip, err := l.Load(ctx, "song.mp3")
//	if err != nil {
//	    return err
//	}
//	fb, err := fbank.New(fbank.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	spec, err := fb.Extract(clip.Samples[:8000])
package audio
