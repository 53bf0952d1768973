package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"github.com/mimbres/pfann/pkg/audio/pcm"
)

// decodeWAV decodes integer PCM WAV data to mono floats.
func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, 0, errors.New("wav: missing format")
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(d.BitDepth)
	}
	if depth < 8 || depth > 32 {
		return nil, 0, fmt.Errorf("wav: unsupported bit depth %d", depth)
	}

	scale := float32(int64(1) << (depth - 1))
	interleaved := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		if depth == 8 {
			// 8-bit WAV is unsigned.
			v -= 128
		}
		interleaved[i] = float32(v) / scale
	}
	return pcm.Downmix(interleaved, buf.Format.NumChannels), buf.Format.SampleRate, nil
}

// decodeMP3 decodes MP3 data. The decoder always produces 16-bit stereo.
func decodeMP3(r io.Reader) ([]float32, int, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3: %w", err)
	}
	raw, err := io.ReadAll(d)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3: %w", err)
	}
	if len(raw) == 0 {
		return nil, 0, errors.New("mp3: no audio frames")
	}
	return pcm.DecodeS16LE(raw, 2), d.SampleRate(), nil
}

// decodeFFmpeg pipes data through ffmpeg, which emits mono float32 at rate.
func decodeFFmpeg(ctx context.Context, bin string, data []byte, rate int) ([]float32, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not available: %v", ErrUnsupportedFormat, err)
	}
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "f32le", "-ac", "1", "-ar", strconv.Itoa(rate),
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	b := stdout.Bytes()
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	if len(out) == 0 {
		return nil, errors.New("ffmpeg: no audio decoded")
	}
	return out, nil
}

// EncodeWAV writes clip as 16-bit mono WAV.
func EncodeWAV(w io.WriteSeeker, clip *pcm.Clip) error {
	enc := wav.NewEncoder(w, clip.SampleRate, 16, 1, 1)
	ints := pcm.ToInt16(clip.Samples)
	data := make([]int, len(ints))
	for i, v := range ints {
		data[i] = int(v)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: clip.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("loader: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("loader: encode wav: %w", err)
	}
	return nil
}
