package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"node.town/tarjama/ogg"
	"node.town/tarjama/snd"
	"node.town/tarjama/transcript"
)

// Decoder turns a payload into float audio at any rate and channel count.
type Decoder func(ctx context.Context, payload *transcript.AudioPayload) (snd.Audio, error)

// DecodePayload decodes WAV and Ogg Opus natively and hands every other
// container to ffmpeg.
func DecodePayload(ctx context.Context, payload *transcript.AudioPayload) (snd.Audio, error) {
	const op = "whisper.decode"
	data := payload.Bytes()

	switch payload.NormalizedMIME() {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		audio, err := snd.DecodeWAV(data)
		if err != nil {
			return snd.Audio{}, transcript.NewError(transcript.KindUnsupportedFormat, op, err)
		}
		return audio, nil
	case "audio/ogg", "audio/opus":
		if bytes.Contains(data[:min(len(data), 512)], []byte("OpusHead")) {
			audio, err := ogg.Decode(data)
			if err != nil {
				return snd.Audio{}, transcript.NewError(transcript.KindUnsupportedFormat, op, err)
			}
			return audio, nil
		}
	}
	return decodeWithFFmpeg(ctx, data)
}

// decodeWithFFmpeg asks for 32-bit float mono at the model rate, which
// ffmpeg gets to by averaging channels.
func decodeWithFFmpeg(ctx context.Context, data []byte) (snd.Audio, error) {
	const op = "whisper.decode"
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return snd.Audio{}, transcript.NewError(transcript.KindUnsupportedFormat, op, fmt.Errorf("ffmpeg is needed for this format: %w", err))
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(snd.ModelSampleRate),
		"-f", "f32le",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return snd.Audio{}, transcript.NewError(
			transcript.KindUnsupportedFormat, op,
			fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String())),
		)
	}

	raw := stdout.Bytes()
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return snd.Audio{SampleRate: snd.ModelSampleRate, Channels: 1, Samples: samples}, nil
}

// ModelInput averages channels and resamples to 16 kHz.
func ModelInput(audio snd.Audio) []float32 {
	return snd.Resample(audio.Mono(), audio.SampleRate, snd.ModelSampleRate)
}
