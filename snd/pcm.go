// Package snd holds the PCM plumbing shared by capture and the local
// engine: sample conversion, channel mixing, resampling and WAV framing.
package snd

import "math"

// Frame sizes used throughout: 20 ms at 48 kHz, which is also what the
// Opus encoder wants.
const (
	CaptureSampleRate = 48000
	FrameSamples      = 960
	ModelSampleRate   = 16000
)

func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := math.Round(float64(s) * 32767)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// Deinterleave splits LRLRLR... into one slice per channel. Trailing
// samples that do not fill a whole frame are dropped.
func Deinterleave(samples []float32, channels int) [][]float32 {
	if channels <= 1 {
		return [][]float32{samples}
	}
	frames := len(samples) / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out[c][i] = samples[i*channels+c]
		}
	}
	return out
}

// Downmix averages channels sample by sample. The result has as many
// samples as the shortest channel.
func Downmix(channels [][]float32) []float32 {
	switch len(channels) {
	case 0:
		return nil
	case 1:
		out := make([]float32, len(channels[0]))
		copy(out, channels[0])
		return out
	}

	n := len(channels[0])
	for _, ch := range channels[1:] {
		if len(ch) < n {
			n = len(ch)
		}
	}

	out := make([]float32, n)
	scale := 1 / float32(len(channels))
	for i := 0; i < n; i++ {
		var sum float32
		for _, ch := range channels {
			sum += ch[i]
		}
		out[i] = sum * scale
	}
	return out
}

// Resample converts mono float audio between rates with linear
// interpolation. Good enough for speech models, which low-pass anyway.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]float32, outLen)
	ratio := float64(fromRate) / float64(toRate)

	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))

		s0 := in[clamp(idx, len(in))]
		s1 := in[clamp(idx+1, len(in))]
		out[i] = s0 + frac*(s1-s0)
	}
	return out
}

func clamp(i, n int) int {
	if i >= n {
		return n - 1
	}
	return i
}
