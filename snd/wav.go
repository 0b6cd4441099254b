package snd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// WAVWriter collects 16-bit PCM and writes a complete RIFF file on Close,
// since the header needs the data size up front.
type WAVWriter struct {
	w          io.Writer
	sampleRate int
	channels   int
	data       bytes.Buffer
	closed     bool
}

func NewWAVWriter(w io.Writer, sampleRate, channels int) *WAVWriter {
	return &WAVWriter{w: w, sampleRate: sampleRate, channels: channels}
}

func (ww *WAVWriter) Write(pcm []int16) error {
	if ww.closed {
		return errors.New("wav writer closed")
	}
	return binary.Write(&ww.data, binary.LittleEndian, pcm)
}

func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := writeWAVHeader(ww.w, ww.sampleRate, ww.channels, 16, wavFormatPCM, ww.data.Len()); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := ww.w.Write(ww.data.Bytes()); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// EncodeWAV renders mono float samples as a 16-bit PCM WAV file.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	ww := NewWAVWriter(&buf, sampleRate, 1)
	if err := ww.Write(Float32ToInt16(samples)); err != nil {
		return nil, err
	}
	if err := ww.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeWAVHeader(w io.Writer, sampleRate, channels, bits, format, dataSize int) error {
	blockAlign := channels * bits / 8
	header := struct {
		RIFF          [4]byte
		ChunkSize     uint32
		WAVE          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   uint16(format),
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(bits),
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataSize),
	}
	return binary.Write(w, binary.LittleEndian, header)
}

// Audio is decoded, still interleaved, float audio.
type Audio struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

// Mono deinterleaves and averages the channels.
func (a Audio) Mono() []float32 {
	return Downmix(Deinterleave(a.Samples, a.Channels))
}

var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// DecodeWAV parses 8/16/24/32-bit integer and 32-bit float WAV data.
func DecodeWAV(data []byte) (Audio, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Audio{}, ErrNotWAV
	}

	var (
		format, channels, bits int
		sampleRate             int
		haveFmt                bool
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := data[pos+8:]
		if size > len(body) {
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return Audio{}, fmt.Errorf("wav fmt chunk too short: %d", size)
			}
			format = int(binary.LittleEndian.Uint16(body[0:2]))
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
			if format == 0xFFFE && size >= 26 {
				// WAVE_FORMAT_EXTENSIBLE keeps the real tag in the subformat GUID.
				format = int(binary.LittleEndian.Uint16(body[24:26]))
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Audio{}, errors.New("wav data chunk before fmt chunk")
			}
			if channels == 0 {
				return Audio{}, errors.New("wav declares zero channels")
			}
			samples, err := decodeSamples(body, format, bits)
			if err != nil {
				return Audio{}, err
			}
			return Audio{SampleRate: sampleRate, Channels: channels, Samples: samples}, nil
		}

		pos += 8 + size + size%2
	}
	return Audio{}, errors.New("wav has no data chunk")
}

func decodeSamples(body []byte, format, bits int) ([]float32, error) {
	switch {
	case format == wavFormatPCM && bits == 8:
		out := make([]float32, len(body))
		for i, b := range body {
			out[i] = (float32(b) - 128) / 128
		}
		return out, nil
	case format == wavFormatPCM && bits == 16:
		out := make([]float32, len(body)/2)
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(body[i*2:]))) / 32768
		}
		return out, nil
	case format == wavFormatPCM && bits == 24:
		out := make([]float32, len(body)/3)
		for i := range out {
			b := body[i*3:]
			v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
			out[i] = float32(v) / 8388608
		}
		return out, nil
	case format == wavFormatPCM && bits == 32:
		out := make([]float32, len(body)/4)
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(body[i*4:]))) / 2147483648
		}
		return out, nil
	case format == wavFormatFloat && bits == 32:
		out := make([]float32, len(body)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported wav encoding: format %d, %d bits", format, bits)
}
