// Package ogg encodes captured PCM as Ogg Opus and decodes Ogg Opus
// uploads back to float samples.
package ogg

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"node.town/tarjama/capture"
	"node.town/tarjama/snd"
)

const (
	MIMEType    = "audio/ogg;codecs=opus"
	maxOpusSize = 4000
	bitrate     = 64000
)

// PacketWriter is the part of oggwriter.OggWriter we use.
type PacketWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// FrameEncoder is the part of opus.Encoder we use.
type FrameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Encoder buffers PCM into 20 ms frames, Opus-encodes them and wraps each
// frame in an RTP packet for the Ogg page writer.
type Encoder struct {
	writer   PacketWriter
	frames   FrameEncoder
	channels int
	pending  []int16
	seq      uint16
	ts       uint32
	packets  int
	logger   *log.Logger
}

func NewEncoder(w io.Writer, sampleRate, channels int) (*Encoder, error) {
	if sampleRate != snd.CaptureSampleRate {
		return nil, fmt.Errorf("opus encoder wants %d Hz, got %d", snd.CaptureSampleRate, sampleRate)
	}
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}
	ow, err := oggwriter.NewWith(w, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	return newEncoder(ow, enc, channels, log.Default()), nil
}

func newEncoder(w PacketWriter, frames FrameEncoder, channels int, logger *log.Logger) *Encoder {
	return &Encoder{
		writer:   w,
		frames:   frames,
		channels: channels,
		logger:   logger,
	}
}

func (e *Encoder) Write(pcm []int16) error {
	e.pending = append(e.pending, pcm...)
	frameLen := snd.FrameSamples * e.channels
	for len(e.pending) >= frameLen {
		if err := e.writeFrame(e.pending[:frameLen]); err != nil {
			return err
		}
		e.pending = e.pending[frameLen:]
	}
	return nil
}

// Close pads the last partial frame with silence, then finishes the Ogg
// stream.
func (e *Encoder) Close() error {
	if len(e.pending) > 0 {
		frame := make([]int16, snd.FrameSamples*e.channels)
		copy(frame, e.pending)
		e.pending = nil
		if err := e.writeFrame(frame); err != nil {
			return err
		}
	}
	if err := e.writer.Close(); err != nil {
		return fmt.Errorf("close ogg writer: %w", err)
	}
	e.logger.Debug("ogg opus finished", "packets", e.packets)
	return nil
}

func (e *Encoder) writeFrame(frame []int16) error {
	data := make([]byte, maxOpusSize)
	n, err := e.frames.Encode(frame, data)
	if err != nil {
		return fmt.Errorf("encode opus frame: %w", err)
	}

	e.seq++
	e.ts += snd.FrameSamples
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0x78,
			SequenceNumber: e.seq,
			Timestamp:      e.ts,
		},
		Payload: data[:n],
	}
	if err := e.writer.WriteRTP(packet); err != nil {
		return fmt.Errorf("write rtp packet: %w", err)
	}
	e.packets++
	return nil
}

// CaptureFormat registers Ogg Opus as a capture encoding. It only takes
// 48 kHz mono or stereo streams; anything else falls through to the next
// format.
func CaptureFormat() capture.Format {
	return capture.Format{
		MIMEType: MIMEType,
		Accepts: func(sampleRate, channels int) bool {
			return sampleRate == snd.CaptureSampleRate && (channels == 1 || channels == 2)
		},
		New: func(w io.Writer, sampleRate, channels int) (capture.Encoder, error) {
			return NewEncoder(w, sampleRate, channels)
		},
	}
}

var ErrNoOpusHead = errors.New("ogg stream has no OpusHead")

// ChannelCount reads the channel count from the OpusHead identification
// header, which the stream decoder does not expose.
func ChannelCount(data []byte) (int, error) {
	idx := bytes.Index(data, []byte("OpusHead"))
	if idx < 0 || idx+10 > len(data) {
		return 0, ErrNoOpusHead
	}
	channels := int(data[idx+9])
	if channels == 0 {
		return 0, fmt.Errorf("OpusHead declares zero channels")
	}
	return channels, nil
}

// Decode returns interleaved 48 kHz float audio from an Ogg Opus file.
func Decode(data []byte) (snd.Audio, error) {
	channels, err := ChannelCount(data)
	if err != nil {
		return snd.Audio{}, err
	}

	stream, err := opus.NewStream(bytes.NewReader(data))
	if err != nil {
		return snd.Audio{}, fmt.Errorf("open opus stream: %w", err)
	}
	defer stream.Close()

	var samples []float32
	buf := make([]float32, 5760*channels)
	for {
		n, err := stream.ReadFloat32(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return snd.Audio{}, fmt.Errorf("decode opus: %w", err)
		}
		samples = append(samples, buf[:n*channels]...)
	}

	return snd.Audio{
		SampleRate: snd.CaptureSampleRate,
		Channels:   channels,
		Samples:    samples,
	}, nil
}
