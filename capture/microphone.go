package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"node.town/tarjama/transcript"
)

// Microphone hands out exclusive PCM streams.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream delivers interleaved 16-bit PCM. Read blocks until samples are
// available; after Close it returns an error.
type Stream interface {
	Read(pcm []int16) (int, error)
	SampleRate() int
	Channels() int
	Close() error
}

// FFmpegMicrophone records from the platform's default input through an
// ffmpeg child process.
type FFmpegMicrophone struct {
	InputFormat string // alsa, pulse, avfoundation, dshow
	Device      string
	SampleRate  int
	Channels    int
}

func NewFFmpegMicrophone(device string, sampleRate int) *FFmpegMicrophone {
	m := &FFmpegMicrophone{
		Device:     device,
		SampleRate: sampleRate,
		Channels:   1,
	}
	switch runtime.GOOS {
	case "darwin":
		m.InputFormat = "avfoundation"
		if m.Device == "" {
			m.Device = ":0"
		}
	case "windows":
		m.InputFormat = "dshow"
	default:
		m.InputFormat = "pulse"
		if m.Device == "" {
			m.Device = "default"
		}
	}
	return m
}

func (m *FFmpegMicrophone) Open(ctx context.Context) (Stream, error) {
	const op = "capture.open_microphone"

	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, transcript.NewError(transcript.KindDeviceUnavailable, op, err)
	}
	if m.Device == "" {
		return nil, transcript.Errorf(transcript.KindDeviceUnavailable, op, "no input device configured for %s", m.InputFormat)
	}
	if err := m.probe(); err != nil {
		return nil, err
	}

	input := m.Device
	if m.InputFormat == "dshow" && !strings.HasPrefix(input, "audio=") {
		input = "audio=" + input
	}

	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", m.InputFormat,
		"-i", input,
		"-ac", strconv.Itoa(m.Channels),
		"-ar", strconv.Itoa(m.SampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, transcript.NewError(transcript.KindPermissionDenied, op, err)
		}
		return nil, transcript.NewError(transcript.KindDeviceUnavailable, op, err)
	}

	s := &ffmpegStream{
		cmd:        cmd,
		r:          bufio.NewReaderSize(stdout, 64*1024),
		sampleRate: m.SampleRate,
		channels:   m.Channels,
	}

	// ffmpeg exits straight away when the device cannot be opened; wait
	// for the first bytes so Open fails instead of the first Read.
	if _, err := s.r.Peek(2); err != nil {
		waitErr := cmd.Wait()
		return nil, transcript.Errorf(
			transcript.KindDeviceUnavailable, op,
			"%s input %q produced no audio: %v (%s)",
			m.InputFormat, m.Device, waitErr, strings.TrimSpace(stderr.String()),
		)
	}
	if ctx.Err() != nil {
		s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

// probe checks device nodes where the platform exposes them as files.
func (m *FFmpegMicrophone) probe() error {
	const op = "capture.probe_microphone"
	if m.InputFormat != "alsa" {
		return nil
	}
	entries, err := os.ReadDir("/dev/snd")
	switch {
	case errors.Is(err, fs.ErrPermission):
		return transcript.NewError(transcript.KindPermissionDenied, op, err)
	case err != nil:
		return transcript.NewError(transcript.KindDeviceUnavailable, op, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pcmC") || !strings.HasSuffix(name, "c") {
			continue
		}
		f, err := os.Open("/dev/snd/" + name)
		if errors.Is(err, fs.ErrPermission) {
			return transcript.NewError(transcript.KindPermissionDenied, op, err)
		}
		if f != nil {
			f.Close()
		}
		return nil
	}
	return transcript.Errorf(transcript.KindDeviceUnavailable, op, "no capture device under /dev/snd")
}

type ffmpegStream struct {
	cmd        *exec.Cmd
	r          *bufio.Reader
	sampleRate int
	channels   int
	closeOnce  sync.Once
}

func (s *ffmpegStream) Read(pcm []int16) (int, error) {
	buf := make([]byte, len(pcm)*2)
	n, err := io.ReadFull(s.r, buf)
	samples := n / 2
	for i := 0; i < samples; i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return samples, err
}

func (s *ffmpegStream) SampleRate() int { return s.sampleRate }
func (s *ffmpegStream) Channels() int   { return s.channels }

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		// Exit status is meaningless after Kill.
		s.cmd.Wait()
	})
	return nil
}
