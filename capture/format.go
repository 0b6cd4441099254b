package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"node.town/tarjama/snd"
	"node.town/tarjama/transcript"
)

// Encoder turns interleaved 16-bit PCM into one container format.
// Close must flush everything to the underlying writer.
type Encoder interface {
	Write(pcm []int16) error
	Close() error
}

type Format struct {
	MIMEType  string
	// Available is checked before the microphone opens. Nil means always.
	Available func() bool
	// Accepts is checked once the stream's shape is known. Nil means any.
	Accepts   func(sampleRate, channels int) bool
	New       func(w io.Writer, sampleRate, channels int) (Encoder, error)
}

func (f Format) available() bool { return f.Available == nil || f.Available() }

func (f Format) accepts(sampleRate, channels int) bool {
	return f.Accepts == nil || f.Accepts(sampleRate, channels)
}

// AvailableFormats keeps the formats that can run on this machine, in
// preference order.
func AvailableFormats(formats []Format) ([]Format, error) {
	var out []Format
	for _, f := range formats {
		if f.available() {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, transcript.Errorf(
			transcript.KindUnsupportedFormat,
			"capture.select_format",
			"none of %d encodings is available",
			len(formats),
		)
	}
	return out, nil
}

// openEncoder opens the first format that accepts the stream and whose
// encoder starts. A failing format falls through to the next.
func openEncoder(formats []Format, w io.Writer, sampleRate, channels int, logger *log.Logger) (Format, Encoder, error) {
	var errs []error
	for _, f := range formats {
		if !f.accepts(sampleRate, channels) {
			errs = append(errs, fmt.Errorf("%s: %d Hz x%d not accepted", f.MIMEType, sampleRate, channels))
			continue
		}
		enc, err := f.New(w, sampleRate, channels)
		if err != nil {
			logger.Debug("encoder unavailable", "format", f.MIMEType, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", f.MIMEType, err))
			continue
		}
		return f, enc, nil
	}
	return Format{}, nil, transcript.NewError(
		transcript.KindUnsupportedFormat,
		"capture.start",
		errors.Join(errs...),
	)
}

func WAVFormat() Format {
	return Format{
		MIMEType: "audio/wav",
		New: func(w io.Writer, sampleRate, channels int) (Encoder, error) {
			return snd.NewWAVWriter(w, sampleRate, channels), nil
		},
	}
}

// FFmpegFormat encodes by piping PCM through an ffmpeg child process. It
// is available when the local ffmpeg build has both the codec and the
// container muxer.
func FFmpegFormat(mimeType, container, codec string) Format {
	return Format{
		MIMEType: mimeType,
		Available: func() bool {
			return ffmpegHas("-encoders", codec) && ffmpegHas("-muxers", container)
		},
		New: func(w io.Writer, sampleRate, channels int) (Encoder, error) {
			return newFFmpegEncoder(w, sampleRate, channels, container, codec)
		},
	}
}

var (
	ffmpegListsMu sync.Mutex
	ffmpegLists   = map[string]string{}
)

// ffmpegHas reports whether `ffmpeg <list>` names the component. Lists
// are cached for the life of the process.
func ffmpegHas(list, name string) bool {
	ffmpegListsMu.Lock()
	out, ok := ffmpegLists[list]
	ffmpegListsMu.Unlock()
	if !ok {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return false
		}
		data, err := exec.Command(path, "-hide_banner", list).Output()
		if err != nil {
			return false
		}
		out = string(data)
		ffmpegListsMu.Lock()
		ffmpegLists[list] = out
		ffmpegListsMu.Unlock()
	}
	return listsComponent(out, name)
}

// listsComponent looks for name as the second field of a listing line,
// e.g. " A....D libopus   libopus Opus" or "  E webm  WebM".
func listsComponent(listing, name string) bool {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, n := range strings.Split(fields[1], ",") {
			if n == name {
				return true
			}
		}
	}
	return false
}

type ffmpegEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	copied chan error
}

func newFFmpegEncoder(w io.Writer, sampleRate, channels int, container, codec string) (*ffmpegEncoder, error) {
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-c:a", codec,
		"-f", container,
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg encoder: %w", err)
	}

	e := &ffmpegEncoder{cmd: cmd, stdin: stdin, copied: make(chan error, 1)}
	go func() {
		_, err := io.Copy(w, stdout)
		e.copied <- err
	}()
	return e, nil
}

func (e *ffmpegEncoder) Write(pcm []int16) error {
	return binary.Write(e.stdin, binary.LittleEndian, pcm)
}

func (e *ffmpegEncoder) Close() error {
	if err := e.stdin.Close(); err != nil {
		return fmt.Errorf("close ffmpeg stdin: %w", err)
	}
	copyErr := <-e.copied
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encoder: %w", err)
	}
	if copyErr != nil {
		return fmt.Errorf("read ffmpeg output: %w", copyErr)
	}
	return nil
}
