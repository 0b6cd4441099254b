package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"node.town/tarjama/snd"
	"node.town/tarjama/transcript"
)

// CLIModel runs a whisper.cpp binary once per window.
type CLIModel struct {
	Binary    string
	ModelPath string
	Language  string
	Threads   int
}

type cliOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (m *CLIModel) Transcribe(ctx context.Context, samples []float32) ([]Chunk, error) {
	dir, err := os.MkdirTemp("", "tarjama-whisper-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wav, err := snd.EncodeWAV(samples, snd.ModelSampleRate)
	if err != nil {
		return nil, err
	}
	input := filepath.Join(dir, "window.wav")
	if err := os.WriteFile(input, wav, 0o600); err != nil {
		return nil, fmt.Errorf("write window: %w", err)
	}

	base := filepath.Join(dir, "out")
	args := []string{
		"-m", m.ModelPath,
		"-f", input,
		"-l", m.Language,
		"-oj",
		"-of", base,
		"-np",
	}
	if m.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(m.Threads))
	}
	cmd := exec.CommandContext(ctx, m.Binary, args...)
	if _, err := cmd.Output(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("whisper failed: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("run whisper: %w", err)
	}

	out, err := os.ReadFile(base + ".json")
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}
	return parseCLIOutput(out)
}

func parseCLIOutput(data []byte) ([]Chunk, error) {
	var parsed cliOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse whisper output: %w", err)
	}
	chunks := make([]Chunk, 0, len(parsed.Transcription))
	for _, t := range parsed.Transcription {
		chunks = append(chunks, Chunk{
			Text:  strings.TrimSpace(t.Text),
			Start: time.Duration(t.Offsets.From) * time.Millisecond,
			End:   time.Duration(t.Offsets.To) * time.Millisecond,
		})
	}
	return chunks, nil
}

func (m *CLIModel) Close() error { return nil }

// CLILoader finds the whisper binary and makes sure the weights are on
// disk, downloading them on first use.
type CLILoader struct {
	Binary     string
	ModelPath  string
	ModelURL   string
	Language   string
	Threads    int
	Downloader *Downloader
	Logger     *log.Logger
}

func (l *CLILoader) Load(ctx context.Context, progress func(float64)) (Model, error) {
	const op = "whisper.load"
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}

	binary, err := exec.LookPath(l.Binary)
	if err != nil {
		return nil, transcript.NewError(transcript.KindModelInit, op, err)
	}

	if _, err := os.Stat(l.ModelPath); err != nil {
		if !os.IsNotExist(err) || l.ModelURL == "" || l.Downloader == nil {
			return nil, transcript.NewError(transcript.KindModelInit, op, err)
		}
		logger.Info("downloading model", "url", l.ModelURL, "path", l.ModelPath)
		if err := l.Downloader.Fetch(ctx, l.ModelURL, l.ModelPath, progress); err != nil {
			return nil, transcript.NewError(transcript.KindModelInit, op, err)
		}
	}
	progress(1)

	language := l.Language
	if language == "" {
		language = LanguageCode
	}
	return &CLIModel{
		Binary:    binary,
		ModelPath: l.ModelPath,
		Language:  language,
		Threads:   l.Threads,
	}, nil
}
