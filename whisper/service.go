// Package whisper runs a local speech model over decoded payloads. The
// model is loaded on first use and kept for the life of the Service.
package whisper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"node.town/tarjama/snd"
	"node.town/tarjama/transcript"
)

const (
	ChunkLength = 30 * time.Second
	Stride      = 5 * time.Second

	Speaker      = "Speaker 1"
	Language     = "English"
	LanguageCode = "en"
)

// Chunk is one timestamped piece of model output, relative to the start
// of the samples it was given.
type Chunk struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Model transcribes 16 kHz mono samples. Implementations need not be
// safe for concurrent use.
type Model interface {
	Transcribe(ctx context.Context, samples []float32) ([]Chunk, error)
	Close() error
}

// Loader prepares a model, reporting fractional progress in [0, 1].
type Loader interface {
	Load(ctx context.Context, progress func(float64)) (Model, error)
}

type LoaderFunc func(ctx context.Context, progress func(float64)) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, progress func(float64)) (Model, error) {
	return f(ctx, progress)
}

type Options struct {
	OnProgress func(float64)
}

type Service struct {
	loader      Loader
	decode      Decoder
	chunkLength time.Duration
	stride      time.Duration
	logger      *log.Logger

	loadMu sync.Mutex
	model  Model

	// One inference at a time.
	inferMu sync.Mutex
}

func NewService(loader Loader, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		loader:      loader,
		decode:      DecodePayload,
		chunkLength: ChunkLength,
		stride:      Stride,
		logger:      logger,
	}
}

// Ready reports whether the model has been loaded.
func (s *Service) Ready() bool {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.model != nil
}

// EnsureModel loads the model unless it already is. A failed load leaves
// nothing cached, so the next call tries again.
func (s *Service) EnsureModel(ctx context.Context, progress func(float64)) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.model != nil {
		return nil
	}
	if progress == nil {
		progress = func(float64) {}
	}

	start := time.Now()
	s.logger.Info("loading model")
	model, err := s.loader.Load(ctx, progress)
	if err != nil {
		if transcript.KindOf(err) == transcript.KindModelInit {
			return err
		}
		return transcript.NewError(transcript.KindModelInit, "whisper.load", err)
	}
	s.model = model
	s.logger.Info("model ready", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Service) Transcribe(
	ctx context.Context,
	payload *transcript.AudioPayload,
	opts Options,
) (*transcript.Result, error) {
	const op = "whisper.transcribe"

	if err := s.EnsureModel(ctx, opts.OnProgress); err != nil {
		return nil, err
	}
	if payload == nil || payload.Len() == 0 {
		return nil, transcript.Errorf(transcript.KindUnsupportedFormat, op, "no audio")
	}

	s.inferMu.Lock()
	defer s.inferMu.Unlock()

	audio, err := s.decode(ctx, payload)
	if err != nil {
		return nil, err
	}
	samples := ModelInput(audio)
	s.logger.Info(
		"transcribing",
		"mime", payload.MIMEType(),
		"seconds", float64(len(samples))/snd.ModelSampleRate,
	)

	s.loadMu.Lock()
	model := s.model
	s.loadMu.Unlock()

	chunks, err := s.run(ctx, model, samples)
	if err != nil {
		return nil, err
	}

	result := &transcript.Result{}
	var text []string
	for _, c := range chunks {
		content := strings.TrimSpace(c.Text)
		if content == "" {
			continue
		}
		text = append(text, content)
		result.Segments = append(result.Segments, transcript.Segment{
			Speaker:      Speaker,
			Timestamp:    transcript.FormatTimestamp(c.Start),
			Content:      content,
			Language:     Language,
			LanguageCode: LanguageCode,
		})
	}
	if len(result.Segments) == 0 {
		return nil, transcript.Errorf(transcript.KindEmptyResult, op, "model heard no speech")
	}
	result.Summary = strings.Join(text, " ")
	return result, nil
}

// run infers window by window, shifting chunk times to the whole
// recording and dropping chunks that start in a neighbour's overlap.
func (s *Service) run(ctx context.Context, model Model, samples []float32) ([]Chunk, error) {
	rate := snd.ModelSampleRate
	chunk := int(s.chunkLength.Seconds() * float64(rate))
	stride := int(s.stride.Seconds() * float64(rate))

	var out []Chunk
	for i, w := range planWindows(len(samples), chunk, stride) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunks, err := model.Transcribe(ctx, samples[w.start:w.end])
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, transcript.NewError(transcript.KindModelInit, "whisper.infer", err)
		}

		offset := time.Duration(w.start) * time.Second / time.Duration(rate)
		kept := 0
		for _, c := range chunks {
			c.Start += offset
			c.End += offset
			if !w.owns(int(c.Start * time.Duration(rate) / time.Second)) {
				continue
			}
			out = append(out, c)
			kept++
		}
		s.logger.Debug("window done", "index", i, "chunks", len(chunks), "kept", kept)
	}
	return out, nil
}

func (s *Service) Close() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.model == nil {
		return nil
	}
	err := s.model.Close()
	s.model = nil
	return err
}
