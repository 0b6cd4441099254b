// Package session holds the transcription state machine. It is the only
// writer of session state; capture and the engines report to it.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/randutil"

	"node.town/tarjama/capture"
	"node.town/tarjama/gemini"
	"node.town/tarjama/transcript"
	"node.town/tarjama/whisper"
)

const idRunes = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	ErrBusy      = errors.New("session is busy")
	ErrNoPayload = errors.New("no audio to transcribe")
	ErrNotReady  = errors.New("session is not ready for this action")
	// ErrSuperseded is returned to a caller whose request was reset
	// before it finished; its result was discarded.
	ErrSuperseded = errors.New("request superseded by reset")
)

type Recorder interface {
	Start(ctx context.Context, language string) error
	// Stop returns the payload and the live transcript as it stood once
	// recognition drained.
	Stop() (*transcript.AudioPayload, transcript.LiveBuffer, error)
	Live() <-chan transcript.LiveBuffer
	Elapsed() time.Duration
	Close() error
}

type CloudEngine interface {
	Transcribe(ctx context.Context, payload *transcript.AudioPayload, opts gemini.Options) (*transcript.Result, error)
}

type LocalEngine interface {
	EnsureModel(ctx context.Context, progress func(float64)) error
	Transcribe(ctx context.Context, payload *transcript.AudioPayload, opts whisper.Options) (*transcript.Result, error)
}

// Entry is what gets archived after a successful request.
type Entry struct {
	ID         string
	SessionID  string
	Engine     Engine
	Language   string
	MIMEType   string
	AudioBytes int
	Result     *transcript.Result
	CreatedAt  time.Time
	Elapsed    time.Duration
}

type Archiver interface {
	Archive(ctx context.Context, entry Entry) error
}

type Config struct {
	Recorder Recorder
	Cloud    CloudEngine
	Local    LocalEngine
	Archiver Archiver
	Logger   *log.Logger
	// UILocale selects the translation target of cloud requests.
	UILocale string
}

type Request struct {
	Engine   Engine
	Language string
}

type Orchestrator struct {
	recorder Recorder
	cloud    CloudEngine
	local    LocalEngine
	archiver Archiver
	logger   *log.Logger
	uiLocale string

	mu       sync.Mutex
	id       string
	state    State
	payload  *transcript.AudioPayload
	result   *transcript.Result
	err      error
	live     transcript.LiveBuffer
	progress float64
	engine   Engine
	language string

	// gen identifies the current request or recording; completions
	// carrying an older value are stale.
	gen       uint64
	cancel    context.CancelFunc
	// switching is set while the recorder starts or stops outside the
	// lock.
	switching bool

	subs    map[int]chan Snapshot
	nextSub int
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		recorder: cfg.Recorder,
		cloud:    cfg.Cloud,
		local:    cfg.Local,
		archiver: cfg.Archiver,
		logger:   logger,
		uiLocale: cfg.UILocale,
		id:       newID(),
		subs:     make(map[int]chan Snapshot),
	}
}

func newID() string {
	id, err := randutil.GenerateCryptoRandomString(12, idRunes)
	if err != nil {
		return randutil.NewMathRandomGenerator().GenerateString(12, idRunes)
	}
	return id
}

// Attach replaces the payload with a new capture or upload. Any previous
// result or error is dropped.
func (o *Orchestrator) Attach(payload *transcript.AudioPayload) error {
	if payload == nil || payload.Len() == 0 {
		return ErrNoPayload
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busyLocked() {
		return ErrBusy
	}
	o.state = Idle
	o.payload = payload
	o.result = nil
	o.err = nil
	o.live = transcript.LiveBuffer{}
	o.progress = 0
	o.logger.Info("payload attached", "mime", payload.MIMEType(), "bytes", payload.Len())
	o.broadcastLocked()
	return nil
}

func (o *Orchestrator) busyLocked() bool {
	return o.state.Busy() || o.switching
}

// StartRecording opens the recorder without holding the session, so a
// Reset or Snapshot during a slow device open is served at once. A Reset
// in the meantime wins: the fresh recording is closed again.
func (o *Orchestrator) StartRecording(ctx context.Context, language string) error {
	o.mu.Lock()
	if o.busyLocked() {
		o.mu.Unlock()
		return ErrBusy
	}
	if o.recorder == nil {
		o.mu.Unlock()
		return transcript.Errorf(transcript.KindDeviceUnavailable, "session.start_recording", "no recorder")
	}
	o.gen++
	gen := o.gen
	o.switching = true
	o.mu.Unlock()

	err := o.recorder.Start(ctx, language)

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		if err == nil {
			o.closeRecorder()
		}
		o.mu.Lock()
		o.switching = false
		o.mu.Unlock()
		return ErrSuperseded
	}
	o.switching = false
	// Capture errors leave the session as it was.
	if err != nil {
		o.mu.Unlock()
		return err
	}

	o.state = Recording
	o.payload = nil
	o.result = nil
	o.err = nil
	o.live = transcript.LiveBuffer{}
	o.language = language
	go o.followRecording(gen, o.recorder.Live())
	o.broadcastLocked()
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) closeRecorder() {
	if err := o.recorder.Close(); err != nil {
		o.logger.Warn("release recorder", "error", err)
	}
}

// followRecording applies live snapshots in order and republishes the
// elapsed time while the recording lasts.
func (o *Orchestrator) followRecording(gen uint64, live <-chan transcript.LiveBuffer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case buf, ok := <-live:
			if !ok {
				return
			}
			o.mu.Lock()
			if o.gen == gen && o.state == Recording {
				o.live = buf
				o.broadcastLocked()
			}
			o.mu.Unlock()
		case <-ticker.C:
			o.mu.Lock()
			current := o.gen == gen && o.state == Recording
			if current {
				o.broadcastLocked()
			}
			o.mu.Unlock()
			if !current {
				return
			}
		}
	}
}

// StopRecording ends the capture. With finalized live text the session
// goes straight to Success; otherwise it returns to Idle holding the
// payload. The decision uses the live text the recorder hands back after
// recognition drained, not the last snapshot seen here.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	o.mu.Lock()
	if o.state != Recording || o.switching {
		o.mu.Unlock()
		return ErrNotReady
	}
	o.gen++
	gen := o.gen
	o.switching = true
	o.mu.Unlock()

	payload, live, err := o.recorder.Stop()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.switching = false
	if o.gen != gen {
		o.logger.Debug("recording stopped after reset", "error", err)
		return ErrSuperseded
	}
	o.state = Idle
	o.live = transcript.LiveBuffer{}
	final := strings.TrimSpace(live.Final)

	switch {
	case errors.Is(err, capture.ErrNoAudio):
		o.logger.Info("recording abandoned before any audio")
		o.broadcastLocked()
		return nil
	case err != nil:
		o.broadcastLocked()
		return err
	}

	o.payload = payload
	if final != "" {
		o.state = Success
		o.engine = ""
		o.result = liveResult(final, o.language)
	}
	o.broadcastLocked()
	return nil
}

func liveResult(text, locale string) *transcript.Result {
	name := gemini.LanguageName(locale)
	code, _, _ := strings.Cut(locale, "-")
	if code == "" {
		code = "en"
	}
	return &transcript.Result{
		Segments: []transcript.Segment{{
			Speaker:      whisper.Speaker,
			Timestamp:    transcript.FormatTimestamp(0),
			Content:      text,
			Language:     name,
			LanguageCode: strings.ToLower(code),
		}},
	}
}

// Transcribe dispatches the attached payload. It blocks until the engine
// finishes and returns what it produced; the session ends in exactly one
// of Success or Error unless a Reset intervened.
func (o *Orchestrator) Transcribe(ctx context.Context, req Request) (*transcript.Result, error) {
	o.mu.Lock()
	if o.state != Idle || o.switching {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	if o.payload == nil {
		o.mu.Unlock()
		return nil, ErrNoPayload
	}
	if req.Engine == "" {
		req.Engine = EngineCloud
	}

	o.gen++
	gen := o.gen
	reqCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.engine = req.Engine
	o.language = req.Language
	o.progress = 0
	payload := o.payload
	if req.Engine == EngineLocal {
		o.state = LoadingModel
	} else {
		o.state = Processing
	}
	o.broadcastLocked()
	o.mu.Unlock()

	start := time.Now()
	o.logger.Info("dispatching", "engine", req.Engine, "mime", payload.MIMEType(), "bytes", payload.Len())

	var (
		result *transcript.Result
		err    error
	)
	switch req.Engine {
	case EngineLocal:
		result, err = o.runLocal(reqCtx, gen, payload)
	default:
		result, err = o.runCloud(reqCtx, payload, req.Language)
	}
	cancel()

	return o.complete(gen, req, payload, result, err, time.Since(start))
}

func (o *Orchestrator) runCloud(ctx context.Context, payload *transcript.AudioPayload, language string) (*transcript.Result, error) {
	if o.cloud == nil {
		return nil, transcript.Errorf(transcript.KindAuthFailure, "session.cloud", "cloud engine is not configured")
	}
	return o.cloud.Transcribe(ctx, payload, gemini.Options{
		LanguageHint:   language,
		TargetLanguage: gemini.TargetLanguage(o.uiLocale),
	})
}

func (o *Orchestrator) runLocal(ctx context.Context, gen uint64, payload *transcript.AudioPayload) (*transcript.Result, error) {
	if o.local == nil {
		return nil, transcript.Errorf(transcript.KindModelInit, "session.local", "local engine is not configured")
	}
	progress := func(f float64) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.gen == gen && o.state == LoadingModel {
			o.progress = f
			o.broadcastLocked()
		}
	}
	if err := o.local.EnsureModel(ctx, progress); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.gen != gen || o.state != LoadingModel {
		o.mu.Unlock()
		return nil, ErrSuperseded
	}
	o.state = Processing
	o.progress = 1
	o.broadcastLocked()
	o.mu.Unlock()

	return o.local.Transcribe(ctx, payload, whisper.Options{})
}

func (o *Orchestrator) complete(
	gen uint64,
	req Request,
	payload *transcript.AudioPayload,
	result *transcript.Result,
	err error,
	elapsed time.Duration,
) (*transcript.Result, error) {
	o.mu.Lock()
	if o.gen != gen || (o.state != LoadingModel && o.state != Processing) {
		o.mu.Unlock()
		o.logger.Debug("discarding stale completion", "engine", req.Engine, "error", err)
		return nil, ErrSuperseded
	}

	o.cancel = nil
	if err == nil && result == nil {
		err = transcript.Errorf(transcript.KindEmptyResult, "session.complete", "engine returned nothing")
	}
	if err != nil {
		o.state = Error
		o.err = err
		o.result = nil
		o.logger.Warn("transcription failed", "engine", req.Engine, "kind", transcript.KindOf(err), "error", err)
		o.broadcastLocked()
		o.mu.Unlock()
		return nil, err
	}

	o.state = Success
	o.result = result
	o.err = nil
	o.logger.Info("transcription done", "engine", req.Engine, "segments", len(result.Segments), "elapsed", elapsed.Round(time.Millisecond))
	o.broadcastLocked()
	sessionID := o.id
	o.mu.Unlock()

	if o.archiver != nil {
		entry := Entry{
			ID:         newID(),
			SessionID:  sessionID,
			Engine:     req.Engine,
			Language:   req.Language,
			MIMEType:   payload.MIMEType(),
			AudioBytes: payload.Len(),
			Result:     result,
			CreatedAt:  time.Now(),
			Elapsed:    elapsed,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.archiver.Archive(ctx, entry); err != nil {
			o.logger.Warn("archive failed", "error", err)
		}
		cancel()
	}
	return result, nil
}

// Retry re-runs the kept payload after an Error (or a live-only
// Success), typically on the other engine.
func (o *Orchestrator) Retry(ctx context.Context, req Request) (*transcript.Result, error) {
	o.mu.Lock()
	if (o.state != Error && o.state != Success) || o.switching {
		o.mu.Unlock()
		return nil, ErrNotReady
	}
	if o.payload == nil {
		o.mu.Unlock()
		return nil, ErrNoPayload
	}
	o.state = Idle
	o.err = nil
	o.result = nil
	o.broadcastLocked()
	o.mu.Unlock()

	return o.Transcribe(ctx, req)
}

// Reset returns to Idle from anywhere, dropping the payload, result,
// error and live text. An in-flight request is cancelled and its result
// will be ignored; an active recording is abandoned after the session is
// already Idle.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	recording := o.state == Recording && !o.switching && o.recorder != nil
	if recording {
		// Nothing may reuse the recorder until it is closed.
		o.switching = true
	}
	o.state = Idle
	o.payload = nil
	o.result = nil
	o.err = nil
	o.live = transcript.LiveBuffer{}
	o.progress = 0
	o.broadcastLocked()
	o.mu.Unlock()

	if recording {
		o.closeRecorder()
		o.mu.Lock()
		o.switching = false
		o.mu.Unlock()
	}
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:       o.id,
		State:    o.state,
		Engine:   o.engine,
		Language: o.language,
		Live:     o.live,
		Progress: o.progress,
	}
	if o.payload != nil {
		s.HasPayload = true
		s.PayloadMIME = o.payload.MIMEType()
		s.PayloadBytes = o.payload.Len()
	}
	if o.state == Recording && o.recorder != nil {
		s.Elapsed = o.recorder.Elapsed()
	}
	switch o.state {
	case Success:
		s.Result = o.result
	case Error:
		if o.err != nil {
			s.Error = NewErrorInfo(o.err, o.engine)
		}
	}
	return s
}

// Subscribe delivers the latest snapshot after every change, starting
// with the current one. Slow readers skip intermediate snapshots. The
// channel is closed when ctx ends.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.snapshotLocked()
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.subs, id)
		close(ch)
		o.mu.Unlock()
	}()
	return ch
}

func (o *Orchestrator) broadcastLocked() {
	if len(o.subs) == 0 {
		return
	}
	snap := o.snapshotLocked()
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
