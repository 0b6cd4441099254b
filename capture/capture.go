// Package capture records microphone audio into an encoded payload while
// streaming live recognition snapshots and elapsed time.
package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"node.town/tarjama/snd"
	"node.town/tarjama/transcript"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrNoAudio          = errors.New("no audio captured")
)

type Config struct {
	Microphone Microphone
	Formats    []Format
	// Recognizer may be nil; recording then runs without live preview.
	Recognizer Recognizer
	Logger     *log.Logger
	Tick       time.Duration
}

// Unit owns at most one recording at a time.
type Unit struct {
	mic        Microphone
	formats    []Format
	recognizer Recognizer
	logger     *log.Logger
	tick       time.Duration

	mu        sync.Mutex
	active    *recording
	starting  bool
	// abandoned is set when Close runs during Start; the new recording
	// is released instead of installed.
	abandoned bool
}

func New(cfg Config) *Unit {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	return &Unit{
		mic:        cfg.Microphone,
		formats:    cfg.Formats,
		recognizer: cfg.Recognizer,
		logger:     logger,
		tick:       tick,
	}
}

type recording struct {
	logger  *log.Logger
	stream  Stream
	format  Format
	encoder Encoder
	buf     bytes.Buffer
	frames  atomic.Int64

	// stopping is closed when the recording starts to wind down; ctx is
	// cancelled once every producer has finished.
	stopping chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	live     RecognitionSession
	liveCh   chan transcript.LiveBuffer
	liveDone chan struct{}
	liveOK   atomic.Bool
	// liveLast is written by liveLoop and read after liveDone.
	liveLast transcript.LiveBuffer

	started  time.Time
	elapsed  atomic.Int64
	tickDone chan struct{}

	pumpDone chan struct{}
	pumpErr  error

	releaseOnce sync.Once
}

// Start opens the microphone, picks the first workable encoding and
// begins recording. Language selects the live recognition language. The
// unit is not locked while the device and recognizer are opened.
func (u *Unit) Start(ctx context.Context, language string) error {
	u.mu.Lock()
	if u.active != nil || u.starting {
		u.mu.Unlock()
		return ErrAlreadyRecording
	}
	if u.mic == nil {
		u.mu.Unlock()
		return transcript.Errorf(transcript.KindDeviceUnavailable, "capture.start", "no microphone")
	}
	u.starting = true
	u.abandoned = false
	u.mu.Unlock()

	rec, err := u.open(ctx, language)

	u.mu.Lock()
	u.starting = false
	abandoned := u.abandoned
	u.abandoned = false
	if err == nil && !abandoned {
		u.active = rec
	}
	u.mu.Unlock()

	if err != nil {
		return err
	}
	if abandoned {
		rec.release()
		rec.encoder.Close()
		u.logger.Debug("recording abandoned while starting")
		return ErrNotRecording
	}
	u.logger.Info(
		"recording",
		"format", rec.format.MIMEType,
		"rate", rec.stream.SampleRate(),
		"channels", rec.stream.Channels(),
		"live", rec.live != nil,
	)
	return nil
}

func (u *Unit) open(ctx context.Context, language string) (*recording, error) {
	formats, err := AvailableFormats(u.formats)
	if err != nil {
		return nil, err
	}

	stream, err := u.mic.Open(ctx)
	if err != nil {
		return nil, err
	}

	rec := &recording{
		logger:   u.logger,
		stream:   stream,
		stopping: make(chan struct{}),
		liveCh:   make(chan transcript.LiveBuffer, 16),
		liveDone: make(chan struct{}),
		tickDone: make(chan struct{}),
		pumpDone: make(chan struct{}),
		started:  time.Now(),
	}

	rec.format, rec.encoder, err = openEncoder(formats, &rec.buf, stream.SampleRate(), stream.Channels(), u.logger)
	if err != nil {
		stream.Close()
		return nil, err
	}

	// The recording outlives the request that started it.
	rec.ctx, rec.cancel = context.WithCancel(context.Background())

	if u.recognizer != nil {
		live, err := u.recognizer.Start(ctx, language, stream.SampleRate())
		if err != nil {
			u.logger.Warn("live recognition unavailable", "error", err)
		} else {
			rec.live = live
			rec.liveOK.Store(true)
		}
	}

	go rec.pump()
	go rec.tickLoop(u.tick)
	if rec.live != nil {
		go rec.liveLoop()
	} else {
		close(rec.liveDone)
	}
	return rec, nil
}

// Recording reports whether a recording is in progress.
func (u *Unit) Recording() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active != nil
}

// Live returns the ordered stream of live transcript snapshots for the
// current recording. The channel is closed when the recording ends. It
// returns nil when nothing is recording.
func (u *Unit) Live() <-chan transcript.LiveBuffer {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active == nil {
		return nil
	}
	return u.active.liveCh
}

// Elapsed is the recording time as of the last tick.
func (u *Unit) Elapsed() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active == nil {
		return 0
	}
	return time.Duration(u.active.elapsed.Load())
}

// Stop ends the recording, releases the device and returns the encoded
// audio together with the live transcript as it stood once the
// recognizer finished. The live buffer is returned even with ErrNoAudio.
func (u *Unit) Stop() (*transcript.AudioPayload, transcript.LiveBuffer, error) {
	u.mu.Lock()
	rec := u.active
	u.active = nil
	u.mu.Unlock()

	if rec == nil {
		return nil, transcript.LiveBuffer{}, ErrNotRecording
	}

	rec.release()
	live := rec.liveLast

	if err := rec.encoder.Close(); err != nil {
		return nil, live, fmt.Errorf("finish %s: %w", rec.format.MIMEType, err)
	}
	if rec.pumpErr != nil {
		return nil, live, rec.pumpErr
	}
	if rec.frames.Load() == 0 {
		return nil, live, ErrNoAudio
	}

	payload := transcript.NewAudioPayload(rec.buf.Bytes(), rec.format.MIMEType)
	u.logger.Info(
		"recording stopped",
		"bytes", payload.Len(),
		"elapsed", time.Since(rec.started).Round(time.Millisecond),
		"live", len(live.Final),
	)
	return payload, live, nil
}

// Close abandons any recording in progress without producing audio. A
// recording still starting is released as soon as its Start returns.
func (u *Unit) Close() error {
	u.mu.Lock()
	rec := u.active
	u.active = nil
	if u.starting {
		u.abandoned = true
	}
	u.mu.Unlock()

	if rec == nil {
		return nil
	}
	rec.release()
	rec.encoder.Close()
	u.logger.Debug("recording abandoned")
	return nil
}

// release stops every producer in order and waits for each. The
// recognizer is stopped only after the microphone so that results it
// flushes at end of stream still reach the live buffer. It runs once no
// matter how the recording ends.
func (r *recording) release() {
	r.releaseOnce.Do(func() {
		close(r.stopping)
		r.stream.Close()
		<-r.pumpDone

		if r.live != nil {
			if err := r.live.Stop(); err != nil {
				r.logger.Debug("stop live recognition", "error", err)
			}
		}
		<-r.liveDone
		close(r.liveCh)

		r.cancel()
		<-r.tickDone
	})
}

func (r *recording) isStopping() bool {
	select {
	case <-r.stopping:
		return true
	default:
		return false
	}
}

func (r *recording) pump() {
	defer close(r.pumpDone)

	channels := r.stream.Channels()
	pcm := make([]int16, snd.FrameSamples*channels)
	for {
		n, err := r.stream.Read(pcm)
		if n > 0 {
			if werr := r.encoder.Write(pcm[:n]); werr != nil {
				r.pumpErr = fmt.Errorf("encode audio: %w", werr)
				return
			}
			r.frames.Add(int64(n / channels))
			r.sendLive(pcm[:n], channels)
		}
		if err != nil {
			if !r.isStopping() && !errors.Is(err, io.EOF) {
				r.pumpErr = transcript.NewError(transcript.KindDeviceUnavailable, "capture.read", err)
			}
			return
		}
	}
}

func (r *recording) sendLive(pcm []int16, channels int) {
	if r.live == nil || !r.liveOK.Load() {
		return
	}
	mono := pcm
	if channels > 1 {
		mono = make([]int16, len(pcm)/channels)
		for i := range mono {
			var sum int
			for c := 0; c < channels; c++ {
				sum += int(pcm[i*channels+c])
			}
			mono[i] = int16(sum / channels)
		}
	}
	data := make([]byte, len(mono)*2)
	for i, s := range mono {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	if err := r.live.SendAudio(data); err != nil {
		r.logger.Warn("live recognition stopped accepting audio", "error", err)
		r.liveOK.Store(false)
	}
}

// liveLoop folds recognizer results until the recognizer closes its
// channel. Once the recording is stopping, snapshots nobody reads any
// more are skipped but still folded into liveLast.
func (r *recording) liveLoop() {
	defer close(r.liveDone)

	var buf transcript.LiveBuffer
	for res := range r.live.Results() {
		if res.Final {
			buf.ApplyFinal(res.Text)
		} else {
			buf.ApplyInterim(res.Text)
		}
		r.liveLast = buf
		select {
		case r.liveCh <- buf:
		case <-r.stopping:
		}
	}
	if err := r.live.Err(); err != nil && !r.isStopping() {
		r.logger.Warn("live recognition failed; recording continues", "error", err)
		r.liveOK.Store(false)
	}
}

func (r *recording) tickLoop(every time.Duration) {
	defer close(r.tickDone)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			r.elapsed.Store(int64(time.Since(r.started)))
			return
		case <-ticker.C:
			r.elapsed.Store(int64(time.Since(r.started)))
		}
	}
}
