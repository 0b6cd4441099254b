// Package speechmatics streams microphone PCM to the Speechmatics
// realtime API for live transcript preview.
package speechmatics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"node.town/tarjama/capture"
	"node.town/tarjama/transcript"
)

const (
	WebSocketBaseURL = "wss://eu2.rt.speechmatics.com/v2"
	PingInterval     = 30 * time.Second
	PongTimeout      = 60 * time.Second
	HandshakeTimeout = 10 * time.Second
	DrainTimeout     = 3 * time.Second
)

type TranscriptionConfig struct {
	Language           string  `json:"language"`
	OperatingPoint     string  `json:"operating_point,omitempty"`
	EnablePartials     bool    `json:"enable_partials,omitempty"`
	MaxDelay           float64 `json:"max_delay,omitempty"`
	PunctuationEnabled bool    `json:"punctuation_enabled,omitempty"`
}

type AudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type StartRecognitionMessage struct {
	Message             string              `json:"message"`
	AudioFormat         AudioFormat         `json:"audio_format"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

type EndOfStreamMessage struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

// ServerMessage covers every message type we react to.
type ServerMessage struct {
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Metadata struct {
		Transcript string  `json:"transcript"`
		StartTime  float64 `json:"start_time"`
		EndTime    float64 `json:"end_time"`
	} `json:"metadata"`
}

type Recognizer struct {
	APIKey         string
	URL            string
	OperatingPoint string
	MaxDelay       float64
	Dialer         *websocket.Dialer
	Logger         *log.Logger
}

func NewRecognizer(apiKey string, logger *log.Logger) *Recognizer {
	return &Recognizer{
		APIKey:         apiKey,
		URL:            WebSocketBaseURL,
		OperatingPoint: "enhanced",
		MaxDelay:       2,
		Dialer:         websocket.DefaultDialer,
		Logger:         logger,
	}
}

// LanguageCode turns a locale such as "ar-SA" into the bare code the
// realtime endpoint expects.
func LanguageCode(locale string) string {
	code, _, _ := strings.Cut(locale, "-")
	code, _, _ = strings.Cut(code, "_")
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "en"
	}
	return code
}

func (r *Recognizer) Start(ctx context.Context, language string, sampleRate int) (capture.RecognitionSession, error) {
	const op = "speechmatics.start"
	if r.APIKey == "" {
		return nil, transcript.Errorf(transcript.KindAuthFailure, op, "no API key")
	}

	lang := LanguageCode(language)
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", r.APIKey))

	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(r.URL, "/"), lang)
	conn, resp, err := r.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, transcript.NewError(transcript.KindAuthFailure, op, err)
		}
		return nil, transcript.NewError(transcript.KindNetworkFailure, op, err)
	}

	start := StartRecognitionMessage{
		Message: "StartRecognition",
		AudioFormat: AudioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		},
		TranscriptionConfig: TranscriptionConfig{
			Language:           lang,
			OperatingPoint:     r.OperatingPoint,
			EnablePartials:     true,
			MaxDelay:           r.MaxDelay,
			PunctuationEnabled: true,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, transcript.NewError(transcript.KindNetworkFailure, op, fmt.Errorf("send StartRecognition: %w", err))
	}

	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return nil, transcript.NewError(transcript.KindNetworkFailure, op, fmt.Errorf("await RecognitionStarted: %w", err))
	}
	conn.SetReadDeadline(time.Time{})

	switch msg.Message {
	case "RecognitionStarted":
	case "Error":
		conn.Close()
		kind := transcript.KindNetworkFailure
		if msg.Type == "not_authorised" || msg.Type == "insufficient_funds" {
			kind = transcript.KindAuthFailure
		}
		return nil, transcript.Errorf(kind, op, "%s: %s", msg.Type, msg.Reason)
	default:
		conn.Close()
		return nil, transcript.Errorf(transcript.KindNetworkFailure, op, "unexpected %q before RecognitionStarted", msg.Message)
	}

	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	pingCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		logger:  logger,
		results: make(chan capture.Recognition, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.readLoop()
	go s.keepAlive(pingCtx)

	logger.Info("live recognition started", "language", lang, "rate", sampleRate)
	return s, nil
}

type session struct {
	conn   *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex
	seq     int

	results  chan capture.Recognition
	err      error
	done     chan struct{}
	stopping atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
}

func (s *session) SendAudio(pcm []byte) error {
	if s.stopping.Load() {
		return fmt.Errorf("session stopped")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	s.seq++
	return nil
}

func (s *session) Results() <-chan capture.Recognition { return s.results }

// Err is only meaningful once Results has been closed.
func (s *session) Err() error { return s.err }

func (s *session) readLoop() {
	defer close(s.done)
	defer close(s.results)

	for {
		var msg ServerMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !s.stopping.Load() {
				s.err = fmt.Errorf("WebSocket closed unexpectedly: %w", err)
			}
			return
		}

		switch msg.Message {
		case "AddPartialTranscript":
			if text := strings.TrimSpace(msg.Metadata.Transcript); text != "" {
				s.results <- capture.Recognition{Text: text}
			}
		case "AddTranscript":
			if text := strings.TrimSpace(msg.Metadata.Transcript); text != "" {
				s.results <- capture.Recognition{Text: text, Final: true}
			}
		case "EndOfTranscript":
			return
		case "Warning":
			s.logger.Warn("speechmatics", "type", msg.Type, "reason", msg.Reason)
		case "Error":
			s.err = fmt.Errorf("speechmatics error %s: %s", msg.Type, msg.Reason)
			return
		}
	}
}

func (s *session) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(PongTimeout)); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// Stop asks the server to flush its last transcript, waits briefly for
// it, then closes the connection. Results is closed when Stop returns.
func (s *session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.cancel()

		s.writeMu.Lock()
		werr := s.conn.WriteJSON(EndOfStreamMessage{Message: "EndOfStream", LastSeqNo: s.seq})
		s.writeMu.Unlock()
		if werr == nil {
			select {
			case <-s.done:
			case <-time.After(DrainTimeout):
			}
		}

		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		if cerr := s.conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close WebSocket connection: %w", cerr)
		}
		<-s.done
	})
	return err
}
