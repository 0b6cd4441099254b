package transcript

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type Emotion string

const (
	EmotionHappy   Emotion = "Happy"
	EmotionSad     Emotion = "Sad"
	EmotionAngry   Emotion = "Angry"
	EmotionNeutral Emotion = "Neutral"
)

// Emotions lists the values the cloud engine may return, in prompt order.
var Emotions = []Emotion{EmotionHappy, EmotionSad, EmotionAngry, EmotionNeutral}

func ParseEmotion(s string) (Emotion, error) {
	for _, e := range Emotions {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown emotion %q", s)
}

// AudioPayload is one captured or uploaded recording. It is built once
// and never modified; Raw and Base64 always describe the same bytes.
type AudioPayload struct {
	raw      []byte
	base64   string
	mimeType string
}

func NewAudioPayload(raw []byte, mimeType string) *AudioPayload {
	data := make([]byte, len(raw))
	copy(data, raw)
	return &AudioPayload{
		raw:      data,
		base64:   base64.StdEncoding.EncodeToString(data),
		mimeType: mimeType,
	}
}

// PayloadFromBase64 builds a payload from an already encoded body.
func PayloadFromBase64(encoded, mimeType string) (*AudioPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	return &AudioPayload{raw: raw, base64: encoded, mimeType: mimeType}, nil
}

func (p *AudioPayload) Bytes() []byte {
	out := make([]byte, len(p.raw))
	copy(out, p.raw)
	return out
}

func (p *AudioPayload) Base64() string   { return p.base64 }
func (p *AudioPayload) MIMEType() string { return p.mimeType }
func (p *AudioPayload) Len() int         { return len(p.raw) }

// NormalizedMIME drops codec parameters, "audio/webm;codecs=opus" -> "audio/webm".
func (p *AudioPayload) NormalizedMIME() string {
	return NormalizeMIME(p.mimeType)
}

func NormalizeMIME(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

type Segment struct {
	Speaker      string  `json:"speaker"`
	Timestamp    string  `json:"timestamp"`
	Content      string  `json:"content"`
	Language     string  `json:"language"`
	LanguageCode string  `json:"language_code"`
	Translation  string  `json:"translation,omitempty"`
	Emotion      Emotion `json:"emotion,omitempty"`
}

type Result struct {
	Summary  string    `json:"summary"`
	Segments []Segment `json:"segments"`
}

// FormatTimestamp renders an offset as MM:SS. Minutes keep counting past 59.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// ParseTimestamp accepts MM:SS as produced by FormatTimestamp.
func ParseTimestamp(s string) (time.Duration, error) {
	var minutes, seconds int
	if _, err := fmt.Sscanf(s, "%d:%d", &minutes, &seconds); err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	if seconds < 0 || seconds > 59 || minutes < 0 {
		return 0, fmt.Errorf("parse timestamp %q: out of range", s)
	}
	return time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second, nil
}

// LiveBuffer holds the text of an in-progress live recognition.
// Final only grows; Interim is replaced on every update.
type LiveBuffer struct {
	Final   string `json:"final"`
	Interim string `json:"interim"`
}

func (b *LiveBuffer) ApplyFinal(text string) {
	b.Final += text + " "
	b.Interim = ""
}

func (b *LiveBuffer) ApplyInterim(text string) {
	b.Interim = text
}

func (b LiveBuffer) Empty() bool {
	return b.Final == "" && b.Interim == ""
}

// Text is what a reader sees right now: the finalized text followed by
// the current hypothesis.
func (b LiveBuffer) Text() string {
	return strings.TrimSpace(b.Final + b.Interim)
}
