package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"node.town/tarjama/archive"
	"node.town/tarjama/gemini"
	"node.town/tarjama/render"
	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
	"node.town/tarjama/whisper"
)

type failingCloud struct{ err error }

func (c failingCloud) Transcribe(ctx context.Context, p *transcript.AudioPayload, opts gemini.Options) (*transcript.Result, error) {
	return nil, c.err
}

type fixedLocal struct{ result *transcript.Result }

func (l fixedLocal) EnsureModel(ctx context.Context, progress func(float64)) error { return nil }

func (l fixedLocal) Transcribe(ctx context.Context, p *transcript.AudioPayload, opts whisper.Options) (*transcript.Result, error) {
	return l.result, nil
}

func TestTranscribeFileFallback(t *testing.T) {
	localResult := &transcript.Result{Segments: []transcript.Segment{{Speaker: "Speaker 1", Timestamp: "00:00", Content: "hi"}}}
	quiet := log.New(io.Discard)

	tests := []struct {
		name      string
		cloudErr  error
		fallback  bool
		wantLocal bool
		wantKind  transcript.Kind
	}{
		{"network with fallback", transcript.Errorf(transcript.KindNetworkFailure, "test", "down"), true, true, 0},
		{"network without fallback", transcript.Errorf(transcript.KindNetworkFailure, "test", "down"), false, false, transcript.KindNetworkFailure},
		{"format is not a fallback case", transcript.Errorf(transcript.KindUnsupportedFormat, "test", "bad"), true, false, transcript.KindUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := session.New(session.Config{
				Cloud:  failingCloud{tt.cloudErr},
				Local:  fixedLocal{localResult},
				Logger: quiet,
			})
			payload := transcript.NewAudioPayload([]byte("RIFF"), "audio/wav")

			result, err := transcribeFile(context.Background(), sess, payload, session.Request{Engine: session.EngineCloud}, tt.fallback, quiet)
			if tt.wantLocal {
				if err != nil || result != localResult {
					t.Fatalf("result = %v, err = %v", result, err)
				}
				if sess.Snapshot().Engine != session.EngineLocal {
					t.Error("fallback did not use the local engine")
				}
				return
			}
			if transcript.KindOf(err) != tt.wantKind {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestPrintResult(t *testing.T) {
	result := &transcript.Result{
		Summary:  "greeting",
		Segments: []transcript.Segment{{Speaker: "Speaker 1", Timestamp: "00:00", Content: "hello", Language: "English", LanguageCode: "en"}},
	}

	var buf bytes.Buffer
	if err := printResult(&buf, result, render.NewLabels("en"), true); err != nil {
		t.Fatal(err)
	}
	var decoded transcript.Result
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if decoded.Segments[0].Content != "hello" {
		t.Errorf("decoded = %+v", decoded)
	}

	buf.Reset()
	if err := printResult(&buf, result, render.NewLabels("en"), false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "greeting") {
		t.Errorf("text = %s", buf.String())
	}
}

func TestHistoryTable(t *testing.T) {
	long := strings.Repeat("كلام ", 30)
	records := []archive.Record{
		{
			ID:        "abc123",
			Engine:    "cloud",
			Language:  "ar-SA",
			CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local),
			Result:    &transcript.Result{Summary: long, Segments: make([]transcript.Segment, 3)},
		},
		{ID: "def456", Engine: "local"},
	}

	var buf bytes.Buffer
	historyTable(&buf, records)
	out := buf.String()
	for _, want := range []string{"abc123", "2024-05-01 12:00:00", "ar-SA", "def456", "…"} {
		if !strings.Contains(out, want) {
			t.Errorf("table is missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, long) {
		t.Error("summary was not shortened")
	}
}
