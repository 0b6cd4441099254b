package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"node.town/tarjama/transcript"
)

type MockGenerator struct {
	Text  string
	Err   error
	Parts []genai.Part
}

func (m *MockGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	m.Parts = parts
	if m.Err != nil {
		return nil, m.Err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(m.Text)}},
		}},
	}, nil
}

func webmPayload() *transcript.AudioPayload {
	return transcript.NewAudioPayload([]byte{0x1a, 0x45, 0xdf, 0xa3}, "audio/webm;codecs=opus")
}

func TestTranscribeEmptySegments(t *testing.T) {
	gen := &MockGenerator{Text: `{"summary":"hi","segments":[]}`}
	client := NewWithGenerator(gen, log.New(io.Discard))

	result, err := client.Transcribe(context.Background(), webmPayload(), Options{TargetLanguage: "English"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if result.Summary != "hi" || len(result.Segments) != 0 {
		t.Errorf("result = %+v", result)
	}

	if len(gen.Parts) != 2 {
		t.Fatalf("expected instruction and audio parts, got %d", len(gen.Parts))
	}
	if _, ok := gen.Parts[0].(genai.Text); !ok {
		t.Errorf("first part is %T", gen.Parts[0])
	}
	blob, ok := gen.Parts[1].(genai.Blob)
	if !ok {
		t.Fatalf("second part is %T", gen.Parts[1])
	}
	if blob.MIMEType != "audio/webm" {
		t.Errorf("blob mime = %q, codec suffix not stripped", blob.MIMEType)
	}
	if len(blob.Data) != 4 {
		t.Errorf("blob data = %v", blob.Data)
	}
}

func TestTranscribeErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		gen  *MockGenerator
		want transcript.Kind
	}{
		{"malformed json", &MockGenerator{Text: "Sure! Here is the transcript"}, transcript.KindResultFormat},
		{"empty output", &MockGenerator{Text: "  "}, transcript.KindEmptyResult},
		{"blocked", &MockGenerator{Err: &genai.BlockedError{}}, transcript.KindEmptyResult},
		{"http 401", &MockGenerator{Err: &googleapi.Error{Code: 401}}, transcript.KindAuthFailure},
		{"http 403", &MockGenerator{Err: fmt.Errorf("call: %w", &googleapi.Error{Code: 403})}, transcript.KindAuthFailure},
		{"http 429", &MockGenerator{Err: &googleapi.Error{Code: 429}}, transcript.KindRateLimited},
		{"http 400", &MockGenerator{Err: &googleapi.Error{Code: 400}}, transcript.KindUnsupportedFormat},
		{"http 503", &MockGenerator{Err: &googleapi.Error{Code: 503}}, transcript.KindNetworkFailure},
		{"grpc exhausted", &MockGenerator{Err: status.Error(codes.ResourceExhausted, "quota")}, transcript.KindRateLimited},
		{"grpc unauthenticated", &MockGenerator{Err: status.Error(codes.Unauthenticated, "key")}, transcript.KindAuthFailure},
		{"grpc invalid", &MockGenerator{Err: status.Error(codes.InvalidArgument, "audio")}, transcript.KindUnsupportedFormat},
		{"transport", &MockGenerator{Err: errors.New("dial tcp: connection refused")}, transcript.KindNetworkFailure},
		{"deadline", &MockGenerator{Err: context.DeadlineExceeded}, transcript.KindNetworkFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewWithGenerator(tt.gen, log.New(io.Discard))
			_, err := client.Transcribe(context.Background(), webmPayload(), Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := transcript.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v (%v)", got, tt.want, err)
			}
		})
	}
}

func TestTranscribeRejectsNonAudio(t *testing.T) {
	gen := &MockGenerator{Text: `{"summary":"","segments":[]}`}
	client := NewWithGenerator(gen, log.New(io.Discard))

	_, err := client.Transcribe(context.Background(), transcript.NewAudioPayload([]byte("x"), "text/plain"), Options{})
	if !errors.Is(err, transcript.ErrUnsupportedFormat) {
		t.Errorf("err = %v", err)
	}
	_, err = client.Transcribe(context.Background(), nil, Options{})
	if !errors.Is(err, transcript.ErrUnsupportedFormat) {
		t.Errorf("nil payload: %v", err)
	}
	if gen.Parts != nil {
		t.Error("generator called for invalid payload")
	}
}

func TestNewWithoutKey(t *testing.T) {
	_, err := New(context.Background(), Config{}, log.New(io.Discard))
	if !errors.Is(err, transcript.ErrAuthFailure) {
		t.Errorf("err = %v", err)
	}
}

func TestInstructions(t *testing.T) {
	text := Instructions(Options{LanguageHint: "ar-SA", TargetLanguage: "Arabic"})
	for _, want := range []string{"summary", "MM:SS", "translate it to Arabic", "Happy, Sad, Angry, Neutral", "most likely use Arabic"} {
		if !strings.Contains(text, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
}

func TestTargetLanguage(t *testing.T) {
	tests := map[string]string{
		"ar":    "Arabic",
		"ar-EG": "Arabic",
		"en":    "English",
		"fr-FR": "English",
		"":      "English",
	}
	for in, want := range tests {
		if got := TargetLanguage(in); got != want {
			t.Errorf("TargetLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResponseSchemaRequiresSegmentFields(t *testing.T) {
	schema := ResponseSchema()
	segment := schema.Properties["segments"].Items
	if segment == nil {
		t.Fatal("segments has no item schema")
	}
	if len(segment.Required) != 6 {
		t.Errorf("required = %v", segment.Required)
	}
	for _, f := range segment.Required {
		if f == "translation" {
			t.Error("translation must be optional")
		}
	}
	if got := segment.Properties["emotion"].Enum; len(got) != 4 {
		t.Errorf("emotion enum = %v", got)
	}
}
