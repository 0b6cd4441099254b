package render

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
)

func sampleResult() *transcript.Result {
	return &transcript.Result{
		Summary: "Two people greet each other.",
		Segments: []transcript.Segment{
			{
				Speaker:      "Speaker 1",
				Timestamp:    "00:00",
				Content:      "مرحبا <b>",
				Language:     "Arabic",
				LanguageCode: "ar",
				Translation:  "Hello",
				Emotion:      transcript.EmotionHappy,
			},
			{
				Speaker:      "Speaker 2",
				Timestamp:    "00:04",
				Content:      "Hi there",
				Language:     "English",
				LanguageCode: "en",
			},
		},
	}
}

func TestLabels(t *testing.T) {
	tests := []struct {
		locale string
		id     string
		want   string
		dir    string
	}{
		{"en", "summary", "Summary", "ltr"},
		{"ar", "summary", "الملخص", "rtl"},
		{"ar-SA", "emotion.Sad", "حزين", "rtl"},
		{"fr", "translation", "Translation", "ltr"},
		{"en", "no.such.label", "no.such.label", "ltr"},
	}
	for _, tt := range tests {
		t.Run(tt.locale+"/"+tt.id, func(t *testing.T) {
			l := NewLabels(tt.locale)
			if got := l.Get(tt.id); got != tt.want {
				t.Errorf("Get(%q) = %q, want %q", tt.id, got, tt.want)
			}
			if l.Dir() != tt.dir {
				t.Errorf("Dir() = %q", l.Dir())
			}
		})
	}
}

func TestEveryErrorKindHasALabel(t *testing.T) {
	kinds := []transcript.Kind{
		transcript.KindUnknown,
		transcript.KindPermissionDenied,
		transcript.KindDeviceUnavailable,
		transcript.KindNetworkFailure,
		transcript.KindAuthFailure,
		transcript.KindRateLimited,
		transcript.KindUnsupportedFormat,
		transcript.KindEmptyResult,
		transcript.KindResultFormat,
		transcript.KindModelInit,
	}
	for _, locale := range []string{"en", "ar"} {
		l := NewLabels(locale)
		for _, k := range kinds {
			if got := l.ErrorKind(k.String()); strings.HasPrefix(got, "error.") {
				t.Errorf("%s: no label for %s", locale, k)
			}
		}
	}
}

func TestTextString(t *testing.T) {
	out := TextString(sampleResult(), NewLabels("en"), 0)
	for _, want := range []string{"Summary", "Two people greet each other.", "Speaker 1", "00:04", "Arabic (AR)", "Happy", "Hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("output is missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "00:00") > strings.Index(out, "00:04") {
		t.Error("segments out of order")
	}

	empty := TextString(&transcript.Result{}, NewLabels("ar"), 0)
	if !strings.Contains(empty, "لم يتم العثور") {
		t.Errorf("empty result: %s", empty)
	}
}

func TestResultViewEscapes(t *testing.T) {
	var buf bytes.Buffer
	if err := ResultView(sampleResult(), NewLabels("en")).Render(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}
	html := buf.String()
	if strings.Contains(html, "<b>") {
		t.Error("segment content was not escaped")
	}
	for _, want := range []string{`lang="ar"`, "emotion-happy", "Translation", "Speaker 2"} {
		if !strings.Contains(html, want) {
			t.Errorf("html is missing %q", want)
		}
	}
	if strings.Count(html, `class="badge emotion`) != 1 {
		t.Error("emotion badge rendered for a segment without emotion")
	}
}

func TestSessionView(t *testing.T) {
	tests := []struct {
		name    string
		snap    session.Snapshot
		want    []string
		notWant []string
	}{
		{
			name: "recording",
			snap: session.Snapshot{
				State:   session.Recording,
				Elapsed: 65 * time.Second,
				Live:    transcript.LiveBuffer{Final: "hello ", Interim: "wor"},
			},
			want: []string{"Recording 01:05", "hello", `class="interim">wor`},
		},
		{
			name: "loading",
			snap: session.Snapshot{State: session.LoadingModel, Progress: 0.25},
			want: []string{"<progress", `value="0.25"`},
		},
		{
			name: "cloud error",
			snap: session.Snapshot{
				State:  session.Error,
				Engine: session.EngineCloud,
				Error:  &session.ErrorInfo{Kind: "rate_limited", Retryable: true, Fallback: true},
			},
			want: []string{"Too many requests", `data-engine="cloud"`, `data-engine="local"`},
		},
		{
			name: "format error",
			snap: session.Snapshot{
				State:  session.Error,
				Engine: session.EngineCloud,
				Error:  &session.ErrorInfo{Kind: "unsupported_format"},
			},
			want:    []string{"not supported"},
			notWant: []string{"data-action=\"retry\""},
		},
		{
			name:    "success",
			snap:    session.Snapshot{State: session.Success, Result: sampleResult()},
			want:    []string{"Two people greet each other."},
			notWant: []string{`class="error"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := SessionView(tt.snap, NewLabels("en")).Render(context.Background(), &buf); err != nil {
				t.Fatal(err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("missing %q in %s", want, buf.String())
				}
			}
			for _, bad := range tt.notWant {
				if strings.Contains(buf.String(), bad) {
					t.Errorf("unexpected %q in %s", bad, buf.String())
				}
			}
		})
	}
}

func TestPageDirection(t *testing.T) {
	var buf bytes.Buffer
	err := Page(session.Snapshot{}, NewLabels("ar"), "ar").Render(context.Background(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `<html lang="ar" dir="rtl">`) {
		t.Errorf("page head: %.120s", buf.String())
	}
}

func TestSessionViewEscapesAttributes(t *testing.T) {
	result := &transcript.Result{Segments: []transcript.Segment{{
		Speaker:      `<script>alert(1)</script>`,
		Timestamp:    "00:01",
		Content:      "hi",
		Language:     "English",
		LanguageCode: `en" onmouseover="alert(1)`,
	}}}
	snap := session.Snapshot{State: session.Success, Result: result}

	var buf bytes.Buffer
	if err := SessionView(snap, NewLabels("en")).Render(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}
	html := buf.String()
	for _, bad := range []string{`<script>`, `" onmouseover="`} {
		if strings.Contains(html, bad) {
			t.Errorf("unescaped %q in %s", bad, html)
		}
	}
	if !strings.Contains(html, `data-state="success"`) {
		t.Errorf("missing state attribute in %s", html)
	}
}
