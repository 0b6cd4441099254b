package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"node.town/tarjama/archive"
	"node.town/tarjama/session"
	"node.town/tarjama/snd"
	"node.town/tarjama/transcript"
)

type MockSession struct {
	mu        sync.Mutex
	snap      session.Snapshot
	attached  *transcript.AudioPayload
	requests  []session.Request
	err       error
	resets    int
	language  string
	updates   chan session.Snapshot
	requestCt []context.Context
}

func (m *MockSession) Attach(p *transcript.AudioPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = p
	m.snap.HasPayload = true
	return m.err
}

func (m *MockSession) StartRecording(ctx context.Context, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.language = language
	return m.err
}

func (m *MockSession) StopRecording(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// locked runs f while holding the mock's lock.
func (m *MockSession) locked(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f()
}

func (m *MockSession) Transcribe(ctx context.Context, req session.Request) (*transcript.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.requestCt = append(m.requestCt, ctx)
	return nil, m.err
}

func (m *MockSession) Retry(ctx context.Context, req session.Request) (*transcript.Result, error) {
	return m.Transcribe(ctx, req)
}

func (m *MockSession) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *MockSession) Snapshot() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *MockSession) Subscribe(ctx context.Context) <-chan session.Snapshot {
	out := make(chan session.Snapshot)
	go func() {
		defer close(out)
		for {
			select {
			case s := <-m.updates:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type MockHistory struct {
	records []archive.Record
}

func (h *MockHistory) Recent(ctx context.Context, query string, limit int) ([]archive.Record, error) {
	return h.records, nil
}

func (h *MockHistory) Get(ctx context.Context, id string) (archive.Record, error) {
	for _, r := range h.records {
		if r.ID == id {
			return r, nil
		}
	}
	return archive.Record{}, archive.ErrNotFound
}

func newTestServer(t *testing.T, sess *MockSession, history History) *httptest.Server {
	t.Helper()
	srv := NewServer(Config{
		Session:  sess,
		History:  history,
		Logger:   log.New(io.Discard),
		Language: "ar-SA",
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func upload(t *testing.T, url, filename, contentType string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	if contentType != "" {
		h["Content-Type"] = []string{contentType}
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	resp, err := http.Post(url+"/api/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestUpload(t *testing.T) {
	sess := &MockSession{}
	ts := newTestServer(t, sess, nil)

	wav, err := snd.EncodeWAV(make([]float32, 1600), 16000)
	if err != nil {
		t.Fatal(err)
	}
	resp := upload(t, ts.URL, "clip.wav", "audio/wav", wav)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sess.locked(func() {
		if sess.attached == nil || sess.attached.MIMEType() != "audio/wav" {
			t.Errorf("attached = %v", sess.attached)
		}
	})

	resp = upload(t, ts.URL, "notes.txt", "text/plain", []byte("not audio at all"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Kind != "unsupported_format" || body.Error.Retryable {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestTranscribe(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		err        error
		wantStatus int
		wantReq    session.Request
	}{
		{"default engine", "", nil, http.StatusOK, session.Request{Engine: session.EngineCloud, Language: "ar-SA"}},
		{"local", "?engine=local&lang=en-US", nil, http.StatusOK, session.Request{Engine: session.EngineLocal, Language: "en-US"}},
		{"rate limited", "", transcript.Errorf(transcript.KindRateLimited, "test", "quota"), http.StatusTooManyRequests, session.Request{Engine: session.EngineCloud, Language: "ar-SA"}},
		{"auth", "", transcript.Errorf(transcript.KindAuthFailure, "test", "key"), http.StatusBadGateway, session.Request{Engine: session.EngineCloud, Language: "ar-SA"}},
		{"busy", "", session.ErrBusy, http.StatusConflict, session.Request{Engine: session.EngineCloud, Language: "ar-SA"}},
		{"no payload", "", session.ErrNoPayload, http.StatusBadRequest, session.Request{Engine: session.EngineCloud, Language: "ar-SA"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &MockSession{err: tt.err}
			ts := newTestServer(t, sess, nil)

			resp, err := http.Post(ts.URL+"/api/transcribe"+tt.query, "", nil)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			sess.locked(func() {
				if len(sess.requests) != 1 || sess.requests[0] != tt.wantReq {
					t.Fatalf("requests = %+v", sess.requests)
				}
				if sess.requestCt[0].Done() != nil {
					t.Error("request context is cancelled with the HTTP call")
				}
			})
		})
	}
}

func TestUnknownEngine(t *testing.T) {
	sess := &MockSession{}
	ts := newTestServer(t, sess, nil)
	resp, err := http.Post(ts.URL+"/api/retry?engine=quantum", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	sess.locked(func() {
		if len(sess.requests) != 0 {
			t.Errorf("requests = %v", sess.requests)
		}
	})
}

func TestRecordAndReset(t *testing.T) {
	sess := &MockSession{}
	ts := newTestServer(t, sess, nil)

	for _, path := range []string{"/api/record/start?lang=en-GB", "/api/record/stop", "/api/reset"} {
		resp, err := http.Post(ts.URL+path, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d", path, resp.StatusCode)
		}
	}
	sess.locked(func() {
		if sess.language != "en-GB" || sess.resets != 1 {
			t.Errorf("language = %q, resets = %d", sess.language, sess.resets)
		}
		sess.err = transcript.Errorf(transcript.KindPermissionDenied, "test", "denied")
	})
	resp, _ := http.Post(ts.URL+"/api/record/start", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("denied: status = %d", resp.StatusCode)
	}
}

func TestPages(t *testing.T) {
	sess := &MockSession{snap: session.Snapshot{State: session.Error, Error: &session.ErrorInfo{Kind: "network_failure", Retryable: true}}}
	ts := newTestServer(t, sess, nil)

	resp, err := http.Get(ts.URL + "/?locale=ar")
	if err != nil {
		t.Fatal(err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(page), `dir="rtl"`) || !strings.Contains(string(page), "تعذر الوصول") {
		t.Errorf("page = %.200s", page)
	}

	resp, err = http.Get(ts.URL + "/fragment/session")
	if err != nil {
		t.Fatal(err)
	}
	frag, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(string(frag), `<div id="session" data-state="error">`) {
		t.Errorf("fragment = %s", frag)
	}
}

func TestLiveSocket(t *testing.T) {
	sess := &MockSession{updates: make(chan session.Snapshot)}
	ts := newTestServer(t, sess, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	want := session.Snapshot{ID: "abc", State: session.Recording, Live: transcript.LiveBuffer{Final: "hello "}}
	sess.updates <- want

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got["state"] != "recording" || got["id"] != "abc" {
		t.Errorf("got %v", got)
	}
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t, &MockSession{}, nil)
	resp, _ := http.Get(ts.URL + "/api/history")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("no history: status = %d", resp.StatusCode)
	}

	history := &MockHistory{records: []archive.Record{{ID: "t1", Engine: "cloud", Result: &transcript.Result{Summary: "hi"}}}}
	ts = newTestServer(t, &MockSession{}, history)

	resp, _ = http.Get(ts.URL + "/api/history")
	var records []archive.Record
	json.NewDecoder(resp.Body).Decode(&records)
	resp.Body.Close()
	if len(records) != 1 || records[0].Result.Summary != "hi" {
		t.Errorf("records = %+v", records)
	}

	resp, _ = http.Get(ts.URL + "/api/history/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing: status = %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("unknown error: %d", got)
	}
	if got := statusFor(transcript.Errorf(transcript.KindModelInit, "test", "x")); got != http.StatusInternalServerError {
		t.Errorf("model init: %d", got)
	}
	if got := statusFor(session.ErrSuperseded); got != http.StatusConflict {
		t.Errorf("superseded: %d", got)
	}
}
