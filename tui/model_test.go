package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"node.town/tarjama/render"
	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
)

type MockSession struct {
	mu       sync.Mutex
	snap     session.Snapshot
	calls    []string
	requests []session.Request
	err      error
}

func (m *MockSession) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *MockSession) StartRecording(ctx context.Context, language string) error {
	m.record("start " + language)
	return m.err
}

func (m *MockSession) StopRecording(ctx context.Context) error {
	m.record("stop")
	return m.err
}

func (m *MockSession) Transcribe(ctx context.Context, req session.Request) (*transcript.Result, error) {
	m.record("transcribe " + string(req.Engine))
	return nil, m.err
}

func (m *MockSession) Retry(ctx context.Context, req session.Request) (*transcript.Result, error) {
	m.record("retry " + string(req.Engine))
	return nil, m.err
}

func (m *MockSession) Reset()                     { m.record("reset") }
func (m *MockSession) Snapshot() session.Snapshot { return m.snap }

func (m *MockSession) Subscribe(ctx context.Context) <-chan session.Snapshot {
	return make(chan session.Snapshot)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends a key and runs the command it produces.
func press(t *testing.T, m model, k string) model {
	t.Helper()
	next, cmd := m.Update(key(k))
	runCmd(cmd)
	return next.(model)
}

func runCmd(cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	if batch, ok := cmd().(tea.BatchMsg); ok {
		for _, c := range batch {
			if c != nil {
				go c()
			}
		}
	}
}

func newTestModel(sess *MockSession) model {
	m := newModel(context.Background(), sess, Options{Language: "ar-SA"})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(model)
}

func TestKeysDriveSession(t *testing.T) {
	tests := []struct {
		name    string
		state   session.State
		errInfo *session.ErrorInfo
		keys    []string
		want    string
	}{
		{"start recording", session.Idle, nil, []string{"r"}, "start ar-SA"},
		{"stop recording", session.Recording, nil, []string{" "}, "stop"},
		{"transcribe", session.Idle, nil, []string{"enter"}, "transcribe cloud"},
		{"switch engine", session.Idle, nil, []string{"e", "t"}, "transcribe local"},
		{"retry after error", session.Error, &session.ErrorInfo{Kind: "network_failure"}, []string{"enter"}, "retry cloud"},
		{"fallback", session.Error, &session.ErrorInfo{Kind: "auth_failure", Fallback: true}, []string{"l"}, "retry local"},
		{"reset", session.Success, nil, []string{"x"}, "reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &MockSession{snap: session.Snapshot{State: tt.state, Error: tt.errInfo}}
			m := newTestModel(sess)
			for _, k := range tt.keys {
				m = press(t, m, k)
			}
			waitForCall(t, sess, tt.want)
		})
	}
}

func waitForCall(t *testing.T, sess *MockSession, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		calls := append([]string(nil), sess.calls...)
		sess.mu.Unlock()
		for _, c := range calls {
			if c == want {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	t.Errorf("calls = %v, want %q", sess.calls, want)
}

func TestFallbackKeyIgnoredWithoutFallback(t *testing.T) {
	sess := &MockSession{snap: session.Snapshot{State: session.Error, Error: &session.ErrorInfo{Kind: "unsupported_format"}}}
	m := newTestModel(sess)
	_, cmd := m.Update(key("l"))
	runCmd(cmd)
	time.Sleep(10 * time.Millisecond)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, c := range sess.calls {
		if strings.HasPrefix(c, "retry") {
			t.Errorf("unexpected %q", c)
		}
	}
}

func TestSnapshotUpdatesView(t *testing.T) {
	m := newTestModel(&MockSession{})

	next, _ := m.Update(snapshotMsg(session.Snapshot{
		State: session.Recording,
		Live:  transcript.LiveBuffer{Final: "hello "},
	}))
	m = next.(model)
	if !strings.Contains(m.View(), "hello") {
		t.Errorf("live text missing:\n%s", m.View())
	}

	next, _ = m.Update(snapshotMsg(session.Snapshot{
		State: session.Success,
		Result: &transcript.Result{
			Summary:  "a greeting",
			Segments: []transcript.Segment{{Speaker: "Speaker 1", Timestamp: "00:00", Content: "hello world", Language: "English", LanguageCode: "en"}},
		},
	}))
	m = next.(model)
	view := m.View()
	if !strings.Contains(view, "a greeting") || !strings.Contains(view, "hello world") {
		t.Errorf("result missing:\n%s", view)
	}
}

func TestActionErrorShown(t *testing.T) {
	m := newTestModel(&MockSession{})
	m.opts.Labels = render.NewLabels("en")
	next, _ := m.Update(actionErrMsg{transcript.Errorf(transcript.KindDeviceUnavailable, "test", "no mic")})
	m = next.(model)
	next, _ = m.Update(snapshotMsg(session.Snapshot{}))
	m = next.(model)
	if !strings.Contains(m.View(), "No microphone is available.") {
		t.Errorf("view:\n%s", m.View())
	}
	if !errors.Is(m.lastErr, transcript.ErrDeviceUnavailable) {
		t.Errorf("lastErr = %v", m.lastErr)
	}
}

func TestClosedSubscriptionQuits(t *testing.T) {
	m := newTestModel(&MockSession{})
	_, cmd := m.Update(closedMsg{})
	if cmd == nil {
		t.Fatal("no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected quit")
	}
}
