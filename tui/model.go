// Package tui is the terminal front end for recording and transcribing.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"node.town/tarjama/render"
	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
)

type Session interface {
	StartRecording(ctx context.Context, language string) error
	StopRecording(ctx context.Context) error
	Transcribe(ctx context.Context, req session.Request) (*transcript.Result, error)
	Retry(ctx context.Context, req session.Request) (*transcript.Result, error)
	Reset()
	Snapshot() session.Snapshot
	Subscribe(ctx context.Context) <-chan session.Snapshot
}

type Options struct {
	Language string
	Engine   session.Engine
	Labels   *render.Labels
	// AutoStart begins recording as soon as the program starts.
	AutoStart bool
}

type snapshotMsg session.Snapshot

type actionErrMsg struct{ err error }

type closedMsg struct{}

type model struct {
	ctx      context.Context
	sess     Session
	updates  <-chan session.Snapshot
	opts     Options
	snap     session.Snapshot
	lastErr  error
	viewport viewport.Model
	spinner  spinner.Model
	progress progress.Model
	ready    bool
}

func newModel(ctx context.Context, sess Session, opts Options) model {
	if opts.Labels == nil {
		opts.Labels = render.NewLabels("en")
	}
	if opts.Engine == "" {
		opts.Engine = session.EngineCloud
	}
	return model{
		ctx:      ctx,
		sess:     sess,
		updates:  sess.Subscribe(ctx),
		opts:     opts,
		snap:     sess.Snapshot(),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

// Run shows the interface until the user quits. The session is reset on
// the way out so a recording in progress is released.
func Run(ctx context.Context, sess Session, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sess.Reset()

	_, err := tea.NewProgram(newModel(ctx, sess, opts), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func waitForSnapshot(updates <-chan session.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForSnapshot(m.updates), m.spinner.Tick}
	if m.opts.AutoStart {
		cmds = append(cmds, m.act(func(ctx context.Context) error {
			return m.sess.StartRecording(ctx, m.opts.Language)
		}))
	}
	return tea.Batch(cmds...)
}

// act runs a session call off the update loop; results come back as
// snapshots, failures as actionErrMsg.
func (m model) act(f func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		if err := f(m.ctx); err != nil {
			return actionErrMsg{err}
		}
		return nil
	}
}

func (m model) request(engine session.Engine) session.Request {
	return session.Request{Engine: engine, Language: m.opts.Language}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r", " ":
			m.lastErr = nil
			if m.snap.State == session.Recording {
				cmds = append(cmds, m.act(m.sess.StopRecording))
			} else {
				cmds = append(cmds, m.act(func(ctx context.Context) error {
					return m.sess.StartRecording(ctx, m.opts.Language)
				}))
			}
		case "enter", "t":
			m.lastErr = nil
			req := m.request(m.opts.Engine)
			if m.snap.State == session.Error || m.snap.State == session.Success {
				cmds = append(cmds, m.act(func(ctx context.Context) error {
					_, err := m.sess.Retry(ctx, req)
					return err
				}))
			} else {
				cmds = append(cmds, m.act(func(ctx context.Context) error {
					_, err := m.sess.Transcribe(ctx, req)
					return err
				}))
			}
		case "l":
			if m.snap.Error != nil && m.snap.Error.Fallback {
				req := m.request(session.EngineLocal)
				cmds = append(cmds, m.act(func(ctx context.Context) error {
					_, err := m.sess.Retry(ctx, req)
					return err
				}))
			}
		case "e":
			if m.opts.Engine == session.EngineCloud {
				m.opts.Engine = session.EngineLocal
			} else {
				m.opts.Engine = session.EngineCloud
			}
		case "x":
			m.lastErr = nil
			m.sess.Reset()
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.progress.Width = max(10, msg.Width-4)
		m.viewport.SetContent(m.contentView())

	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		m.viewport.SetContent(m.contentView())
		if m.snap.State == session.Recording {
			m.viewport.GotoBottom()
		}
		cmds = append(cmds, waitForSnapshot(m.updates))

	case actionErrMsg:
		m.lastErr = msg.err

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s", m.headerView(), m.viewport.View(), m.footerView())
}

var barStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#FFFDF5")).
	Background(lipgloss.Color("#25A065")).
	Padding(0, 1)

func (m model) headerView() string {
	status := render.Status(m.snap, m.opts.Labels)
	if m.snap.State == session.Processing || m.snap.State == session.LoadingModel {
		status = m.spinner.View() + " " + status
	}
	title := barStyle.Render(m.opts.Labels.Get("title") + " · " + string(m.opts.Engine))
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(title)-lipgloss.Width(status)-1))
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line, " ", status)
}

func (m model) footerView() string {
	keys := "r record/stop · enter transcribe · e engine · x reset · q quit"
	if m.snap.Error != nil && m.snap.Error.Fallback {
		keys = "l " + m.opts.Labels.Get("use_local") + " · " + keys
	}
	info := barStyle.Render(keys)
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m model) contentView() string {
	var b strings.Builder
	if m.lastErr != nil {
		b.WriteString(render.Status(session.Snapshot{
			State: session.Error,
			Error: session.NewErrorInfo(m.lastErr, m.opts.Engine),
		}, m.opts.Labels))
		b.WriteString("\n\n")
	}

	switch m.snap.State {
	case session.Recording:
		b.WriteString(render.Live(m.snap.Live))
	case session.LoadingModel:
		b.WriteString(m.progress.ViewAs(m.snap.Progress))
	case session.Success:
		if m.snap.Result != nil {
			b.WriteString(render.TextString(m.snap.Result, m.opts.Labels, m.viewport.Width))
		}
	case session.Error:
		if m.snap.Error != nil {
			b.WriteString(m.snap.Error.Message)
		}
	case session.Idle:
		if m.snap.HasPayload {
			fmt.Fprintf(&b, "%s, %d bytes", m.snap.PayloadMIME, m.snap.PayloadBytes)
		}
	}
	return b.String()
}
