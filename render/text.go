package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"node.town/tarjama/session"
	"node.town/tarjama/transcript"
)

var (
	headingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)
	speakerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff8800"))
	timestampStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	badgeStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))
	translationStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#A8A8A8"))
	interimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000"))
)

var emotionColors = map[transcript.Emotion]lipgloss.Color{
	transcript.EmotionHappy:   lipgloss.Color("#FFFF00"),
	transcript.EmotionSad:     lipgloss.Color("#5F87FF"),
	transcript.EmotionAngry:   lipgloss.Color("#FF0000"),
	transcript.EmotionNeutral: lipgloss.Color("#FFFFFF"),
}

// Text writes a result for a terminal. width wraps long segments; zero
// leaves them as they are.
func Text(w io.Writer, result *transcript.Result, labels *Labels, width int) error {
	_, err := io.WriteString(w, TextString(result, labels, width))
	return err
}

func TextString(result *transcript.Result, labels *Labels, width int) string {
	var b strings.Builder

	if result.Summary != "" {
		b.WriteString(headingStyle.Render(labels.Get("summary")))
		b.WriteString("\n")
		b.WriteString(wrap(result.Summary, width))
		b.WriteString("\n\n")
	}

	b.WriteString(headingStyle.Render(labels.Get("segments")))
	b.WriteString("\n")
	if len(result.Segments) == 0 {
		b.WriteString(labels.Get("no_segments"))
		b.WriteString("\n")
		return b.String()
	}

	for _, seg := range result.Segments {
		b.WriteString(segmentHeader(seg, labels))
		b.WriteString("\n")
		b.WriteString(wrap(seg.Content, width))
		b.WriteString("\n")
		if seg.Translation != "" {
			b.WriteString(translationStyle.Render(wrap(seg.Translation, width)))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func segmentHeader(seg transcript.Segment, labels *Labels) string {
	parts := []string{
		timestampStyle.Render(seg.Timestamp),
		speakerStyle.Render(seg.Speaker),
		badgeStyle.Render(languageBadge(seg)),
	}
	if seg.Emotion != "" {
		style := badgeStyle
		if c, ok := emotionColors[seg.Emotion]; ok {
			style = style.Foreground(c)
		}
		parts = append(parts, style.Render(labels.Emotion(seg.Emotion)))
	}
	return strings.Join(parts, " ")
}

func languageBadge(seg transcript.Segment) string {
	if seg.LanguageCode == "" {
		return seg.Language
	}
	return fmt.Sprintf("%s (%s)", seg.Language, strings.ToUpper(seg.LanguageCode))
}

func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

// Status is a one-line description of a session for a status bar.
func Status(s session.Snapshot, labels *Labels) string {
	switch s.State {
	case session.Recording:
		return labels.With("elapsed", map[string]any{"Elapsed": transcript.FormatTimestamp(s.Elapsed)})
	case session.LoadingModel:
		return labels.With("loading_model", map[string]any{"Percent": int(s.Progress * 100)})
	case session.Error:
		if s.Error != nil {
			return errorStyle.Render(labels.ErrorKind(s.Error.Kind))
		}
	}
	return labels.Get("state." + s.State.String())
}

// Live renders the live buffer with interim text dimmed.
func Live(buf transcript.LiveBuffer) string {
	if buf.Interim == "" {
		return strings.TrimSpace(buf.Final)
	}
	return buf.Final + interimStyle.Render(buf.Interim)
}
