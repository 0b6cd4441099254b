package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"node.town/tarjama/transcript"
)

// Pointers tell a missing field apart from an empty one.
type rawSegment struct {
	Speaker      *string `json:"speaker"`
	Timestamp    *string `json:"timestamp"`
	Content      *string `json:"content"`
	Language     *string `json:"language"`
	LanguageCode *string `json:"language_code"`
	Translation  *string `json:"translation"`
	Emotion      *string `json:"emotion"`
}

type rawResult struct {
	Summary  *string       `json:"summary"`
	Segments *[]rawSegment `json:"segments"`
}

// ParseResult decodes model output into a result. Any deviation from the
// schema is a result format error; no partial result is returned.
func ParseResult(text string) (*transcript.Result, error) {
	const op = "gemini.parse"

	var raw rawResult
	if err := json.Unmarshal([]byte(stripFences(text)), &raw); err != nil {
		return nil, transcript.NewError(transcript.KindResultFormat, op, err)
	}
	if raw.Summary == nil {
		return nil, transcript.Errorf(transcript.KindResultFormat, op, "missing summary")
	}
	if raw.Segments == nil {
		return nil, transcript.Errorf(transcript.KindResultFormat, op, "missing segments")
	}

	result := &transcript.Result{
		Summary:  *raw.Summary,
		Segments: make([]transcript.Segment, 0, len(*raw.Segments)),
	}
	for i, rs := range *raw.Segments {
		seg, err := convertSegment(rs)
		if err != nil {
			return nil, transcript.Errorf(transcript.KindResultFormat, op, "segment %d: %v", i, err)
		}
		result.Segments = append(result.Segments, seg)
	}
	return result, nil
}

func convertSegment(rs rawSegment) (transcript.Segment, error) {
	fields := map[string]*string{
		"speaker":       rs.Speaker,
		"timestamp":     rs.Timestamp,
		"content":       rs.Content,
		"language":      rs.Language,
		"language_code": rs.LanguageCode,
		"emotion":       rs.Emotion,
	}
	for _, name := range requiredSegmentFields {
		if fields[name] == nil {
			return transcript.Segment{}, fmt.Errorf("missing %s", name)
		}
	}

	emotion, err := parseEmotion(*rs.Emotion)
	if err != nil {
		return transcript.Segment{}, err
	}

	timestamp := strings.TrimSpace(*rs.Timestamp)
	if d, err := transcript.ParseTimestamp(timestamp); err == nil {
		timestamp = transcript.FormatTimestamp(d)
	}

	seg := transcript.Segment{
		Speaker:      *rs.Speaker,
		Timestamp:    timestamp,
		Content:      *rs.Content,
		Language:     *rs.Language,
		LanguageCode: *rs.LanguageCode,
		Emotion:      emotion,
	}
	if rs.Translation != nil {
		seg.Translation = strings.TrimSpace(*rs.Translation)
	}
	return seg, nil
}

func parseEmotion(s string) (transcript.Emotion, error) {
	for _, e := range transcript.Emotions {
		if strings.EqualFold(string(e), strings.TrimSpace(s)) {
			return e, nil
		}
	}
	return transcript.ParseEmotion(s)
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
