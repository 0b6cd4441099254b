package gemini

import (
	"strings"
	"testing"

	"node.town/tarjama/transcript"
)

const fullSegment = `{"speaker":"Speaker 1","timestamp":"0:05","content":"مرحبا","language":"Arabic","language_code":"ar","translation":"Hello","emotion":"happy"}`

func TestParseResult(t *testing.T) {
	result, err := ParseResult("```json\n{\"summary\":\"greeting\",\"segments\":[" + fullSegment + "]}\n```")
	if err != nil {
		t.Fatalf("ParseResult: %v", err)
	}
	if len(result.Segments) != 1 {
		t.Fatalf("segments = %d", len(result.Segments))
	}
	seg := result.Segments[0]
	want := transcript.Segment{
		Speaker:      "Speaker 1",
		Timestamp:    "00:05",
		Content:      "مرحبا",
		Language:     "Arabic",
		LanguageCode: "ar",
		Translation:  "Hello",
		Emotion:      transcript.EmotionHappy,
	}
	if seg != want {
		t.Errorf("segment = %+v, want %+v", seg, want)
	}
}

func TestParseResultMissingFields(t *testing.T) {
	for _, field := range requiredSegmentFields {
		t.Run(field, func(t *testing.T) {
			seg := removeField(fullSegment, field)
			_, err := ParseResult(`{"summary":"s","segments":[` + seg + `]}`)
			if transcript.KindOf(err) != transcript.KindResultFormat {
				t.Errorf("err = %v", err)
			}
		})
	}

	t.Run("translation is optional", func(t *testing.T) {
		seg := removeField(fullSegment, "translation")
		result, err := ParseResult(`{"summary":"s","segments":[` + seg + `]}`)
		if err != nil {
			t.Fatalf("ParseResult: %v", err)
		}
		if result.Segments[0].Translation != "" {
			t.Errorf("translation = %q", result.Segments[0].Translation)
		}
	})
}

func TestParseResultRejects(t *testing.T) {
	tests := map[string]string{
		"not json":         "hello",
		"no summary":       `{"segments":[]}`,
		"no segments":      `{"summary":"x"}`,
		"null segments":    `{"summary":"x","segments":null}`,
		"unknown emotion":  `{"summary":"x","segments":[` + strings.Replace(fullSegment, `"happy"`, `"Bored"`, 1) + `]}`,
		"segments object":  `{"summary":"x","segments":{}}`,
		"truncated output": `{"summary":"x","segments":[` + fullSegment,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := ParseResult(text)
			if result != nil {
				t.Errorf("partial result returned: %+v", result)
			}
			if transcript.KindOf(err) != transcript.KindResultFormat {
				t.Errorf("err = %v", err)
			}
		})
	}
}

// removeField drops one "key":"value" pair from a flat JSON object.
func removeField(obj, field string) string {
	start := strings.Index(obj, `"`+field+`":`)
	end := start + len(field) + 3
	end += strings.Index(obj[end+1:], `"`) + 2
	out := obj[:start] + obj[end:]
	out = strings.Replace(out, ",,", ",", 1)
	out = strings.Replace(out, "{,", "{", 1)
	out = strings.Replace(out, ",}", "}", 1)
	return out
}
