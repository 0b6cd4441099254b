package gemini

import (
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"node.town/tarjama/transcript"
)

var requiredSegmentFields = []string{
	"speaker",
	"timestamp",
	"content",
	"language",
	"language_code",
	"emotion",
}

// ResponseSchema constrains generation to the transcript result shape.
func ResponseSchema() *genai.Schema {
	emotions := make([]string, len(transcript.Emotions))
	for i, e := range transcript.Emotions {
		emotions[i] = string(e)
	}

	segment := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"speaker":       {Type: genai.TypeString},
			"timestamp":     {Type: genai.TypeString, Description: "offset from the start of the audio as MM:SS"},
			"content":       {Type: genai.TypeString},
			"language":      {Type: genai.TypeString},
			"language_code": {Type: genai.TypeString},
			"translation":   {Type: genai.TypeString},
			"emotion":       {Type: genai.TypeString, Enum: emotions},
		},
		Required: requiredSegmentFields,
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"summary":  {Type: genai.TypeString},
			"segments": {Type: genai.TypeArray, Items: segment},
		},
		Required: []string{"summary", "segments"},
	}
}

// LanguageName gives the English name of a locale's language, "ar-SA"
// -> "Arabic". Unparseable locales fall back to English.
func LanguageName(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return "English"
	}
	base, _ := tag.Base()
	name := display.English.Languages().Name(base)
	if name == "" {
		return "English"
	}
	return name
}

// TargetLanguage picks the translation target from the interface locale:
// Arabic for an Arabic interface, English otherwise.
func TargetLanguage(uiLocale string) string {
	tag, err := language.Parse(uiLocale)
	if err == nil {
		if base, _ := tag.Base(); base.String() == "ar" {
			return "Arabic"
		}
	}
	return "English"
}

// Instructions is the natural-language part of the request.
func Instructions(opts Options) string {
	target := opts.TargetLanguage
	if target == "" {
		target = "English"
	}
	emotions := make([]string, len(transcript.Emotions))
	for i, e := range transcript.Emotions {
		emotions[i] = string(e)
	}

	var b strings.Builder
	b.WriteString("Transcribe the attached audio.\n\n")
	b.WriteString("1. Write a short summary of the whole recording.\n")
	b.WriteString("2. Split the speech into segments and label each with its speaker (Speaker 1, Speaker 2, ...).\n")
	b.WriteString("3. Give each segment a timestamp in MM:SS from the start of the audio.\n")
	b.WriteString("4. Detect the language of each segment; give its English name and ISO 639-1 code.\n")
	fmt.Fprintf(&b, "5. When a segment is not in %s, translate it to %s in the translation field; otherwise leave translation out.\n", target, target)
	fmt.Fprintf(&b, "6. Classify the emotion of each segment as exactly one of: %s.\n", strings.Join(emotions, ", "))
	if opts.LanguageHint != "" {
		fmt.Fprintf(&b, "\nThe speakers most likely use %s.\n", LanguageName(opts.LanguageHint))
	}
	b.WriteString("\nRespond with JSON only.")
	return b.String()
}
