// Package gemini transcribes audio payloads with a Gemini model whose
// output is constrained to a JSON schema.
package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"node.town/tarjama/transcript"
)

const DefaultModel = "gemini-2.5-flash"

// Generator is the part of genai.GenerativeModel we call.
type Generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

type Options struct {
	// LanguageHint is the locale the speakers probably use.
	LanguageHint string
	// TargetLanguage names the translation language, e.g. "Arabic".
	TargetLanguage string
}

type Client struct {
	gen    Generator
	client *genai.Client
	model  string
	logger *log.Logger
}

func New(ctx context.Context, cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, transcript.Errorf(transcript.KindAuthFailure, "gemini.new", "no API key configured")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, transcript.NewError(transcript.KindAuthFailure, "gemini.new", err)
	}
	name := cfg.Model
	if name == "" {
		name = DefaultModel
	}
	c := NewWithGenerator(setupGenerativeModel(client, name, cfg.Temperature), logger)
	c.client = client
	c.model = name
	return c, nil
}

func NewWithGenerator(gen Generator, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{gen: gen, model: DefaultModel, logger: logger}
}

func setupGenerativeModel(client *genai.Client, name string, temperature float32) *genai.GenerativeModel {
	model := client.GenerativeModel(name)
	model.GenerationConfig.SetTemperature(temperature)
	model.GenerationConfig.SetTopP(1.0)
	model.GenerationConfig.ResponseMIMEType = "application/json"
	model.GenerationConfig.ResponseSchema = ResponseSchema()
	model.SafetySettings = []*genai.SafetySetting{
		{
			Category:  genai.HarmCategoryHarassment,
			Threshold: genai.HarmBlockOnlyHigh,
		},
		{
			Category:  genai.HarmCategoryHateSpeech,
			Threshold: genai.HarmBlockOnlyHigh,
		},
		{
			Category:  genai.HarmCategorySexuallyExplicit,
			Threshold: genai.HarmBlockOnlyHigh,
		},
		{
			Category:  genai.HarmCategoryDangerousContent,
			Threshold: genai.HarmBlockOnlyHigh,
		},
	}
	return model
}

// Transcribe sends one request. It never retries; the caller decides.
func (c *Client) Transcribe(
	ctx context.Context,
	payload *transcript.AudioPayload,
	opts Options,
) (*transcript.Result, error) {
	const op = "gemini.transcribe"

	if payload == nil || payload.Len() == 0 {
		return nil, transcript.Errorf(transcript.KindUnsupportedFormat, op, "no audio")
	}
	mimeType := payload.NormalizedMIME()
	if !strings.HasPrefix(mimeType, "audio/") {
		return nil, transcript.Errorf(transcript.KindUnsupportedFormat, op, "%q is not an audio type", payload.MIMEType())
	}

	prompt := buildPrompt(
		[]genai.Part{genai.Text(Instructions(opts))},
		[]genai.Part{genai.Blob{MIMEType: mimeType, Data: payload.Bytes()}},
	)

	c.logger.Info("transcribing", "model", c.model, "mime", mimeType, "bytes", payload.Len())
	start := time.Now()

	resp, err := c.gen.GenerateContent(ctx, prompt...)
	if err != nil {
		return nil, transcript.NewError(classify(err), op, err)
	}

	text := getResponseText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, transcript.Errorf(transcript.KindEmptyResult, op, "model returned no text")
	}

	result, err := ParseResult(text)
	if err != nil {
		c.logger.Debug("unparseable response", "text", text)
		return nil, err
	}

	c.logger.Info(
		"transcribed",
		"segments", len(result.Segments),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close genai client: %w", err)
	}
	return nil
}

func buildPrompt(partGroups ...[]genai.Part) []genai.Part {
	var allParts []genai.Part
	for _, group := range partGroups {
		allParts = append(allParts, group...)
	}
	return allParts
}

func getResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
