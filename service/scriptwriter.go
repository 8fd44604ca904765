package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"SceneForge-server/logger"
	"SceneForge-server/pipeline"
)

const defaultGeminiModel = "gemini-1.5-flash"

// GeminiWriter 用 Gemini 把自然语言概念改写为分镜脚本
type GeminiWriter struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGeminiWriter(ctx context.Context, apiKey, model string) (*GeminiWriter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiWriter{client: client, model: model, logger: logger.Component("gemini")}, nil
}

func (w *GeminiWriter) Close() error {
	return w.client.Close()
}

func (w *GeminiWriter) Write(ctx context.Context, concept string, duration float64, hints pipeline.StyleHints) (*pipeline.Script, error) {
	model := w.client.GenerativeModel(w.model)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = scriptSchema()
	temp := float32(0.7)
	model.Temperature = &temp

	resp, err := model.GenerateContent(ctx, genai.Text(buildScriptPrompt(concept, duration, hints)))
	if err != nil {
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty response from gemini")
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp.Candidates[0].Content.Parts[0])
	}
	s, err := decodeWriterScript(string(text))
	if err != nil {
		return nil, err
	}
	w.logger.InfoContext(ctx, "script written", "scenes", len(s.Scenes), "keyElements", len(s.KeyElements))
	return s, nil
}

func decodeWriterScript(raw string) (*pipeline.Script, error) {
	var s pipeline.Script
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse script json: %w", err)
	}
	return &s, nil
}

func scriptSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"overallPrompt": {Type: genai.TypeString},
			"keyElements":   {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
			"scenes": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"sceneNumber": {Type: genai.TypeInteger},
						"prompt":      {Type: genai.TypeString},
						"duration":    {Type: genai.TypeNumber},
					},
					Required: []string{"sceneNumber", "prompt", "duration"},
				},
			},
		},
		Required: []string{"overallPrompt", "scenes"},
	}
}

func buildScriptPrompt(concept string, duration float64, hints pipeline.StyleHints) string {
	maxScene := hints.MaxSceneDuration
	if maxScene <= 0 {
		maxScene = 8
	}
	count := int(math.Ceil(duration / maxScene))
	if count < 1 {
		count = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write a shot list for a %.0f second video in about %d scenes. ", duration, count)
	fmt.Fprintf(&b, "Each scene lasts at most %.0f seconds and the durations add up to %.0f. ", maxScene, duration)
	b.WriteString("Every scene prompt is a self-contained visual description for a video model. ")
	b.WriteString("List up to three recurring key elements (characters, objects, places).\n")
	for _, h := range []struct{ name, value string }{
		{"Style", hints.Style},
		{"Mood", hints.Mood},
		{"Color palette", hints.ColorPalette},
		{"Pacing", hints.Pacing},
		{"Aspect ratio", hints.AspectRatio},
	} {
		if h.value != "" {
			fmt.Fprintf(&b, "%s: %s\n", h.name, h.value)
		}
	}
	b.WriteString("\nConcept:\n")
	b.WriteString(concept)
	return b.String()
}
