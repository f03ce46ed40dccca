package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pubmed-newsroom/config"
	"pubmed-newsroom/models"
)

// ErrGenerationFailed kennzeichnet Fehler des externen Textgenerators. Solche
// Fehler sind Generierungsfehler, keine Ingestion- oder Storage-Fehler; es
// wird in diesem Fall kein Entwurf angelegt.
var ErrGenerationFailed = errors.New("generation failed")

// Generator erzeugt aus dem fertigen Prompt eine strukturierte Story.
type Generator interface {
	Generate(ctx context.Context, promptText string) (*models.Story, error)
}

// OpenAIGenerator implementiert Generator gegen OpenAI-kompatible Chat-APIs.
type OpenAIGenerator struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	Logger     *zap.Logger
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator baut einen Generator aus der Konfiguration.
func NewOpenAIGenerator(cfg *config.Config, logger *zap.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{
		endpoint: cfg.OpenAIEndpoint,
		model:    cfg.OpenAIModel,
		apiKey:   cfg.OpenAIAPIKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		Logger: logger,
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate schickt den Prompt als User-Message und erwartet die Story als
// JSON-Objekt zurück.
func (g *OpenAIGenerator) Generate(ctx context.Context, promptText string) (*models.Story, error) {
	if g.apiKey == "" || g.endpoint == "" || g.model == "" {
		return nil, fmt.Errorf("%w: generator misconfigured, check OPENAI_API_KEY", ErrGenerationFailed)
	}

	body, err := json.Marshal(map[string]any{
		"model": g.model,
		"messages": []map[string]string{
			{"role": "user", "content": promptText},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrGenerationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrGenerationFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		g.Logger.Error("LLM-Anfrage abgelehnt",
			zap.Int("status", resp.StatusCode),
			zap.String("body", strings.TrimSpace(string(payload))))
		return nil, fmt.Errorf("%w: llm returned status %d", ErrGenerationFailed, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGenerationFailed, err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("%w: llm returned an empty response", ErrGenerationFailed)
	}

	var story models.Story
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &story); err != nil {
		return nil, fmt.Errorf("%w: llm returned invalid json", ErrGenerationFailed)
	}
	normalizeStory(&story)
	return &story, nil
}

// normalizeStory entfernt Leerzeilen und überflüssige Whitespaces.
func normalizeStory(story *models.Story) {
	story.Headline = strings.TrimSpace(story.Headline)
	story.Standfirst = strings.TrimSpace(story.Standfirst)
	story.WhatHappensNext = strings.TrimSpace(story.WhatHappensNext)
	paragraphs := make([]string, 0, len(story.StoryParagraphs))
	for _, paragraph := range story.StoryParagraphs {
		if text := strings.TrimSpace(paragraph); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	story.StoryParagraphs = paragraphs
}
