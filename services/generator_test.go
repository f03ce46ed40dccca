package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pubmed-newsroom/config"
)

func generatorConfig(endpoint string) *config.Config {
	return &config.Config{
		OpenAIEndpoint: endpoint,
		OpenAIModel:    "test-model",
		OpenAIAPIKey:   "secret",
	}
}

func chatReply(content string) string {
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	data, _ := json.Marshal(reply)
	return string(data)
}

func TestOpenAIGeneratorGenerate(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, chatReply(`{
			"headline": "  Curcumin shows promise  ",
			"standfirst": "A new trial reports benefits.",
			"story_paragraphs": ["First.", "  ", "Second."],
			"what_happens_next": "More trials."
		}`))
	}))
	defer srv.Close()

	generator := NewOpenAIGenerator(generatorConfig(srv.URL), zap.NewNop())
	story, err := generator.Generate(context.Background(), "the prompt")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "test-model", gotBody["model"])

	// Whitespace und Leer-Absätze werden bereinigt.
	assert.Equal(t, "Curcumin shows promise", story.Headline)
	assert.Equal(t, []string{"First.", "Second."}, story.StoryParagraphs)
	assert.Equal(t, "More trials.", story.WhatHappensNext)
}

func TestOpenAIGeneratorUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	generator := NewOpenAIGenerator(generatorConfig(srv.URL), zap.NewNop())
	_, err := generator.Generate(context.Background(), "the prompt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGenerationFailed))
}

func TestOpenAIGeneratorInvalidPayload(t *testing.T) {
	for name, body := range map[string]string{
		"empty choices": `{"choices":[]}`,
		"empty content": chatReply("   "),
		"invalid json":  chatReply("this is not json"),
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			}))
			defer srv.Close()

			generator := NewOpenAIGenerator(generatorConfig(srv.URL), zap.NewNop())
			_, err := generator.Generate(context.Background(), "the prompt")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrGenerationFailed))
		})
	}
}

func TestOpenAIGeneratorRequiresKey(t *testing.T) {
	cfg := generatorConfig("http://unused.invalid")
	cfg.OpenAIAPIKey = ""
	generator := NewOpenAIGenerator(cfg, zap.NewNop())

	_, err := generator.Generate(context.Background(), "the prompt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGenerationFailed))
}
