package main

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
)

var ErrExplainerUnavailable = errors.New("explainer request failed")

// Explainer produces a prose explanation of a code snippet.
type Explainer interface {
	Explain(ctx context.Context, language, code string) (string, error)
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIExplainer talks to an OpenAI-compatible chat completions endpoint.
type OpenAIExplainer struct {
	config     OpenAIConfig
	httpClient *http.Client
}

func NewOpenAIExplainer(config OpenAIConfig) *OpenAIExplainer {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &OpenAIExplainer{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const explainSystemPrompt = "You are a senior engineer. Explain what the user's code does, step by step, in concise Markdown. Point out bugs or risky patterns if you see any."

func (o *OpenAIExplainer) Explain(ctx context.Context, language, code string) (string, error) {
	lang := language
	if lang == "" {
		lang = "unknown language"
	}
	body, err := json.Marshal(chatRequest{
		Model: o.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: explainSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Language: %s\n\n```\n%s\n```", lang, code)},
		},
		MaxTokens:   800,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExplainerUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExplainerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.config.APIKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExplainerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: status %d: %s", ErrExplainerUnavailable, resp.StatusCode, string(b))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExplainerUnavailable, err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", ErrExplainerUnavailable)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
