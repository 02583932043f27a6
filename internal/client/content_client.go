package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/adforge/api/internal/config"
	"github.com/adforge/api/internal/model"
)

// ContentClient talks to an OpenAI compatible chat completion API
type ContentClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	log        logrus.FieldLogger
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request body for chat completion
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse represents the response from chat completion
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func NewContentClient(cfg *config.ContentProviderConfig, log logrus.FieldLogger) *ContentClient {
	return &ContentClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		log:     log.WithField("client", "content"),
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *ContentClient) IsConfigured() bool {
	return c.apiKey != ""
}

// GenerateAdContent asks the model for req.NumberOfVariations ad variations
func (c *ContentClient) GenerateAdContent(ctx context.Context, req *model.AdGenerationRequest) ([]model.AdContent, error) {
	answer, err := c.ChatCompletion(ctx, buildSystemPrompt(req.Language), buildContentPrompt(req))
	if err != nil {
		return nil, err
	}

	contents, err := parseContentResponse(answer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AI response: %w", err)
	}

	for i := range contents {
		contents[i].ID = uuid.New().String()
		contents[i].Provider = req.TextProvider
		contents[i].PreviewOrder = i
		if contents[i].CallToAction == "" {
			contents[i].CallToAction = req.CallToAction
		}
	}
	return contents, nil
}

// ChatCompletion sends a chat completion request and returns the first choice
func (c *ContentClient) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	reqBody := ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.8,
		MaxTokens:   2048,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Chat completion finished")

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Provider: "content", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return chatResp.Choices[0].Message.Content, nil
}

func buildSystemPrompt(language string) string {
	if language == "" {
		language = "en"
	}
	return fmt.Sprintf(`You are an experienced performance marketing copywriter.
Write ad copy in the language with ISO code %q.
Always output your response as valid JSON in the exact format requested.
Do not include any text outside the JSON structure.`, language)
}

func buildContentPrompt(req *model.AdGenerationRequest) string {
	prompt := req.Prompt
	if req.CustomPrompt != "" {
		prompt = req.CustomPrompt
	}

	var extra strings.Builder
	if req.PromptStyle != "" {
		fmt.Fprintf(&extra, "\nStyle: %s", req.PromptStyle)
	}
	if req.CallToAction != "" {
		fmt.Fprintf(&extra, "\nCall to action: %s", req.CallToAction)
	}
	if req.WebsiteURL != "" {
		fmt.Fprintf(&extra, "\nWebsite: %s", req.WebsiteURL)
	}

	return fmt.Sprintf(`Create %d variations of a %s ad.
Brief: %s%s

Each variation needs a headline (max 40 characters), a primary text (max 125 characters)
and a description (max 30 characters).

Output as JSON: {"variations": [{"headline":"...","primaryText":"...","description":"...","callToAction":"..."}]}`,
		req.NumberOfVariations, req.AdType, prompt, extra.String())
}

func parseContentResponse(answer string) ([]model.AdContent, error) {
	answer = extractJSON(answer)

	var result struct {
		Variations []model.AdContent `json:"variations"`
	}
	if err := json.Unmarshal([]byte(answer), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	if len(result.Variations) == 0 {
		return nil, fmt.Errorf("no variations in response")
	}
	return result.Variations, nil
}

// extractJSON trims any prose around the outermost JSON object
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}
