package recognize

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dhcgn/mail-extract/model"
)

const (
	defaultOpenAIBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenAIModel   = "google/gemini-2.5-flash"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint (OpenRouter by default)
// and sends the image as a data URI content part.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	prompt     string
	httpClient *http.Client
}

func NewOpenAI(cfg Config) *OpenAI {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = defaultOpenAIModel
	}
	prompt := cfg.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      modelName,
		prompt:     prompt,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OpenAI) Recognize(ctx context.Context, imagePath string) (string, error) {
	data, media, err := readImage(imagePath)
	if err != nil {
		return "", err
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: c.prompt},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:" + media + ";base64," + base64.StdEncoding.EncodeToString(data),
				}},
			},
		}},
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var resp chatResponse
	if err := doJSON(ctx, c.httpClient, c.baseURL+"/chat/completions", headers, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %w", model.ErrRecognitionUnavailable, errEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
