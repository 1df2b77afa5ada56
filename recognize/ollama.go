package recognize

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	defaultOllamaModel   = "llama3.2-vision"
)

// Ollama calls a local Ollama server through /api/chat with the image attached.
type Ollama struct {
	baseURL    string
	model      string
	prompt     string
	httpClient *http.Client
}

func NewOllama(cfg Config) *Ollama {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOllamaModel
	}
	prompt := cfg.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		prompt:     prompt,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *Ollama) Recognize(ctx context.Context, imagePath string) (string, error) {
	data, _, err := readImage(imagePath)
	if err != nil {
		return "", err
	}

	reqBody := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaChatMessage{{
			Role:    "user",
			Content: o.prompt,
			Images:  []string{base64.StdEncoding.EncodeToString(data)},
		}},
		Stream: false,
	}

	var resp ollamaChatResponse
	if err := doJSON(ctx, o.httpClient, o.baseURL+"/api/chat", nil, reqBody, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}
