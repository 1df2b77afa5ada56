package recognize

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mail-extract/model"
)

// DefaultPrompt is the instruction sent with every page or image unless configured otherwise.
const DefaultPrompt = `This is a scanned document.
You must perform high level ocr on this document in order to extract the text it contains.
The text extraction must be content and layout aware, since the document might contain tables.
Your output should be ONLY the extracted text, without any extra comments.`

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

// Recognizer turns one image file into text. Implementations are synchronous and may be slow.
// Failures wrap model.ErrRecognitionUnavailable or model.ErrRecognition.
type Recognizer interface {
	Recognize(ctx context.Context, imagePath string) (string, error)
}

// Func adapts a plain function to the Recognizer interface.
type Func func(ctx context.Context, imagePath string) (string, error)

func (f Func) Recognize(ctx context.Context, imagePath string) (string, error) {
	return f(ctx, imagePath)
}

// Config selects and configures a backend explicitly.
type Config struct {
	Backend string
	BaseURL string
	Model   string
	APIKey  string
	Prompt  string
	Timeout time.Duration
	Retry   RetryConfig
}

// New builds the configured backend wrapped with the retry policy. The returned close
// function releases backend resources and is never nil.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Recognizer, func() error, error) {
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = DefaultPrompt
	}
	noop := func() error { return nil }

	var (
		backend Recognizer
		closer  = noop
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendOllama:
		backend = NewOllama(cfg)
	case BackendOpenAI:
		if cfg.APIKey == "" {
			return nil, noop, fmt.Errorf("openai backend requires an API key")
		}
		backend = NewOpenAI(cfg)
	case BackendGemini:
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		backend = g
		closer = g.Close
	default:
		return nil, noop, fmt.Errorf("unknown recognition backend %q", cfg.Backend)
	}

	return WithRetry(backend, cfg.Retry, logger), closer, nil
}

func readImage(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read image: %w", model.ErrRecognition, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: image %s is empty", model.ErrRecognition, filepath.Base(path))
	}
	return data, mediaType(path), nil
}

func mediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}
