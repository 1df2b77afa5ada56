package recognize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dhcgn/mail-extract/model"
)

const defaultGeminiModel = "gemini-1.5-flash"

// Gemini sends the prompt and image to Google's generative API.
type Gemini struct {
	client    *genai.Client
	modelName string
	prompt    string
}

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini backend requires an API key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	prompt := cfg.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	return &Gemini{client: client, modelName: modelName, prompt: prompt}, nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *Gemini) Recognize(ctx context.Context, imagePath string) (string, error) {
	data, media, err := readImage(imagePath)
	if err != nil {
		return "", err
	}

	m := g.client.GenerativeModel(g.modelName)
	resp, err := m.GenerateContent(ctx, genai.Text(g.prompt), genai.ImageData(strings.TrimPrefix(media, "image/"), data))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", classifyGeminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

// classifyGeminiError maps REST and gRPC failures onto the recognition taxonomy. Errors
// without a status (network failures) count as unavailable.
func classifyGeminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w: gemini generate: %w", model.ErrRecognition, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if shouldRetry(gerr.Code) {
			return fmt.Errorf("%w: gemini generate: %w", model.ErrRecognitionUnavailable, err)
		}
		return fmt.Errorf("%w: gemini generate: %w", model.ErrRecognition, err)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound,
			codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
			return fmt.Errorf("%w: gemini generate: %w", model.ErrRecognition, err)
		}
	}
	return fmt.Errorf("%w: gemini generate: %w", model.ErrRecognitionUnavailable, err)
}
