package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dhcgn/mail-extract/model"
)

// doJSON posts payload and decodes the response into out, mapping failures onto the
// recognition error taxonomy.
func doJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", model.ErrRecognition, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", model.ErrRecognition, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", model.ErrRecognitionUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", model.ErrRecognitionUnavailable, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp struct {
		Error any `json:"error"`
	}
	msg := resp.Status
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != nil {
		switch v := errResp.Error.(type) {
		case string:
			msg = v
		case map[string]any:
			if m, ok := v["message"].(string); ok && m != "" {
				msg = m
			}
		}
	} else if len(bytes.TrimSpace(raw)) > 0 {
		msg = string(bytes.TrimSpace(raw))
	}

	if shouldRetry(resp.StatusCode) {
		return fmt.Errorf("%w: HTTP %d: %s", model.ErrRecognitionUnavailable, resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: HTTP %d: %s", model.ErrRecognition, resp.StatusCode, msg)
}

func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

var errEmptyResponse = errors.New("backend returned no choices")
