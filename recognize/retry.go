package recognize

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/dhcgn/mail-extract/model"
)

const (
	defaultMaxRetries     = 2
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// RetryConfig controls how often an unavailable backend is retried.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

type retrying struct {
	next   Recognizer
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry retries calls that fail with model.ErrRecognitionUnavailable. Rejected input is
// returned immediately. MaxRetries <= 0 returns next unchanged.
func WithRetry(next Recognizer, cfg RetryConfig, logger *slog.Logger) Recognizer {
	if cfg.MaxRetries <= 0 {
		return next
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, cfg: cfg, logger: logger}
}

func (r *retrying) Recognize(ctx context.Context, imagePath string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		text, err := r.next.Recognize(ctx, imagePath)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !errors.Is(err, model.ErrRecognitionUnavailable) || attempt == r.cfg.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, r.cfg)
		r.logger.Warn("recognition failed, retrying",
			"attempt", attempt+1, "maxRetries", r.cfg.MaxRetries, "backoff", backoff, "err", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", lastErr
}

func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}
