package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config captures all command-line options required to run an extraction.
type Config struct {
	Inputs []string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	IMAPFolder         string

	Backend          string
	Model            string
	Prompt           string
	BackendURL       string
	APIKey           string
	RecognizeTimeout time.Duration
	Retries          int

	PDFEngine   string
	DPI         int
	JPEGQuality int

	Workers           int
	AttachmentWorkers int
	FailFast          bool
	WorkspaceDir      string

	Format string
	Output string
	Dedupe string

	LogLevel string
	LogDir   string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// UsesIMAP reports whether an IMAP folder is one of the inputs.
func (c Config) UsesIMAP() bool {
	return c.IMAPHost != ""
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "YAML file with default values for any flag not given on the command line")
	flags.String("env-file", ".env", "Dotenv file with API keys and IMAP_PASS; missing file is ignored")

	flags.String("imap-host", "", "IMAP server hostname; reads a folder in addition to local paths")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-folder", "INBOX", "IMAP folder to read (opened read-only)")

	flags.String("backend", "ollama", "Text recognition backend: ollama, openai, gemini")
	flags.String("model", "", "Vision model name (backend default when empty)")
	flags.String("prompt", "", "Recognition prompt (built-in OCR prompt when empty)")
	flags.String("prompt-file", "", "Read the recognition prompt from a file")
	flags.String("backend-url", "", "Base URL of the recognition backend")
	flags.String("api-key", "", "API key for openai/gemini backends (falls back to OPENROUTER_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY)")
	flags.Duration("recognize-timeout", 5*time.Minute, "Timeout for a single recognition request")
	flags.Int("retries", 2, "Retries when the recognition backend is unavailable")

	flags.String("pdf-engine", "auto", "PDF text engine: auto, native, poppler")
	flags.Int("dpi", 150, "Resolution used to rasterise scanned PDF pages")
	flags.Int("jpeg-quality", 90, "JPEG quality of rasterised pages (1-100)")

	flags.Int("workers", 2, "Containers processed concurrently")
	flags.Int("attachment-workers", 1, "Attachments of one message processed concurrently")
	flags.Bool("fail-fast", false, "Fail a whole message when one attachment cannot be extracted")
	flags.String("workspace-dir", "", "Directory for temporary workspaces (system temp dir when empty)")

	flags.String("format", "text", "Output format: text, json")
	flags.StringP("output", "o", "-", "Output file, - for stdout")
	flags.String("dedupe", "ordered", "Conversation segment deduplication across messages: ordered, set, none")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig converts the parsed Cobra flags and positional input paths into a Config.
// Values from --config only apply to flags that were not set explicitly.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	var fileInputs []string
	if configFile != "" {
		fileInputs, err = applyFile(flags, configFile)
		if err != nil {
			return Config{}, err
		}
	}

	g := getter{flags: flags}
	cfg := Config{
		Inputs:             args,
		IMAPHost:           g.str("imap-host"),
		IMAPPort:           g.int("imap-port"),
		IMAPUser:           g.str("imap-user"),
		IMAPPass:           g.str("imap-pass"),
		UseTLS:             g.bool("use-tls"),
		InsecureSkipVerify: g.bool("insecure-skip-verify"),
		IMAPFolder:         g.str("imap-folder"),
		Backend:            strings.ToLower(g.str("backend")),
		Model:              g.str("model"),
		Prompt:             g.str("prompt"),
		BackendURL:         g.str("backend-url"),
		APIKey:             g.str("api-key"),
		RecognizeTimeout:   g.duration("recognize-timeout"),
		Retries:            g.int("retries"),
		PDFEngine:          strings.ToLower(g.str("pdf-engine")),
		DPI:                g.int("dpi"),
		JPEGQuality:        g.int("jpeg-quality"),
		Workers:            g.int("workers"),
		AttachmentWorkers:  g.int("attachment-workers"),
		FailFast:           g.bool("fail-fast"),
		WorkspaceDir:       g.str("workspace-dir"),
		Format:             strings.ToLower(g.str("format")),
		Output:             g.str("output"),
		Dedupe:             strings.ToLower(g.str("dedupe")),
		LogLevel:           strings.ToLower(g.str("log-level")),
		LogDir:             g.str("log-dir"),
		IncludeHeader:      g.strings("include-header"),
		IncludeBody:        g.strings("include-body"),
		ExcludeHeader:      g.strings("exclude-header"),
		ExcludeBody:        g.strings("exclude-body"),
	}
	promptFile := g.str("prompt-file")
	if g.err != nil {
		return Config{}, g.err
	}

	if len(cfg.Inputs) == 0 {
		cfg.Inputs = fileInputs
	}

	if promptFile != "" && cfg.Prompt == "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return Config{}, fmt.Errorf("read --prompt-file: %w", err)
		}
		cfg.Prompt = strings.TrimSpace(string(data))
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = apiKeyFromEnv(cfg.Backend)
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.WorkspaceDir != "" {
		cfg.WorkspaceDir = filepath.Clean(cfg.WorkspaceDir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func apiKeyFromEnv(backend string) string {
	switch backend {
	case "openai":
		if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
			return v
		}
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// applyFile sets every flag named in the YAML file that was not changed on the command line.
// The special key "inputs" lists default input paths.
func applyFile(flags *pflag.FlagSet, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	var inputs []string
	for key, value := range values {
		if key == "inputs" {
			items, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("config file %s: inputs must be a list", path)
			}
			for _, item := range items {
				inputs = append(inputs, fmt.Sprint(item))
			}
			continue
		}

		flag := flags.Lookup(key)
		if flag == nil {
			return nil, fmt.Errorf("config file %s: unknown option %q", path, key)
		}
		if flag.Changed || key == "config" {
			continue
		}
		if items, ok := value.([]any); ok {
			for _, item := range items {
				if err := flags.Set(key, fmt.Sprint(item)); err != nil {
					return nil, fmt.Errorf("config file %s: %s: %w", path, key, err)
				}
			}
			continue
		}
		if err := flags.Set(key, scalar(value)); err != nil {
			return nil, fmt.Errorf("config file %s: %s: %w", path, key, err)
		}
	}
	return inputs, nil
}

func scalar(v any) string {
	switch v := v.(type) {
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// getter reads flags and keeps the first lookup error.
type getter struct {
	flags *pflag.FlagSet
	err   error
}

func (g *getter) str(name string) string {
	v, err := g.flags.GetString(name)
	g.keep(err)
	return v
}

func (g *getter) int(name string) int {
	v, err := g.flags.GetInt(name)
	g.keep(err)
	return v
}

func (g *getter) bool(name string) bool {
	v, err := g.flags.GetBool(name)
	g.keep(err)
	return v
}

func (g *getter) duration(name string) time.Duration {
	v, err := g.flags.GetDuration(name)
	g.keep(err)
	return v
}

func (g *getter) strings(name string) []string {
	v, err := g.flags.GetStringArray(name)
	g.keep(err)
	return v
}

func (g *getter) keep(err error) {
	if err != nil && g.err == nil {
		g.err = err
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Inputs) == 0 && !cfg.UsesIMAP() {
		return fmt.Errorf("at least one input path or --imap-host is required")
	}
	if cfg.UsesIMAP() {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required with --imap-host")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	switch cfg.Backend {
	case "ollama", "gemini":
	case "openai":
		if cfg.APIKey == "" {
			return fmt.Errorf("--backend openai needs --api-key or OPENROUTER_API_KEY")
		}
	default:
		return fmt.Errorf("invalid --backend: %s", cfg.Backend)
	}
	if cfg.Backend == "gemini" && cfg.APIKey == "" {
		return fmt.Errorf("--backend gemini needs --api-key or GEMINI_API_KEY")
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("--retries must not be negative")
	}
	if cfg.RecognizeTimeout <= 0 {
		return fmt.Errorf("--recognize-timeout must be positive")
	}

	switch cfg.PDFEngine {
	case "auto", "native", "poppler":
	default:
		return fmt.Errorf("invalid --pdf-engine: %s", cfg.PDFEngine)
	}
	if cfg.DPI < 36 || cfg.DPI > 600 {
		return fmt.Errorf("--dpi must be between 36 and 600")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return fmt.Errorf("--jpeg-quality must be between 1 and 100")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}
	if cfg.AttachmentWorkers < 1 {
		return fmt.Errorf("--attachment-workers must be at least 1")
	}

	switch cfg.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --format: %s", cfg.Format)
	}
	switch cfg.Dedupe {
	case "ordered", "set", "none":
	default:
		return fmt.Errorf("invalid --dedupe: %s", cfg.Dedupe)
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
