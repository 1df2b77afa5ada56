package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-extract/attachment"
	"github.com/dhcgn/mail-extract/cmd"
	"github.com/dhcgn/mail-extract/config"
	"github.com/dhcgn/mail-extract/extract"
	"github.com/dhcgn/mail-extract/filter"
	"github.com/dhcgn/mail-extract/imap"
	"github.com/dhcgn/mail-extract/mbox"
	"github.com/dhcgn/mail-extract/message"
	"github.com/dhcgn/mail-extract/pdftext"
	"github.com/dhcgn/mail-extract/progress"
	"github.com/dhcgn/mail-extract/raster"
	"github.com/dhcgn/mail-extract/recognize"
	"github.com/dhcgn/mail-extract/report"
	"github.com/dhcgn/mail-extract/runner"
	"github.com/dhcgn/mail-extract/scan"
	"github.com/dhcgn/mail-extract/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mail-extract [paths...]",
		Short: "Extract conversations and attachment text from .eml files, mbox archives and IMAP folders",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mail-extract", "inputs", cfg.Inputs, "imap", cfg.IMAPHost, "backend", cfg.Backend, "pdfEngine", cfg.PDFEngine, "workers", cfg.Workers)

			return run(cmd.Context(), cfg, logger)
		},
	}
	rootCmd.SilenceUsage = true

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewInspectCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r, err := runner.NewWithContext(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	defer r.Stop()
	logger = r.Logger()

	out, closeOut, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeOut(); err != nil {
			logger.Warn("closing output failed", "err", err)
		}
	}()

	stats.NewReporter(r, logger)
	if out != os.Stdout && len(cfg.Inputs) > 0 && !cfg.UsesIMAP() {
		total, err := mbox.CountContainers(ctx, cfg.Inputs)
		if err != nil {
			logger.Debug("counting containers failed", "err", err)
		}
		progress.NewProgressReporter(r, progress.New(total, cfg.LogLevel), logger)
	}

	retry := recognize.DefaultRetryConfig()
	retry.MaxRetries = cfg.Retries
	rec, closeRec, err := recognize.New(r.Context(), recognize.Config{
		Backend: cfg.Backend,
		BaseURL: cfg.BackendURL,
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
		Prompt:  cfg.Prompt,
		Timeout: cfg.RecognizeTimeout,
		Retry:   retry,
	}, logger)
	if err != nil {
		return fmt.Errorf("recognize.New: %w", err)
	}
	defer func() {
		if err := closeRec(); err != nil {
			logger.Warn("closing recognition backend failed", "err", err)
		}
	}()

	text, err := pdftext.New(cfg.PDFEngine, logger)
	if err != nil {
		return fmt.Errorf("pdftext.New: %w", err)
	}
	scanner := scan.New(raster.Fitz{DPI: float64(cfg.DPI), Quality: cfg.JPEGQuality}, rec, cfg.WorkspaceDir, logger)
	dispatcher := attachment.NewDispatcher(text, scanner, rec, cfg.WorkspaceDir, logger)
	parser := message.NewParser(dispatcher, message.Options{
		AttachmentWorkers: cfg.AttachmentWorkers,
		FailFast:          cfg.FailFast,
	}, logger)

	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	if len(cfg.Inputs) > 0 {
		if _, err := mbox.NewProducer(mbox.Options{Paths: cfg.Inputs, Filter: f}, r, logger); err != nil {
			return fmt.Errorf("mbox.NewProducer: %w", err)
		}
	}
	if cfg.UsesIMAP() {
		sourceOpts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.IMAPFolder,
			Filter:             f,
		}
		if _, err := imap.NewSource(sourceOpts, r, logger); err != nil {
			return fmt.Errorf("imap.NewSource: %w", err)
		}
	}

	extract.NewWorkers(parser, cfg.Workers, r, logger)

	w, err := report.New(out, cfg.Format, cfg.Dedupe, r.ID())
	if err != nil {
		return fmt.Errorf("report.New: %w", err)
	}
	report.NewSink(w, r, logger)

	return r.Start()
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return file, file.Close, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	// Logs go to stderr so stdout stays clean for the report.
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-extract-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
